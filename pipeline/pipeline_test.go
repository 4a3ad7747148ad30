package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievedata/sieve/database"
	"github.com/sievedata/sieve/detect"
	"github.com/sievedata/sieve/metadata"
	"github.com/sievedata/sieve/placement"
)

type fakeColumn struct {
	tag    detect.Tag
	unique bool
}

type fakeRelational struct {
	mu      sync.Mutex
	columns map[string]fakeColumn
	inserts []map[string]any
	seen    map[string]bool
	failErr error
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{
		columns: map[string]fakeColumn{},
		seen:    map[string]bool{},
	}
}

func (f *fakeRelational) EnsureColumn(name string, tag detect.Tag, unique bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[name]; !ok {
		f.columns[name] = fakeColumn{tag: tag, unique: unique}
	}
	return nil
}

func (f *fakeRelational) Insert(record map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	if key, ok := record["sys_ingested_at"].(string); ok {
		if f.seen[key] {
			return fmt.Errorf("fake: %w", database.ErrDuplicate)
		}
		f.seen[key] = true
	}
	f.inserts = append(f.inserts, record)
	return nil
}

func (f *fakeRelational) Close() error { return nil }

func (f *fakeRelational) column(name string) (fakeColumn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.columns[name]
	return c, ok
}

func (f *fakeRelational) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inserts) == 0 {
		return nil
	}
	return f.inserts[len(f.inserts)-1]
}

type fakeDocument struct {
	mu      sync.Mutex
	inserts []map[string]any
	failErr error
}

func (f *fakeDocument) Insert(record map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.inserts = append(f.inserts, record)
	return nil
}

func (f *fakeDocument) Close() error { return nil }

func (f *fakeDocument) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inserts) == 0 {
		return nil
	}
	return f.inserts[len(f.inserts)-1]
}

func newTestPipeline(t *testing.T) (*Pipeline, *metadata.Store, *fakeRelational, *fakeDocument) {
	t.Helper()
	store := metadata.Open(filepath.Join(t.TempDir(), "metadata.json"))
	engine := placement.NewEngine(store, placement.DefaultThresholds())
	sqlDB := newFakeRelational()
	docDB := &fakeDocument{}
	p := New(store, engine, sqlDB, docDB, Options{})
	return p, store, sqlDB, docDB
}

func TestFlatten(t *testing.T) {
	flat, nested := Flatten(map[string]any{
		"username": "alice",
		"metadata": map[string]any{
			"sensor": map[string]any{"version": "1.2"},
		},
		"readings": []any{1, 2, 3},
	})

	assert.Equal(t, "alice", flat["username"])
	assert.Equal(t, "1.2", flat["metadata_sensor_version"])
	assert.Equal(t, []any{1, 2, 3}, flat["readings"])
	assert.NotContains(t, flat, "metadata")

	assert.Contains(t, nested, "metadata")
	assert.Contains(t, nested, "readings")
	assert.NotContains(t, nested, "username")
}

func TestIngestNormalizesVariedCasing(t *testing.T) {
	p, store, sqlDB, _ := newTestPipeline(t)

	spellings := []string{"userName", "user_name", "UserName", "USER_NAME"}
	for i := 0; i < 20; i++ {
		err := p.Ingest(map[string]any{
			spellings[i%len(spellings)]: "alice",
			"Temperature":               22.5,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, "username", store.NormalizationRule("userName"))
	assert.Equal(t, "username", store.NormalizationRule("UserName"))
	assert.Equal(t, "temperature", store.NormalizationRule("Temperature"))

	f, ok := store.Field("username")
	require.True(t, ok)
	assert.Equal(t, int64(20), f.Appearances)

	// A stable, always-present float lands in the relational store once
	// enough observations accumulate.
	rec := sqlDB.last()
	require.NotNil(t, rec)
	assert.Contains(t, rec, "temperature")
	col, ok := sqlDB.column("temperature")
	require.True(t, ok)
	assert.Equal(t, detect.TagFloat, col.tag)
}

func TestIngestNestedSubtreeGoesToDocumentSide(t *testing.T) {
	p, store, sqlDB, docDB := newTestPipeline(t)

	for i := 0; i < 15; i++ {
		err := p.Ingest(map[string]any{
			"username": "alice",
			"metadata": map[string]any{
				"sensor": map[string]any{"version": "1.2"},
			},
		})
		require.NoError(t, err)
	}

	// The flattened leaf is tracked under its full path.
	f, ok := store.Field("metadata_sensor_version")
	require.True(t, ok)
	assert.Equal(t, int64(15), f.Appearances)

	doc := docDB.last()
	require.NotNil(t, doc)
	sub, ok := doc["metadata"].(map[string]any)
	require.True(t, ok, "subtree should arrive native on the document side")
	assert.Contains(t, sub, "sensor")

	sqlRec := sqlDB.last()
	require.NotNil(t, sqlRec)
	assert.NotContains(t, sqlRec, "metadata")
}

func TestIngestTimestamps(t *testing.T) {
	p, _, sqlDB, docDB := newTestPipeline(t)

	require.NoError(t, p.Ingest(map[string]any{
		"username":  "alice",
		"timestamp": "2024-01-15T10:30:00",
	}))

	doc := docDB.last()
	require.NotNil(t, doc)
	assert.Equal(t, "2024-01-15T10:30:00", doc["t_stamp"])

	sys, ok := doc["sys_ingested_at"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(sys, ".00000000"), "first record carries suffix 0, got %s", sys)

	require.NoError(t, p.Ingest(map[string]any{"username": "bob"}))
	next := docDB.last()["sys_ingested_at"].(string)
	assert.True(t, strings.HasSuffix(next, ".00000001"))
	assert.Greater(t, next, sys)

	// Mandatory fields appear on both sides from the first record.
	sqlRec := sqlDB.last()
	require.NotNil(t, sqlRec)
	assert.Contains(t, sqlRec, "username")
	assert.Contains(t, sqlRec, "sys_ingested_at")
	assert.Contains(t, sqlRec, "t_stamp")
}

func TestIngestFeederPartitionedSuffix(t *testing.T) {
	store := metadata.Open(filepath.Join(t.TempDir(), "metadata.json"))
	engine := placement.NewEngine(store, placement.DefaultThresholds())
	docDB := &fakeDocument{}
	p := New(store, engine, nil, docDB, Options{FeederID: 3})

	require.NoError(t, p.Ingest(map[string]any{"username": "alice"}))
	sys := docDB.last()["sys_ingested_at"].(string)
	assert.True(t, strings.HasSuffix(sys, ".03000000"), "got %s", sys)
}

func TestIngestDuplicateCountedOtherSideStillInserted(t *testing.T) {
	p, _, sqlDB, docDB := newTestPipeline(t)
	sqlDB.failErr = fmt.Errorf("fake: %w", database.ErrDuplicate)

	require.NoError(t, p.Ingest(map[string]any{"username": "alice"}))

	st := p.Stats()
	assert.Equal(t, int64(1), st.Duplicates)
	assert.Equal(t, int64(0), st.Errors)
	assert.Equal(t, int64(1), st.DocInserts)
	assert.NotNil(t, docDB.last())
}

func TestIngestAllBackendsFail(t *testing.T) {
	p, _, sqlDB, docDB := newTestPipeline(t)
	sqlDB.failErr = errors.New("disk full")
	docDB.failErr = errors.New("connection reset")

	err := p.Ingest(map[string]any{"username": "alice"})
	assert.ErrorIs(t, err, ErrNoBackendAccepted)

	st := p.Stats()
	assert.Equal(t, int64(2), st.Errors)
	assert.Equal(t, int64(1), st.TotalProcessed)
}

func TestIngestCheckpointPersistsMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")
	store := metadata.Open(path)
	engine := placement.NewEngine(store, placement.DefaultThresholds())
	p := New(store, engine, newFakeRelational(), &fakeDocument{}, Options{})

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Ingest(map[string]any{"username": "alice", "humidity": 65}))
	}

	reloaded := metadata.Open(path)
	f, ok := reloaded.Field("humidity")
	require.True(t, ok, "checkpoint after 10 records should have flushed stats")
	assert.Equal(t, int64(10), f.Appearances)
	assert.Equal(t, int64(10), reloaded.TotalRecords())
}

func TestIngestUniqueFieldGetsUniqueColumn(t *testing.T) {
	p, _, sqlDB, _ := newTestPipeline(t)

	for i := 0; i < 15; i++ {
		err := p.Ingest(map[string]any{
			"username":  "alice",
			"device_id": fmt.Sprintf("dev-%04d", i),
		})
		require.NoError(t, err)
	}

	col, ok := sqlDB.column("device_id")
	require.True(t, ok)
	assert.True(t, col.unique)
}

func TestSQLValueSerializesComposites(t *testing.T) {
	v := sqlValue(detect.TagList, []any{1, 2})
	assert.Equal(t, "[1,2]", v)

	v = sqlValue(detect.TagDict, map[string]any{"a": 1})
	assert.Equal(t, `{"a":1}`, v)

	assert.Equal(t, 42, sqlValue(detect.TagInteger, 42))
}

func TestStatsSnapshot(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Ingest(map[string]any{"username": "alice"}))
	}

	st := p.Stats()
	assert.Equal(t, int64(5), st.TotalProcessed)
	assert.Equal(t, int64(5), st.SQLInserts)
	assert.Equal(t, int64(5), st.DocInserts)
}
