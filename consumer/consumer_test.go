package consumer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievedata/sieve/detect"
	"github.com/sievedata/sieve/metadata"
	"github.com/sievedata/sieve/pipeline"
	"github.com/sievedata/sieve/placement"
)

type captureDoc struct {
	mu      sync.Mutex
	inserts []map[string]any
}

func (c *captureDoc) Insert(record map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserts = append(c.inserts, record)
	return nil
}

func (c *captureDoc) Close() error { return nil }

func (c *captureDoc) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inserts)
}

func newConsumer(t *testing.T, baseURL string) (*Consumer, *captureDoc) {
	t.Helper()
	store := metadata.Open(filepath.Join(t.TempDir(), "metadata.json"))
	engine := placement.NewEngine(store, placement.DefaultThresholds())
	doc := &captureDoc{}
	pipe := pipeline.New(store, engine, nil, doc, pipeline.Options{})
	return New(baseURL, pipe, nil), doc
}

func sseHandler(t *testing.T, events []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		require.Len(t, parts, 2)
		require.Equal(t, "record", parts[0])
		count, err := strconv.Atoi(parts[1])
		require.NoError(t, err)

		w.Header().Set("Content-Type", "text/event-stream")
		for i, ev := range events {
			if i >= count {
				break
			}
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}
}

func TestConsumeBatch(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"username": "alice", "humidity": 65}`,
		`{"username": "bob", "humidity": 70}`,
	}))
	defer srv.Close()

	c, doc := newConsumer(t, srv.URL)
	n, err := c.ConsumeBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, doc.count())
}

func TestConsumeBatchSkipsMalformedEvents(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"username": "alice"}`,
		`{not json at all`,
		`{"username": "bob"}`,
	}))
	defer srv.Close()

	c, doc := newConsumer(t, srv.URL)
	n, err := c.ConsumeBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, doc.count())
}

func TestConsumeBatchIgnoresNonDataLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ": keepalive comment\n")
		fmt.Fprint(w, "event: record\n")
		fmt.Fprint(w, "data: {\"username\": \"alice\"}\n\n")
	}))
	defer srv.Close()

	c, doc := newConsumer(t, srv.URL)
	n, err := c.ConsumeBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, doc.count())
}

func TestConsumeBatchPreservesIntegers(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"username": "alice", "count": 42, "ratio": 0.5}`,
	}))
	defer srv.Close()

	store := metadata.Open(filepath.Join(t.TempDir(), "metadata.json"))
	engine := placement.NewEngine(store, placement.DefaultThresholds())
	pipe := pipeline.New(store, engine, nil, &captureDoc{}, pipeline.Options{})
	c := New(srv.URL, pipe, nil)

	_, err := c.ConsumeBatch(context.Background(), 1)
	require.NoError(t, err)

	tag, _ := store.DominantType("count")
	assert.Equal(t, detect.TagInteger, tag)
	tag, _ = store.DominantType("ratio")
	assert.Equal(t, detect.TagFloat, tag)
}

func TestConsumeBatchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newConsumer(t, srv.URL)
	_, err := c.ConsumeBatch(context.Background(), 1)
	assert.Error(t, err)
}

func TestRunHonorsBatchCount(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		fmt.Fprint(w, "data: {\"username\": \"alice\"}\n\n")
	}))
	defer srv.Close()

	c, doc := newConsumer(t, srv.URL)
	err := c.Run(context.Background(), 1, 3, 0)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, requests)
	assert.Equal(t, 3, doc.count())
}

func TestRunStopsBetweenBatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"username\": \"alice\"}\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, doc := newConsumer(t, srv.URL)
	err := c.Run(ctx, 1, 100, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.count())
}
