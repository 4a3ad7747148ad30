// Package pipeline wires the core together: flatten each record, normalize
// its keys, learn field statistics, stamp it bi-temporally, split it by
// placement, and dispatch the halves to the backends.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sievedata/sieve/database"
	"github.com/sievedata/sieve/detect"
	"github.com/sievedata/sieve/metadata"
	"github.com/sievedata/sieve/normalize"
	"github.com/sievedata/sieve/placement"
)

const (
	defaultCheckpointEvery = 10
	defaultProgressEvery   = 50
)

// ErrNoBackendAccepted means every attempted backend rejected the record.
var ErrNoBackendAccepted = errors.New("pipeline: no backend accepted record")

type Stats struct {
	TotalProcessed int64 `json:"total_processed"`
	SQLInserts     int64 `json:"sql_inserts"`
	DocInserts     int64 `json:"doc_inserts"`
	Duplicates     int64 `json:"duplicates"`
	Errors         int64 `json:"errors"`
}

type Options struct {
	// FeederID partitions the sys_ingested_at suffix space between
	// concurrent feeders sharing one metadata store.
	FeederID        int
	CheckpointEvery int
	ProgressEvery   int
	Logger          *logrus.Entry
}

type Pipeline struct {
	store  *metadata.Store
	engine *placement.Engine
	sqlDB  database.Relational
	docDB  database.Document
	opts   Options
	log    *logrus.Entry

	mu        sync.Mutex
	processed int64
	stats     Stats
}

// New builds a pipeline. Either adapter may be nil; records then flow to the
// remaining one.
func New(store *metadata.Store, engine *placement.Engine, sqlDB database.Relational, docDB database.Document, opts Options) *Pipeline {
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = defaultCheckpointEvery
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "pipeline")
	}
	return &Pipeline{
		store:  store,
		engine: engine,
		sqlDB:  sqlDB,
		docDB:  docDB,
		opts:   opts,
		log:    log,
	}
}

// Flatten walks a record into dotted-path leaves while retaining each
// top-level nested subtree for the document side. Arrays are leaves at their
// path, never exploded.
func Flatten(record map[string]any) (flat, nested map[string]any) {
	flat = map[string]any{}
	nested = map[string]any{}
	for key, value := range record {
		switch v := value.(type) {
		case map[string]any:
			nested[key] = v
			flattenInto(flat, key, v)
		case []any:
			flat[key] = v
			nested[key] = v
		default:
			flat[key] = value
		}
	}
	return flat, nested
}

func flattenInto(flat map[string]any, prefix string, obj map[string]any) {
	for key, value := range obj {
		path := prefix + "_" + key
		if m, ok := value.(map[string]any); ok {
			flattenInto(flat, path, m)
			continue
		}
		flat[path] = value
	}
}

// Ingest runs one record through the complete pipeline. It returns an error
// only when every attempted backend rejected the record.
func (p *Pipeline) Ingest(raw map[string]any) error {
	flat, nested := Flatten(raw)

	normalized := p.normalizeAndTrack(flat)
	for key, value := range nested {
		if m, ok := value.(map[string]any); ok {
			value = normalize.Keys(m)
		}
		normalized[normalize.Normalize(key)] = value
	}

	seq := p.nextSeq()
	p.addTimestamps(normalized, seq)
	p.store.IncrementTotalRecords()

	sqlRecord, docRecord := p.split(normalized)
	err := p.dispatch(sqlRecord, docRecord)

	p.finishRecord(seq)
	return err
}

func (p *Pipeline) normalizeAndTrack(flat map[string]any) map[string]any {
	normalized := make(map[string]any, len(flat))
	for rawKey, value := range flat {
		key := normalize.Normalize(rawKey)
		if key != rawKey {
			p.store.AddNormalizationRule(rawKey, key)
		}
		tag := detect.Detect(value)
		p.store.UpdateFieldStats(key, tag, value)
		normalized[key] = value
	}
	return normalized
}

func (p *Pipeline) nextSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.processed
	p.processed++
	return seq
}

// addTimestamps attaches the bi-temporal pair: a unique server timestamp and
// the record's own clock (copied from timestamp, or now).
func (p *Pipeline) addTimestamps(record map[string]any, seq int64) {
	now := time.Now().UTC()
	record["sys_ingested_at"] = fmt.Sprintf("%s.%02d%06d",
		now.Format("2006-01-02T15:04:05"), p.opts.FeederID, seq)

	if _, ok := record["t_stamp"]; !ok {
		if ts, ok := record["timestamp"]; ok {
			record["t_stamp"] = ts
		} else {
			record["t_stamp"] = now.Format("2006-01-02T15:04:05")
		}
	}
}

func (p *Pipeline) split(record map[string]any) (sqlRecord, docRecord map[string]any) {
	sqlRecord = map[string]any{}
	docRecord = map[string]any{}

	for key, value := range record {
		backend := p.engine.Decide(key)
		tag := detect.Detect(value)

		if backend == placement.SQL || backend == placement.Both {
			sqlRecord[key] = sqlValue(tag, value)
			if p.sqlDB != nil {
				unique := p.engine.ShouldBeUnique(key)
				if err := p.sqlDB.EnsureColumn(key, tag, unique); err != nil {
					p.log.WithError(err).WithField("key", key).Warn("ensure column failed")
				}
			}
		}
		if backend == placement.Doc || backend == placement.Both {
			docRecord[key] = value
		}
	}

	// Mandatory fields land on both sides no matter what was decided.
	for key := range record {
		if !placement.Mandatory(key) {
			continue
		}
		if _, ok := sqlRecord[key]; !ok {
			sqlRecord[key] = sqlValue(detect.Detect(record[key]), record[key])
		}
		if _, ok := docRecord[key]; !ok {
			docRecord[key] = record[key]
		}
	}
	return sqlRecord, docRecord
}

// sqlValue serializes composites for the relational side; the document side
// keeps them native.
func sqlValue(tag detect.Tag, value any) any {
	if tag != detect.TagList && tag != detect.TagDict {
		return value
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(buf)
}

func (p *Pipeline) dispatch(sqlRecord, docRecord map[string]any) error {
	attempted := 0
	succeeded := 0

	if p.sqlDB != nil && len(sqlRecord) > 0 {
		attempted++
		if err := p.sqlDB.Insert(sqlRecord); err != nil {
			p.countInsertError(err, "sql")
		} else {
			succeeded++
			p.addStat(func(s *Stats) { s.SQLInserts++ })
		}
	}
	if p.docDB != nil && len(docRecord) > 0 {
		attempted++
		if err := p.docDB.Insert(docRecord); err != nil {
			p.countInsertError(err, "doc")
		} else {
			succeeded++
			p.addStat(func(s *Stats) { s.DocInserts++ })
		}
	}

	if attempted > 0 && succeeded == 0 {
		return ErrNoBackendAccepted
	}
	return nil
}

func (p *Pipeline) countInsertError(err error, side string) {
	if database.IsDuplicate(err) {
		p.addStat(func(s *Stats) { s.Duplicates++ })
		p.log.WithField("side", side).Debug("duplicate record skipped")
		return
	}
	p.addStat(func(s *Stats) { s.Errors++ })
	p.log.WithError(err).WithField("side", side).Warn("backend insert failed")
}

func (p *Pipeline) addStat(f func(*Stats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

func (p *Pipeline) finishRecord(seq int64) {
	p.addStat(func(s *Stats) { s.TotalProcessed++ })

	n := seq + 1
	if n%int64(p.opts.CheckpointEvery) == 0 {
		if err := p.store.Save(); err != nil {
			// In-memory state stays authoritative; the next checkpoint retries.
			p.log.WithError(err).Warn("metadata checkpoint failed")
		}
	}
	if n%int64(p.opts.ProgressEvery) == 0 {
		st := p.Stats()
		p.log.WithFields(logrus.Fields{
			"processed":   st.TotalProcessed,
			"sql_inserts": st.SQLInserts,
			"doc_inserts": st.DocInserts,
			"errors":      st.Errors,
		}).Info("progress")
	}
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close flushes metadata. Adapters are owned and closed by the caller.
func (p *Pipeline) Close() error {
	return p.store.Save()
}
