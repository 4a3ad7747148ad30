// Package metadata persists per-field statistics across restarts: appearance
// counts, type histograms, value samples, drift windows, and the placement
// decisions derived from them.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sievedata/sieve/detect"
)

// driftWindow is the number of recent tags kept per field for drift scoring.
const driftWindow = 50

// maxSamples bounds sample_values per field; sampleLen truncates each sample.
const (
	maxSamples = 5
	sampleLen  = 100
)

// FieldStats is the per-canonical-key record.
type FieldStats struct {
	Appearances  int64            `json:"appearances"`
	TypeCounts   map[string]int64 `json:"type_counts"`
	TypeOrder    []string         `json:"type_order"`
	RecentTags   []string         `json:"recent_tags"`
	SampleValues []string         `json:"sample_values"`
	FirstSeen    time.Time        `json:"first_seen"`
	LastSeen     time.Time        `json:"last_seen"`
	NullCount    int64            `json:"null_count"`
	Placement    string           `json:"placement"`
	Quarantined  bool             `json:"quarantined"`
}

// Decision records where a field's values are routed and why.
type Decision struct {
	Backend   string    `json:"backend"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

type state struct {
	Fields             map[string]*FieldStats `json:"fields"`
	NormalizationRules map[string]string      `json:"normalization_rules"`
	PlacementDecisions map[string]*Decision   `json:"placement_decisions"`
	TotalRecords       int64                  `json:"total_records"`
	LastUpdated        time.Time              `json:"last_updated"`
	SessionStart       time.Time              `json:"session_start"`
}

// Stats is a read-only snapshot of global counters for reporting.
type Stats struct {
	TotalRecords       int64     `json:"total_records"`
	UniqueFields       int       `json:"unique_fields"`
	NormalizationRules int       `json:"normalization_rules"`
	PlacementDecisions int       `json:"placement_decisions"`
	SessionStart       time.Time `json:"session_start"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Store is the process-wide shared mutable structure. All methods are safe
// for concurrent feeders; the mutex is held only for counter updates and
// derived reads, never across backend writes.
type Store struct {
	mu    sync.Mutex
	path  string
	state state
}

// Open loads the store from path, falling back to an empty store with a
// warning when the file is missing or unreadable.
func Open(path string) *Store {
	s := &Store{path: path}
	s.state = freshState()

	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).WithField("path", path).Warn("metadata: load failed, starting fresh")
		}
		return s
	}

	var loaded state
	if err := json.Unmarshal(buf, &loaded); err != nil {
		logrus.WithError(err).WithField("path", path).Warn("metadata: corrupt state, starting fresh")
		return s
	}
	if loaded.Fields == nil {
		loaded.Fields = map[string]*FieldStats{}
	}
	if loaded.NormalizationRules == nil {
		loaded.NormalizationRules = map[string]string{}
	}
	if loaded.PlacementDecisions == nil {
		loaded.PlacementDecisions = map[string]*Decision{}
	}
	loaded.SessionStart = time.Now().UTC()
	s.state = loaded
	return s
}

func freshState() state {
	now := time.Now().UTC()
	return state{
		Fields:             map[string]*FieldStats{},
		NormalizationRules: map[string]string{},
		PlacementDecisions: map[string]*Decision{},
		SessionStart:       now,
		LastUpdated:        now,
	}
}

// Save persists the state atomically: write to a temp file in the same
// directory, then rename over the target.
func (s *Store) Save() error {
	s.mu.Lock()
	s.state.LastUpdated = time.Now().UTC()
	buf, err := json.MarshalIndent(&s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("metadata: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("metadata: temp file: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("metadata: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("metadata: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("metadata: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("metadata: rename: %w", err)
	}
	return nil
}

// UpdateFieldStats records one observation of a canonical key.
func (s *Store) UpdateFieldStats(key string, tag detect.Tag, value any) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.state.Fields[key]
	if !ok {
		f = &FieldStats{
			TypeCounts: map[string]int64{},
			FirstSeen:  now,
			Placement:  "UNDECIDED",
		}
		s.state.Fields[key] = f
	}

	f.Appearances++
	f.LastSeen = now
	if _, seen := f.TypeCounts[string(tag)]; !seen {
		f.TypeOrder = append(f.TypeOrder, string(tag))
	}
	f.TypeCounts[string(tag)]++
	if tag == detect.TagNull {
		f.NullCount++
	}

	f.RecentTags = append(f.RecentTags, string(tag))
	if len(f.RecentTags) > driftWindow {
		f.RecentTags = f.RecentTags[len(f.RecentTags)-driftWindow:]
	}

	if len(f.SampleValues) < maxSamples {
		sample := fmt.Sprint(value)
		if len(sample) > sampleLen {
			sample = sample[:sampleLen]
		}
		if !contains(f.SampleValues, sample) {
			f.SampleValues = append(f.SampleValues, sample)
		}
	}
}

func (s *Store) IncrementTotalRecords() {
	s.mu.Lock()
	s.state.TotalRecords++
	s.mu.Unlock()
}

// AddNormalizationRule records that a raw spelling maps to a canonical key.
// Idempotent: the first recorded mapping wins.
func (s *Store) AddNormalizationRule(raw, canonical string) {
	s.mu.Lock()
	if _, ok := s.state.NormalizationRules[raw]; !ok {
		s.state.NormalizationRules[raw] = canonical
	}
	s.mu.Unlock()
}

// NormalizationRule returns the recorded canonical key for a raw spelling,
// or the raw key itself when no rule was recorded.
func (s *Store) NormalizationRule(raw string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if canonical, ok := s.state.NormalizationRules[raw]; ok {
		return canonical
	}
	return raw
}

// SetPlacementDecision stores a decision, last-writer-wins.
func (s *Store) SetPlacementDecision(key, backend, reason string) {
	s.mu.Lock()
	s.state.PlacementDecisions[key] = &Decision{
		Backend:   backend,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
	if f, ok := s.state.Fields[key]; ok {
		f.Placement = backend
	}
	s.mu.Unlock()
}

// PlacementDecision returns the recorded decision for a key, if any.
func (s *Store) PlacementDecision(key string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.state.PlacementDecisions[key]
	if !ok {
		return Decision{}, false
	}
	return *d, true
}

// MarkQuarantined flags a field whose drift exceeded the moderate threshold.
func (s *Store) MarkQuarantined(key string) {
	s.mu.Lock()
	if f, ok := s.state.Fields[key]; ok {
		f.Quarantined = true
	}
	s.mu.Unlock()
}

// Frequency is appearances / max(total_records, 1), in [0, 1].
func (s *Store) Frequency(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.Fields[key]
	if !ok {
		return 0
	}
	total := s.state.TotalRecords
	if total < 1 {
		total = 1
	}
	return float64(f.Appearances) / float64(total)
}

// DominantType returns the most frequent tag (ties broken by first-insertion
// order) and its stability share of all appearances.
func (s *Store) DominantType(key string) (detect.Tag, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.Fields[key]
	if !ok || f.Appearances == 0 {
		return detect.TagUnknown, 0
	}
	tag, count := dominant(f)
	return detect.Tag(tag), float64(count) / float64(f.Appearances)
}

// DriftScore measures recent deviation from the historical dominant type:
// 1 - (dominant tags in the last W appearances / W), W = min(appearances, 50).
func (s *Store) DriftScore(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.Fields[key]
	if !ok || len(f.RecentTags) == 0 {
		return 0
	}
	dom, _ := dominant(f)
	matched := 0
	for _, tag := range f.RecentTags {
		if tag == dom {
			matched++
		}
	}
	return 1 - float64(matched)/float64(len(f.RecentTags))
}

// NullRatio is the fraction of appearances whose tag was null.
func (s *Store) NullRatio(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.Fields[key]
	if !ok || f.Appearances == 0 {
		return 0
	}
	return float64(f.NullCount) / float64(f.Appearances)
}

// Field returns a copy of the stats for a key.
func (s *Store) Field(key string) (FieldStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.Fields[key]
	if !ok {
		return FieldStats{}, false
	}
	out := *f
	out.TypeCounts = copyCounts(f.TypeCounts)
	out.TypeOrder = append([]string(nil), f.TypeOrder...)
	out.RecentTags = append([]string(nil), f.RecentTags...)
	out.SampleValues = append([]string(nil), f.SampleValues...)
	return out, true
}

// AllFields lists every tracked canonical key.
func (s *Store) AllFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.state.Fields))
	for k := range s.state.Fields {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) TotalRecords() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TotalRecords
}

// Decisions returns a copy of all placement decisions.
func (s *Store) Decisions() map[string]Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Decision, len(s.state.PlacementDecisions))
	for k, d := range s.state.PlacementDecisions {
		out[k] = *d
	}
	return out
}

func (s *Store) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalRecords:       s.state.TotalRecords,
		UniqueFields:       len(s.state.Fields),
		NormalizationRules: len(s.state.NormalizationRules),
		PlacementDecisions: len(s.state.PlacementDecisions),
		SessionStart:       s.state.SessionStart,
		LastUpdated:        s.state.LastUpdated,
	}
}

func dominant(f *FieldStats) (string, int64) {
	var domTag string
	var domCount int64 = -1
	for _, tag := range f.TypeOrder {
		if c := f.TypeCounts[tag]; c > domCount {
			domTag, domCount = tag, c
		}
	}
	return domTag, domCount
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
