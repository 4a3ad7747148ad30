// Package placement decides which backend each canonical field is routed to,
// based on frequency and stability zones, a confidence score, booster
// signals, and the field's drift score.
package placement

import (
	"fmt"
	"strings"

	"github.com/sievedata/sieve/detect"
	"github.com/sievedata/sieve/metadata"
)

type Backend string

const (
	SQL       Backend = "SQL"
	Doc       Backend = "DOC"
	Both      Backend = "BOTH"
	Undecided Backend = "UNDECIDED"
)

// Thresholds are the tunable constants of the decision scheme.
type Thresholds struct {
	FreqHigh            float64 `yaml:"freq_high"`
	FreqMedium          float64 `yaml:"freq_medium"`
	StabStable          float64 `yaml:"stab_stable"`
	StabModerate        float64 `yaml:"stab_moderate"`
	MinObservations     int64   `yaml:"min_observations"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinorDrift          float64 `yaml:"minor_drift"`
	ModerateDrift       float64 `yaml:"moderate_drift"`
	NullRatioMax        float64 `yaml:"null_ratio_max"`
	BoosterPromotion    int     `yaml:"booster_promotion"`
	RelaxedFrequency    float64 `yaml:"relaxed_frequency"`
	RelaxedStability    float64 `yaml:"relaxed_stability"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FreqHigh:            0.75,
		FreqMedium:          0.50,
		StabStable:          0.85,
		StabModerate:        0.70,
		MinObservations:     10,
		ConfidenceThreshold: 0.65,
		MinorDrift:          0.10,
		ModerateDrift:       0.25,
		NullRatioMax:        0.05,
		BoosterPromotion:    2,
		RelaxedFrequency:    0.50,
		RelaxedStability:    0.75,
	}
}

// Cutoffs used by the decision rules themselves; the headline
// ConfidenceThreshold is a reporting/tuning knob.
const (
	mediumZoneConfidence = 0.60
	boosterConfidence    = 0.55
)

// Fields always routed to both backends so records can be joined across them.
var mandatoryFields = map[string]bool{
	"username":        true,
	"sys_ingested_at": true,
	"t_stamp":         true,
}

// Mandatory reports whether a key is forced into both backends.
func Mandatory(key string) bool {
	return mandatoryFields[key]
}

// Engine computes placements from store statistics and writes decisions back.
// It holds no decision state of its own.
type Engine struct {
	store *metadata.Store
	cfg   Thresholds
}

func NewEngine(store *metadata.Store, cfg Thresholds) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// Decide returns the backend for a canonical key. Decisions are sticky:
// an existing decision is returned as-is unless drift forces a downgrade.
// Fields without enough observations get a provisional Doc placement with
// nothing persisted.
func (e *Engine) Decide(key string) Backend {
	if Mandatory(key) {
		if _, ok := e.store.PlacementDecision(key); !ok {
			e.store.SetPlacementDecision(key, string(Both), "mandatory join key")
		}
		return Both
	}

	if d, ok := e.store.PlacementDecision(key); ok {
		return e.applyDriftOverride(key, Backend(d.Backend))
	}

	f, ok := e.store.Field(key)
	if !ok {
		return Doc
	}
	if f.Appearances < e.cfg.MinObservations {
		return Doc
	}

	dominantTag, stability := e.store.DominantType(key)
	if dominantTag == detect.TagList || dominantTag == detect.TagDict {
		e.store.SetPlacementDecision(key, string(Doc), "nested structure")
		return Doc
	}

	frequency := e.store.Frequency(key)
	freqZone := e.freqZone(frequency)
	stabZone := e.stabZone(stability)
	confidence := e.confidence(frequency, stability, dominantTag)
	boosters := e.boosterCount(key, dominantTag)

	candidate := Doc
	switch {
	case freqZone == "high" && (stabZone == "stable" || stabZone == "moderate"):
		candidate = SQL
	case freqZone == "medium" && stabZone == "stable" && confidence >= mediumZoneConfidence:
		candidate = SQL
	case boosters >= e.cfg.BoosterPromotion && freqZone != "low" &&
		confidence >= boosterConfidence &&
		frequency >= e.cfg.RelaxedFrequency && stability >= e.cfg.RelaxedStability:
		candidate = SQL
	}

	drift := e.store.DriftScore(key)
	quarantine := false
	if drift >= e.cfg.ModerateDrift {
		candidate = Doc
		quarantine = true
	} else if drift >= e.cfg.MinorDrift && candidate == SQL {
		candidate = Doc
	}

	reason := fmt.Sprintf(
		"freq=%.2f(%s) stability=%.2f(%s) confidence=%.2f boosters=%d drift=%.2f -> %s",
		frequency, freqZone, stability, stabZone, confidence, boosters, drift, candidate)
	e.store.SetPlacementDecision(key, string(candidate), reason)
	if quarantine {
		e.store.MarkQuarantined(key)
	}
	return candidate
}

// applyDriftOverride re-checks drift for an already-decided field. Downgrades
// are allowed; promotions back to SQL are not.
func (e *Engine) applyDriftOverride(key string, current Backend) Backend {
	drift := e.store.DriftScore(key)
	if drift < e.cfg.MinorDrift {
		return current
	}

	if drift >= e.cfg.ModerateDrift {
		if current != Doc {
			reason := fmt.Sprintf("moderate drift %.2f: forced out of relational store", drift)
			e.store.SetPlacementDecision(key, string(Doc), reason)
		}
		e.store.MarkQuarantined(key)
		return Doc
	}

	// Minor drift: SQL fields fall back to the flexible side, Doc stays.
	if current == SQL {
		reason := fmt.Sprintf("minor drift %.2f: downgraded from SQL", drift)
		e.store.SetPlacementDecision(key, string(Doc), reason)
		return Doc
	}
	return current
}

func (e *Engine) freqZone(f float64) string {
	switch {
	case f >= e.cfg.FreqHigh:
		return "high"
	case f >= e.cfg.FreqMedium:
		return "medium"
	default:
		return "low"
	}
}

func (e *Engine) stabZone(s float64) string {
	switch {
	case s >= e.cfg.StabStable:
		return "stable"
	case s >= e.cfg.StabModerate:
		return "moderate"
	default:
		return "unstable"
	}
}

func (e *Engine) confidence(frequency, stability float64, dominantTag detect.Tag) float64 {
	freqTerm := frequency / 0.80
	if freqTerm > 1 {
		freqTerm = 1
	}
	semanticTerm := 0.0
	if detect.Semantic(dominantTag) {
		semanticTerm = 0.8
	}
	return (freqTerm + stability + semanticTerm) / 3
}

func (e *Engine) boosterCount(key string, dominantTag detect.Tag) int {
	count := 0
	if detect.Semantic(dominantTag) {
		count++
	}
	if e.ShouldBeUnique(key) {
		count++
	}
	if e.store.NullRatio(key) < e.cfg.NullRatioMax {
		count++
	}
	return count
}

// Identifier tokens that suggest a unique constraint, matched against the
// underscore-separated tokens of the key (so device_id matches and humidity
// does not).
var uniqueTokens = map[string]bool{"id": true, "uuid": true, "session": true, "key": true}

// ShouldBeUnique reports whether the relational adapter should attempt a
// unique index for this key.
func (e *Engine) ShouldBeUnique(key string) bool {
	if key == "username" {
		return false
	}
	named := false
	for _, token := range strings.Split(strings.ToLower(key), "_") {
		if uniqueTokens[token] {
			named = true
			break
		}
	}
	if !named {
		return false
	}

	dominantTag, _ := e.store.DominantType(key)
	if dominantTag == detect.TagUUID || dominantTag == detect.TagInteger {
		return true
	}

	f, ok := e.store.Field(key)
	if !ok || len(f.SampleValues) < 2 {
		return false
	}
	distinct := map[string]bool{}
	for _, v := range f.SampleValues {
		distinct[v] = true
	}
	return float64(len(distinct))/float64(len(f.SampleValues)) > 0.9
}

// Keys likely to appear in queries regardless of frequency.
var indexedKeys = map[string]bool{
	"username": true, "timestamp": true, "t_stamp": true,
	"sys_ingested_at": true, "session_id": true, "device_id": true, "user_id": true,
}

// ShouldBeIndexed reports whether the relational adapter should index a key.
func (e *Engine) ShouldBeIndexed(key string) bool {
	if e.store.Frequency(key) >= 0.50 {
		return true
	}
	return indexedKeys[key]
}

// Summary groups decided fields by backend for reporting.
type Summary struct {
	SQLFields  []string   `json:"sql_fields"`
	DocFields  []string   `json:"doc_fields"`
	BothFields []string   `json:"both_fields"`
	Thresholds Thresholds `json:"thresholds"`
}

func (e *Engine) Summary() Summary {
	s := Summary{Thresholds: e.cfg}
	for key, d := range e.store.Decisions() {
		switch Backend(d.Backend) {
		case SQL:
			s.SQLFields = append(s.SQLFields, key)
		case Doc:
			s.DocFields = append(s.DocFields, key)
		case Both:
			s.BothFields = append(s.BothFields, key)
		}
	}
	return s
}
