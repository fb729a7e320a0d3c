// Package metrics provides lightweight, lock-minimal performance counters
// for the anonymization core and its API.
//
// Counters use sync/atomic so hot paths (detection stages, restore) incur no
// mutex contention. Latency statistics use a single mutex per dimension;
// they are updated at most once per run or model call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// knownStages lists the detector stages whose failures are counted.
// Used to pre-populate the per-stage map in New() so Snapshot() can iterate
// a fixed set without racing on map writes.
var knownStages = []string{"Memory", "Regex", "NLP"}

// Metrics holds all runtime counters for one process.
// The zero value is NOT valid for the per-stage counters; use New().
type Metrics struct {
	// Run counters
	RunsTotal     atomic.Int64
	RunsChunked   atomic.Int64
	RunsCancelled atomic.Int64
	RunsEmpty     atomic.Int64

	// Entity volume
	EntitiesMasked       atomic.Int64
	Restores             atomic.Int64
	PlaceholdersRestored atomic.Int64
	EntitiesSynced       atomic.Int64

	// NER result cache
	NERCacheHits   atomic.Int64
	NERCacheMisses atomic.Int64

	// Written only in New(); concurrent reads are safe without a lock.
	stageFailures map[string]*atomic.Int64

	// Categories are open-ended (learned rules name their own), so they sit
	// behind a mutex instead of a pre-populated map.
	catMu      sync.Mutex
	categories map[string]int64

	anonMu   sync.Mutex
	anonStat latencyStats

	nerMu   sync.Mutex
	nerStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and per-stage
// failure counters pre-populated.
func New() *Metrics {
	m := &Metrics{
		startTime:     time.Now(),
		stageFailures: make(map[string]*atomic.Int64, len(knownStages)),
		categories:    make(map[string]int64),
	}
	for _, s := range knownStages {
		m.stageFailures[s] = new(atomic.Int64)
	}
	return m
}

// RecordStageFailure increments the failure counter for a detector stage.
// Unknown stages are silently ignored.
func (m *Metrics) RecordStageFailure(stage string) {
	if c, ok := m.stageFailures[stage]; ok {
		c.Add(1)
	}
}

// RecordEntities adds one run's per-category counts.
func (m *Metrics) RecordEntities(stats map[string]int) {
	total := 0
	m.catMu.Lock()
	for cat, n := range stats {
		m.categories[cat] += int64(n)
		total += n
	}
	m.catMu.Unlock()
	m.EntitiesMasked.Add(int64(total))
}

// RecordAnonLatency records the duration of one anonymization run.
func (m *Metrics) RecordAnonLatency(d time.Duration) {
	m.anonMu.Lock()
	m.anonStat.record(float64(d.Microseconds()) / 1000.0)
	m.anonMu.Unlock()
}

// RecordNERLatency records the duration of one named-entity model call.
func (m *Metrics) RecordNERLatency(d time.Duration) {
	m.nerMu.Lock()
	m.nerStat.record(float64(d.Microseconds()) / 1000.0)
	m.nerMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.anonMu.Lock()
	anon := m.anonStat.snapshot()
	m.anonMu.Unlock()

	m.nerMu.Lock()
	ner := m.nerStat.snapshot()
	m.nerMu.Unlock()

	failures := make(map[string]int64, len(m.stageFailures))
	for s, c := range m.stageFailures {
		if n := c.Load(); n > 0 {
			failures[s] = n
		}
	}

	m.catMu.Lock()
	categories := make(map[string]int64, len(m.categories))
	for cat, n := range m.categories {
		categories[cat] = n
	}
	m.catMu.Unlock()

	return Snapshot{
		Runs: RunSnapshot{
			Total:     m.RunsTotal.Load(),
			Chunked:   m.RunsChunked.Load(),
			Cancelled: m.RunsCancelled.Load(),
			Empty:     m.RunsEmpty.Load(),
		},
		StageFailures: failures,
		Entities: EntitySnapshot{
			Masked:               m.EntitiesMasked.Load(),
			ByCategory:           categories,
			Restores:             m.Restores.Load(),
			PlaceholdersRestored: m.PlaceholdersRestored.Load(),
			Synced:               m.EntitiesSynced.Load(),
		},
		NERCache: CacheSnapshot{
			Hits:   m.NERCacheHits.Load(),
			Misses: m.NERCacheMisses.Load(),
		},
		Latency: LatencyGroup{
			AnonymizationMs: anon,
			NERMs:           ner,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Runs          RunSnapshot      `json:"runs"`
	StageFailures map[string]int64 `json:"stageFailures,omitempty"`
	Entities      EntitySnapshot   `json:"entities"`
	NERCache      CacheSnapshot    `json:"nerCache"`
	Latency       LatencyGroup     `json:"latency"`
	UptimeSecs    float64          `json:"uptimeSecs"`
}

// RunSnapshot holds anonymization run counters.
type RunSnapshot struct {
	Total     int64 `json:"total"`
	Chunked   int64 `json:"chunked"`
	Cancelled int64 `json:"cancelled"`
	Empty     int64 `json:"empty"`
}

// EntitySnapshot holds masking and reidentification volume.
type EntitySnapshot struct {
	Masked               int64            `json:"masked"`
	ByCategory           map[string]int64 `json:"byCategory,omitempty"`
	Restores             int64            `json:"restores"`
	PlaceholdersRestored int64            `json:"placeholdersRestored"`
	Synced               int64            `json:"synced"`
}

// CacheSnapshot holds NER result cache effectiveness.
type CacheSnapshot struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	AnonymizationMs LatencySnapshot `json:"anonymizationMs"`
	NERMs           LatencySnapshot `json:"nerMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
