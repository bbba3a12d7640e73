// Package metrics maintains in-memory counters and gauges for the probe
// engine, discovery client, and orchestrator, and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Store maintains in-memory gauges and counters for qosprobe telemetry.
type Store struct {
	requestsSent      atomic.Uint64
	responsesReceived atomic.Uint64
	invalidRequests   atomic.Uint64
	invalidResponses  atomic.Uint64
	probeRuns         atomic.Uint64

	discoveryCacheHits   atomic.Uint64
	discoveryCacheMisses atomic.Uint64
	discoveryFailures    atomic.Uint64

	statsEvictions atomic.Uint64

	cycleCount    atomic.Uint64
	lastCycleMs   atomic.Int64
	backoffsTotal atomic.Uint64
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	return &Store{}
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	RequestsSent      uint64
	ResponsesReceived uint64
	InvalidRequests   uint64
	InvalidResponses  uint64
	ProbeRuns         uint64

	DiscoveryCacheHits   uint64
	DiscoveryCacheMisses uint64
	DiscoveryFailures    uint64

	StatsEvictions uint64

	CycleCount    uint64
	LastCycleMs   int64
	BackoffsTotal uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		RequestsSent:         s.requestsSent.Load(),
		ResponsesReceived:    s.responsesReceived.Load(),
		InvalidRequests:      s.invalidRequests.Load(),
		InvalidResponses:     s.invalidResponses.Load(),
		ProbeRuns:            s.probeRuns.Load(),
		DiscoveryCacheHits:   s.discoveryCacheHits.Load(),
		DiscoveryCacheMisses: s.discoveryCacheMisses.Load(),
		DiscoveryFailures:    s.discoveryFailures.Load(),
		StatsEvictions:       s.statsEvictions.Load(),
		CycleCount:           s.cycleCount.Load(),
		LastCycleMs:          s.lastCycleMs.Load(),
		BackoffsTotal:        s.backoffsTotal.Load(),
	}
}

// ProbeRecorder returns a ProbeRecorder backed by the store.
func (s *Store) ProbeRecorder() ProbeRecorder {
	return probeRecorder{store: s}
}

// DiscoveryRecorder returns a DiscoveryRecorder backed by the store.
func (s *Store) DiscoveryRecorder() DiscoveryRecorder {
	return discoveryRecorder{store: s}
}

// IncStatsEviction records that a key's history was evicted (spec §4.E
// auto-eviction rule).
func (s *Store) IncStatsEviction() {
	s.statsEvictions.Add(1)
}

// ObserveCycle records one completed orchestrator cycle.
func (s *Store) ObserveCycle(durationMs int64) {
	s.cycleCount.Add(1)
	s.lastCycleMs.Store(durationMs)
}

// IncBackoffApplied records one endpoint entering flow-control back-off.
func (s *Store) IncBackoffApplied() {
	s.backoffsTotal.Add(1)
}

type probeRecorder struct {
	store *Store
}

func (r probeRecorder) ObserveRun(sent, received, invalidRequests, invalidResponses uint32) {
	r.store.requestsSent.Add(uint64(sent))
	r.store.responsesReceived.Add(uint64(received))
	r.store.invalidRequests.Add(uint64(invalidRequests))
	r.store.invalidResponses.Add(uint64(invalidResponses))
	r.store.probeRuns.Add(1)
}

type discoveryRecorder struct {
	store *Store
}

func (r discoveryRecorder) IncCacheHit()  { r.store.discoveryCacheHits.Add(1) }
func (r discoveryRecorder) IncCacheMiss() { r.store.discoveryCacheMisses.Add(1) }
func (r discoveryRecorder) IncFailure()   { r.store.discoveryFailures.Add(1) }

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	lines := []string{
		"# HELP qosprobe_requests_sent_total Total probe requests sent.",
		"# TYPE qosprobe_requests_sent_total counter",
		fmt.Sprintf("qosprobe_requests_sent_total %d", snap.RequestsSent),
		"# HELP qosprobe_responses_received_total Total probe responses received.",
		"# TYPE qosprobe_responses_received_total counter",
		fmt.Sprintf("qosprobe_responses_received_total %d", snap.ResponsesReceived),
		"# HELP qosprobe_invalid_requests_total Total short-write send failures.",
		"# TYPE qosprobe_invalid_requests_total counter",
		fmt.Sprintf("qosprobe_invalid_requests_total %d", snap.InvalidRequests),
		"# HELP qosprobe_invalid_responses_total Total responses failing verification or identifier match.",
		"# TYPE qosprobe_invalid_responses_total counter",
		fmt.Sprintf("qosprobe_invalid_responses_total %d", snap.InvalidResponses),
		"# HELP qosprobe_probe_runs_total Total completed probe engine runs.",
		"# TYPE qosprobe_probe_runs_total counter",
		fmt.Sprintf("qosprobe_probe_runs_total %d", snap.ProbeRuns),
		"# HELP qosprobe_discovery_cache_hits_total Discovery calls served from cache.",
		"# TYPE qosprobe_discovery_cache_hits_total counter",
		fmt.Sprintf("qosprobe_discovery_cache_hits_total %d", snap.DiscoveryCacheHits),
		"# HELP qosprobe_discovery_cache_misses_total Discovery calls answered by a successful network request.",
		"# TYPE qosprobe_discovery_cache_misses_total counter",
		fmt.Sprintf("qosprobe_discovery_cache_misses_total %d", snap.DiscoveryCacheMisses),
		"# HELP qosprobe_discovery_failures_total Discovery calls whose network request failed.",
		"# TYPE qosprobe_discovery_failures_total counter",
		fmt.Sprintf("qosprobe_discovery_failures_total %d", snap.DiscoveryFailures),
		"# HELP qosprobe_stats_evictions_total Endpoint histories evicted after an invalid result.",
		"# TYPE qosprobe_stats_evictions_total counter",
		fmt.Sprintf("qosprobe_stats_evictions_total %d", snap.StatsEvictions),
		"# HELP qosprobe_cycles_total Total orchestrator cycles completed.",
		"# TYPE qosprobe_cycles_total counter",
		fmt.Sprintf("qosprobe_cycles_total %d", snap.CycleCount),
		"# HELP qosprobe_last_cycle_duration_ms Wall-clock duration of the most recent orchestrator cycle.",
		"# TYPE qosprobe_last_cycle_duration_ms gauge",
		fmt.Sprintf("qosprobe_last_cycle_duration_ms %d", snap.LastCycleMs),
		"# HELP qosprobe_backoffs_applied_total Total endpoints placed into flow-control back-off.",
		"# TYPE qosprobe_backoffs_applied_total counter",
		fmt.Sprintf("qosprobe_backoffs_applied_total %d", snap.BackoffsTotal),
		"",
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
