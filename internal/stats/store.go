// Package stats implements the weighted rolling statistics store: a
// per-endpoint bounded history of recent probe results, with a weighted
// moving average that favors the newest sample (spec §4.E).
package stats

import (
	"sync"

	"github.com/multiplay/qosprobe/pkg/types"
)

// Config controls history depth and averaging weight.
type Config struct {
	// MaxResults bounds the per-key sample history. Older samples are
	// dropped once the bound is exceeded.
	MaxResults int
	// WeightOfCurrentResult is the weight given to the newest sample when
	// n > 1 samples are present, in [0, 1].
	WeightOfCurrentResult float64
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{MaxResults: 20, WeightOfCurrentResult: 0.75}
}

// Store is the single-writer/multi-reader statistics table keyed by
// endpoint key (orchestrator convention: "ipv6:port" if present else
// "ipv4:port"). The zero value is not usable; use New.
type Store struct {
	cfg Config
	mu  sync.RWMutex
	// history holds samples newest-first, per key.
	history map[string][]types.Sample
}

// New constructs a Store. A zero-valued cfg is replaced with DefaultConfig.
func New(cfg Config) *Store {
	if cfg.MaxResults <= 0 {
		cfg = DefaultConfig()
	}
	return &Store{
		cfg:     cfg,
		history: make(map[string][]types.Sample),
	}
}

// Process folds one probe result into key's history under the store's
// exclusive write lock (spec §4.E "Auto-eviction rule", "Insertion"). It
// reports whether the call evicted an existing history rather than
// extending it, so callers can drive an eviction counter or event without
// the store depending on internal/metrics or internal/events itself.
func (s *Store) Process(key string, result types.ProbeResult) (evicted bool) {
	avg := result.AverageLatencyMs()
	loss := result.PacketLoss()

	s.mu.Lock()
	defer s.mu.Unlock()

	if avg == types.InvalidLatencyMs || loss == types.InvalidPacketLoss {
		delete(s.history, key)
		return true
	}

	sample := types.Sample{LatencyMs: avg, PacketLoss: loss}
	hist := append([]types.Sample{sample}, s.history[key]...)
	if len(hist) > s.cfg.MaxResults {
		hist = hist[:s.cfg.MaxResults]
	}
	s.history[key] = hist
	return false
}

// WeightedAverage computes key's weighted moving average under a shared read
// lock. The bool is false if key has no history.
func (s *Store) WeightedAverage(key string) (types.WeightedResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.history[key]
	n := len(hist)
	if n == 0 {
		return types.WeightedResult{}, false
	}
	if n == 1 {
		return types.WeightedResult{Sample: hist[0], SampleCount: 1}, true
	}

	w := s.cfg.WeightOfCurrentResult
	remainder := (1 - w) / float64(n-1)

	var latency, loss float64
	latency += float64(hist[0].LatencyMs) * w
	loss += float64(hist[0].PacketLoss) * w
	for _, sample := range hist[1:] {
		latency += float64(sample.LatencyMs) * remainder
		loss += float64(sample.PacketLoss) * remainder
	}

	if loss < 0 {
		loss = 0
	} else if loss > 1 {
		loss = 1
	}

	return types.WeightedResult{
		Sample: types.Sample{
			LatencyMs:  uint32(latency + 0.5),
			PacketLoss: float32(loss),
		},
		SampleCount: n,
	}, true
}

// AllSamples returns a defensive copy of key's history, newest first.
func (s *Store) AllSamples(key string) ([]types.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist, ok := s.history[key]
	if !ok {
		return nil, false
	}
	out := make([]types.Sample, len(hist))
	copy(out, hist)
	return out, true
}

// Keys returns a snapshot of every key currently holding history.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.history))
	for k := range s.history {
		keys = append(keys, k)
	}
	return keys
}
