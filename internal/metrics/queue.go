package metrics

// ProbeRecorder receives per-run counters from the probe engine.
type ProbeRecorder interface {
	ObserveRun(sent, received, invalidRequests, invalidResponses uint32)
}

// NoopProbeRecorder discards everything.
type NoopProbeRecorder struct{}

func (NoopProbeRecorder) ObserveRun(sent, received, invalidRequests, invalidResponses uint32) {}

// DiscoveryRecorder receives cache hit/miss and failure signals from the
// discovery client.
type DiscoveryRecorder interface {
	IncCacheHit()
	IncCacheMiss()
	IncFailure()
}

// NoopDiscoveryRecorder discards everything.
type NoopDiscoveryRecorder struct{}

func (NoopDiscoveryRecorder) IncCacheHit()  {}
func (NoopDiscoveryRecorder) IncCacheMiss() {}
func (NoopDiscoveryRecorder) IncFailure()   {}
