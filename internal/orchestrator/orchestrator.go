// Package orchestrator drives the periodic Discovery → Probe → Stats cycle
// and applies server-issued flow-control back-off to the endpoint list
// between cycles (spec §4.F).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/multiplay/qosprobe/internal/discovery"
	"github.com/multiplay/qosprobe/internal/events"
	"github.com/multiplay/qosprobe/internal/metrics"
	"github.com/multiplay/qosprobe/internal/probe"
	"github.com/multiplay/qosprobe/internal/stats"
	"github.com/multiplay/qosprobe/pkg/types"
)

// Config controls cycle cadence and the fleet being probed.
type Config struct {
	QosCheckInterval time.Duration
	FleetID          string
	ProbeTitle       string
	ProbeConfig      probe.Config
	// DiscoveryWorstCase is the caller's estimate of the discovery client's
	// worst-case latency (RequestTimeout * (1+RequestRetries)), used only
	// for the interval-budget warning below.
	DiscoveryWorstCase time.Duration
}

// CycleObserver receives per-cycle telemetry; every method is optional (nil
// receivers are permitted at the call site via the no-op default below).
type CycleObserver interface {
	OnCycleStart(runID uuid.UUID, endpointCount int)
	OnDiscoveryError(runID uuid.UUID, err error)
	OnProbeResult(runID uuid.UUID, key string, result types.ProbeResult)
	OnBackoffApplied(runID uuid.UUID, key string, until time.Time)
	OnCycleComplete(runID uuid.UUID, dur time.Duration)
}

// NoopObserver implements CycleObserver with no-op methods.
type NoopObserver struct{}

func (NoopObserver) OnCycleStart(uuid.UUID, int)                {}
func (NoopObserver) OnDiscoveryError(uuid.UUID, error)          {}
func (NoopObserver) OnProbeResult(uuid.UUID, string, types.ProbeResult) {}
func (NoopObserver) OnBackoffApplied(uuid.UUID, string, time.Time)      {}
func (NoopObserver) OnCycleComplete(uuid.UUID, time.Duration)   {}

// Orchestrator ties the discovery client, probe engine, and stats store
// into one periodic cycle.
type Orchestrator struct {
	cfg       Config
	discovery *discovery.Client
	engine    *probe.Engine
	stats     *stats.Store
	logger    *log.Logger
	now       func() time.Time
	observer  CycleObserver
	metrics   *metrics.Store
	events    events.Recorder
	endpoints []types.Endpoint
}

// Dependencies wires the orchestrator's collaborators.
type Dependencies struct {
	Discovery *discovery.Client
	Engine    *probe.Engine
	Stats     *stats.Store
	Logger    *log.Logger
	Now       func() time.Time
	Observer  CycleObserver
	Metrics   *metrics.Store
	Events    events.Recorder
}

// New constructs an Orchestrator. It warns via the logger, but does not
// fail, when the configured probe timeout plus discovery worst case
// exceeds the cycle interval (spec §4.F).
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Discovery == nil || deps.Engine == nil || deps.Stats == nil {
		return nil, errors.New("orchestrator: discovery, engine, and stats dependencies are required")
	}
	if cfg.QosCheckInterval <= 0 {
		return nil, errors.New("orchestrator: qos check interval must be positive")
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	observer := deps.Observer
	if observer == nil {
		observer = NoopObserver{}
	}
	evts := deps.Events
	if evts == nil {
		evts = events.NoopRecorder{}
	}

	if cfg.ProbeConfig.Timeout+cfg.DiscoveryWorstCase > cfg.QosCheckInterval {
		logger.Printf("orchestrator: probe_timeout (%s) + discovery_worst_case (%s) exceeds interval (%s); cycles may overlap",
			cfg.ProbeConfig.Timeout, cfg.DiscoveryWorstCase, cfg.QosCheckInterval)
	}

	return &Orchestrator{
		cfg:       cfg,
		discovery: deps.Discovery,
		engine:    deps.Engine,
		stats:     deps.Stats,
		logger:    logger,
		now:       now,
		observer:  observer,
		metrics:   deps.Metrics,
		events:    evts,
	}, nil
}

// Run drives the periodic cycle until ctx is canceled. It runs one cycle
// immediately, then on cfg.QosCheckInterval thereafter.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.runCycle(ctx); err != nil {
		o.logger.Printf("orchestrator: cycle failed: %v", err)
	}

	ticker := time.NewTicker(o.cfg.QosCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.runCycle(ctx); err != nil {
				o.logger.Printf("orchestrator: cycle failed: %v", err)
			}
		}
	}
}

// RunOnce drives exactly one Discovery → Probe → Stats cycle, for the CLI's
// "once" subcommand.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	return o.runCycle(ctx)
}

func (o *Orchestrator) runCycle(ctx context.Context) error {
	start := o.now()
	runID := uuid.New()

	result, err := o.discovery.Discover(ctx, o.cfg.FleetID)
	if err != nil {
		o.observer.OnDiscoveryError(runID, err)
		return fmt.Errorf("orchestrator: discovery: %w", err)
	}
	if result.Endpoints != nil {
		// The discovery list never carries back-off deadlines; keep the ones
		// applied in earlier cycles so dispatch keeps honoring them.
		backoff := make(map[string]time.Time, len(o.endpoints))
		for _, ep := range o.endpoints {
			if !ep.BackoffUntilUTC.IsZero() {
				backoff[ep.Key()] = ep.BackoffUntilUTC
			}
		}
		for i := range result.Endpoints {
			if until, ok := backoff[result.Endpoints[i].Key()]; ok {
				result.Endpoints[i].BackoffUntilUTC = until
			}
		}
		o.endpoints = result.Endpoints
	}

	o.observer.OnCycleStart(runID, len(o.endpoints))
	if len(o.endpoints) == 0 {
		dur := o.now().Sub(start)
		if o.metrics != nil {
			o.metrics.ObserveCycle(dur.Milliseconds())
		}
		o.observer.OnCycleComplete(runID, dur)
		return nil
	}

	snapshot := append([]types.Endpoint(nil), o.endpoints...)
	results, err := o.engine.Run(ctx, snapshot, o.cfg.ProbeTitle, o.cfg.ProbeConfig)
	if err != nil {
		return fmt.Errorf("orchestrator: probe run: %w", err)
	}

	now := o.now()
	for i, result := range results {
		key := snapshot[i].Key()
		if evicted := o.stats.Process(key, result); evicted {
			if o.metrics != nil {
				o.metrics.IncStatsEviction()
			}
			o.events.Record(types.Event{Type: types.EventStatsEvicted, Timestamp: now, Key: key})
		}
		o.observer.OnProbeResult(runID, key, result)

		if result.ResponsesReceived > 0 && result.FlowControlType != types.FlowControlNone {
			until := backoffUntil(now, result.FlowControlUnits)
			o.applyBackoff(snapshot[i], until)
			if o.metrics != nil {
				o.metrics.IncBackoffApplied()
			}
			o.events.Record(types.Event{Type: types.EventBackoffApplied, Timestamp: now, Key: key, Details: map[string]any{"until": until}})
			o.observer.OnBackoffApplied(runID, key, until)
		}
	}

	dur := o.now().Sub(start)
	if o.metrics != nil {
		o.metrics.ObserveCycle(dur.Milliseconds())
	}
	o.observer.OnCycleComplete(runID, dur)
	return nil
}

// backoffUntil implements spec §6's server-dictated backoff encoding:
// 2·units minutes + 30 seconds from now.
func backoffUntil(now time.Time, units uint8) time.Time {
	return now.Add(time.Duration(units)*2*time.Minute + 30*time.Second)
}

// applyBackoff writes the computed backoff onto the live endpoint slice so
// the next cycle's dispatch step honors it. Endpoints are matched by
// address key rather than slice index since discovery may have reordered
// or resized the list between the snapshot and now.
func (o *Orchestrator) applyBackoff(ep types.Endpoint, until time.Time) {
	for i := range o.endpoints {
		if o.endpoints[i].Key() == ep.Key() {
			o.endpoints[i].BackoffUntilUTC = until
		}
	}
}

// Endpoints returns the orchestrator's current endpoint snapshot, for the
// diagnostic dump.
func (o *Orchestrator) Endpoints() []types.Endpoint {
	return append([]types.Endpoint(nil), o.endpoints...)
}
