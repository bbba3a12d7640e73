// Package diag implements the qosprobe "diag" subcommand: a single JSON
// dump of the orchestrator's last cycle, for a human or another tool to
// inspect without scraping /metrics or tailing logs.
package diag

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/multiplay/qosprobe/internal/discovery"
	"github.com/multiplay/qosprobe/internal/orchestrator"
	"github.com/multiplay/qosprobe/internal/stats"
)

// Dependencies wires the live components the diag dump reads from. All
// three are read-only from diag's perspective; it never drives a cycle
// itself.
type Dependencies struct {
	Now          func() time.Time
	Orchestrator *orchestrator.Orchestrator
	Discovery    *discovery.Client
	Stats        *stats.Store
}

// Document is the dump's top-level shape.
type Document struct {
	GeneratedAt    string             `json:"generated_at"`
	DiscoveryState string             `json:"discovery_state"`
	Endpoints      []EndpointSnapshot `json:"endpoints"`
}

// EndpointSnapshot pairs one endpoint's identity with its most recent
// stats-store weighted average, if any.
type EndpointSnapshot struct {
	Key             string     `json:"key"`
	IPv4            string     `json:"ipv4"`
	Port            uint16     `json:"port"`
	RegionID        string     `json:"region_id,omitempty"`
	BackedOff       bool       `json:"backed_off"`
	BackoffUntilUTC *time.Time `json:"backoff_until_utc,omitempty"`
	SampleCount     int        `json:"sample_count"`
	WeightedLatency *uint32    `json:"weighted_latency_ms,omitempty"`
	WeightedLoss    *float32   `json:"weighted_packet_loss,omitempty"`
}

// Run parses diag's flags and writes the JSON document to w.
func Run(ctx context.Context, args []string, deps Dependencies, w io.Writer) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Orchestrator == nil || deps.Discovery == nil || deps.Stats == nil {
		return fmt.Errorf("diag: orchestrator, discovery, and stats dependencies are required")
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	pretty := fs.Bool("pretty", true, "Indent the JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	doc := Build(deps)

	enc := json.NewEncoder(w)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(doc)
}

// Build assembles the dump document from the live components' current
// state without mutating any of them.
func Build(deps Dependencies) Document {
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn().UTC()
	endpoints := deps.Orchestrator.Endpoints()

	doc := Document{
		GeneratedAt:    now.Format(time.RFC3339),
		DiscoveryState: deps.Discovery.State().String(),
		Endpoints:      make([]EndpointSnapshot, 0, len(endpoints)),
	}

	for _, ep := range endpoints {
		snap := EndpointSnapshot{
			Key:       ep.Key(),
			IPv4:      ep.IPv4,
			Port:      ep.Port,
			RegionID:  ep.RegionID,
			BackedOff: ep.IsBackedOff(now),
		}
		if !ep.BackoffUntilUTC.IsZero() {
			until := ep.BackoffUntilUTC
			snap.BackoffUntilUTC = &until
		}

		if avg, ok := deps.Stats.WeightedAverage(ep.Key()); ok {
			latency := avg.LatencyMs
			loss := avg.PacketLoss
			snap.SampleCount = avg.SampleCount
			snap.WeightedLatency = &latency
			snap.WeightedLoss = &loss
		}

		doc.Endpoints = append(doc.Endpoints, snap)
	}

	return doc
}
