// Package config decodes the qosprobe YAML configuration surface: probe,
// discovery, stats, and run sections (spec §6 "Configuration surface").
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "QOSPROBE_CONFIG"
	DefaultConfigPath = "/etc/qosprobe/qosprobe.yaml"
)

// Config is the root of the YAML configuration document.
type Config struct {
	Probe     ProbeConfig     `yaml:"probe"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Stats     StatsConfig     `yaml:"stats"`
	Run       RunConfig       `yaml:"run"`
}

// ProbeConfig mirrors internal/probe.Config's tunables (spec §4.C, §6).
type ProbeConfig struct {
	RequestsPerEndpoint  int           `yaml:"requests_per_endpoint"`
	TimeoutMs            int           `yaml:"timeout_ms"`
	MaxWaitMs            int           `yaml:"max_wait_ms"`
	RequestsBetweenPause int           `yaml:"requests_between_pause"`
	RequestPauseMs       int           `yaml:"request_pause_ms"`
	ReceiveWaitMs        int           `yaml:"receive_wait_ms"`
	SocketBufferBytes    int           `yaml:"socket_buffer_bytes"`
	Title                string        `yaml:"title"`
}

// DiscoveryConfig mirrors internal/discovery.Config's tunables (spec §4.D, §6).
type DiscoveryConfig struct {
	RequestTimeoutSec  int    `yaml:"request_timeout_sec"`
	RequestRetries     int    `yaml:"request_retries"`
	FailureCacheTimeMs int    `yaml:"failure_cache_time_ms"`
	SuccessCacheTimeMs int    `yaml:"success_cache_time_ms"`
	ServiceURI         string `yaml:"discovery_service_uri"`
	FleetID            string `yaml:"fleet_id"`
	UseGzip            bool   `yaml:"use_gzip"`
}

// StatsConfig mirrors internal/stats.Config's tunables (spec §4.E, §6).
type StatsConfig struct {
	MaxResults           int     `yaml:"max_results"`
	WeightOfCurrentResult float64 `yaml:"weight_of_current_result"`
}

// RunConfig controls the orchestrator's cycle cadence (spec §4.F).
type RunConfig struct {
	QosCheckIntervalMs int `yaml:"qos_check_interval_ms"`
}

// Load reads and decodes the YAML document at path.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv loads the config path named by QOSPROBE_CONFIG, or
// DefaultConfigPath if unset.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

// Validate checks the invariants spec §7's ConfigInvalid error kind covers:
// a zero probe timeout, an out-of-range stats weight, or an empty probe
// title are all rejected before a run starts.
func (c Config) Validate() error {
	if c.Probe.TimeoutMs <= 0 {
		return fmt.Errorf("config: probe.timeout_ms must be positive")
	}
	if c.Probe.Title == "" {
		return fmt.Errorf("config: probe.title must not be empty")
	}
	if c.Stats.WeightOfCurrentResult < 0 || c.Stats.WeightOfCurrentResult > 1 {
		return fmt.Errorf("config: stats.weight_of_current_result must be in [0,1]")
	}
	if c.Run.QosCheckIntervalMs <= 0 {
		return fmt.Errorf("config: run.qos_check_interval_ms must be positive")
	}
	return nil
}
