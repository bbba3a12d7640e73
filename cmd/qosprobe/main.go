// Command qosprobe drives the QoS probe engine: periodic Discovery → Probe
// → Stats cycles against a configured fleet, exposing Prometheus metrics
// and Kubernetes-style health/readiness endpoints alongside a one-shot
// "once" mode and a "diag" state dump.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/multiplay/qosprobe/internal/config"
	"github.com/multiplay/qosprobe/internal/diag"
	"github.com/multiplay/qosprobe/internal/discovery"
	"github.com/multiplay/qosprobe/internal/events"
	"github.com/multiplay/qosprobe/internal/health"
	"github.com/multiplay/qosprobe/internal/logging"
	"github.com/multiplay/qosprobe/internal/metrics"
	"github.com/multiplay/qosprobe/internal/orchestrator"
	"github.com/multiplay/qosprobe/internal/probe"
	"github.com/multiplay/qosprobe/internal/stats"
	"github.com/multiplay/qosprobe/pkg/types"
)

const defaultMetricsAddr = "127.0.0.1:9310"

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runLoop(ctx, os.Args[2:])
	case "once":
		err = runOnce(ctx, os.Args[2:])
	case "diag":
		err = runDiag(ctx, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("qosprobe")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  qosprobe run [--config /etc/qosprobe/qosprobe.yaml] [--metrics-addr host:port]")
	fmt.Println("  qosprobe once [--config /etc/qosprobe/qosprobe.yaml]")
	fmt.Println("  qosprobe diag [--config /etc/qosprobe/qosprobe.yaml] [--pretty]")
}

// components bundles everything built from a loaded, validated Config.
type components struct {
	cfg          config.Config
	logger       *log.Logger
	metricsStore *metrics.Store
	discClient   *discovery.Client
	engine       *probe.Engine
	statsStore   *stats.Store
	healthCheck  *health.Checker
	orch         *orchestrator.Orchestrator
}

func build(ctx context.Context, configPath string) (*components, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New()
	metricsStore := metrics.NewStore()
	eventRecorder := events.NoopRecorder{}

	discCfg := discovery.Config{
		RequestTimeout:     time.Duration(cfg.Discovery.RequestTimeoutSec) * time.Second,
		RequestRetries:     cfg.Discovery.RequestRetries,
		FailureCacheTime:   time.Duration(cfg.Discovery.FailureCacheTimeMs) * time.Millisecond,
		SuccessCacheTime:   time.Duration(cfg.Discovery.SuccessCacheTimeMs) * time.Millisecond,
		ServiceURITemplate: cfg.Discovery.ServiceURI,
		UseGzip:            cfg.Discovery.UseGzip,
	}
	discClient := discovery.New(discCfg, discovery.Dependencies{
		Logger:  logger,
		Metrics: metricsStore.DiscoveryRecorder(),
		Events:  eventRecorder,
	})

	engine := probe.New(
		probe.WithLogger(logger),
		probe.WithMetrics(metricsStore.ProbeRecorder()),
		probe.WithEvents(eventRecorder),
	)

	statsStore := stats.New(stats.Config{
		MaxResults:            cfg.Stats.MaxResults,
		WeightOfCurrentResult: cfg.Stats.WeightOfCurrentResult,
	})

	interval := time.Duration(cfg.Run.QosCheckIntervalMs) * time.Millisecond
	healthChecker := health.NewChecker(interval * 3)

	probeCfg := probe.Config{
		RequestsPerEndpoint:  cfg.Probe.RequestsPerEndpoint,
		Timeout:              time.Duration(cfg.Probe.TimeoutMs) * time.Millisecond,
		MaxWait:              time.Duration(cfg.Probe.MaxWaitMs) * time.Millisecond,
		RequestsBetweenPause: cfg.Probe.RequestsBetweenPause,
		RequestPause:         time.Duration(cfg.Probe.RequestPauseMs) * time.Millisecond,
		ReceiveWait:          time.Duration(cfg.Probe.ReceiveWaitMs) * time.Millisecond,
		SocketBufferBytes:    cfg.Probe.SocketBufferBytes,
	}

	discoveryWorstCase := discCfg.RequestTimeout * time.Duration(1+discCfg.RequestRetries)

	orch, err := orchestrator.New(orchestrator.Config{
		QosCheckInterval:   interval,
		FleetID:            cfg.Discovery.FleetID,
		ProbeTitle:         cfg.Probe.Title,
		ProbeConfig:        probeCfg,
		DiscoveryWorstCase: discoveryWorstCase,
	}, orchestrator.Dependencies{
		Discovery: discClient,
		Engine:    engine,
		Stats:     statsStore,
		Logger:    logger,
		Metrics:   metricsStore,
		Events:    eventRecorder,
		Observer:  &healthObserver{checker: healthChecker},
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	return &components{
		cfg:          cfg,
		logger:       logger,
		metricsStore: metricsStore,
		discClient:   discClient,
		engine:       engine,
		statsStore:   statsStore,
		healthCheck:  healthChecker,
		orch:         orch,
	}, nil
}

// healthObserver adapts orchestrator.CycleObserver to health.Checker, so
// the readiness endpoint reflects live cycle outcomes without health
// depending on the orchestrator package.
type healthObserver struct {
	checker *health.Checker
}

func (h *healthObserver) OnCycleStart(_ uuid.UUID, endpointCount int) {
	h.checker.ObserveDiscovery(time.Now().UTC(), endpointCount, nil)
}

func (h *healthObserver) OnDiscoveryError(_ uuid.UUID, err error) {
	h.checker.ObserveDiscovery(time.Now().UTC(), 0, err)
}

func (h *healthObserver) OnProbeResult(uuid.UUID, string, types.ProbeResult) {}

func (h *healthObserver) OnBackoffApplied(uuid.UUID, string, time.Time) {}

func (h *healthObserver) OnCycleComplete(uuid.UUID, time.Duration) {
	h.checker.ObserveCycle(time.Now().UTC(), nil)
}

func runLoop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to qosprobe configuration file")
	metricsAddr := fs.String("metrics-addr", defaultMetricsAddr, "Address to serve /metrics, /healthz, /readyz on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := build(ctx, *configPath)
	if err != nil {
		return err
	}

	c.logger.Printf("qosprobe starting (fleet=%s, interval=%dms)", c.cfg.Discovery.FleetID, c.cfg.Run.QosCheckIntervalMs)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		err := c.orch.Run(groupCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		return serveMonitoring(groupCtx, *metricsAddr, c)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	c.logger.Printf("qosprobe stopped")
	return nil
}

func runOnce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("once", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to qosprobe configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := build(ctx, *configPath)
	if err != nil {
		return err
	}

	if err := c.orch.RunOnce(ctx); err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}

	doc := diag.Build(diag.Dependencies{Orchestrator: c.orch, Discovery: c.discClient, Stats: c.statsStore})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runDiag(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to qosprobe configuration file")
	pretty := fs.Bool("pretty", true, "Indent the JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := build(ctx, *configPath)
	if err != nil {
		return err
	}

	doc := diag.Build(diag.Dependencies{
		Now:          time.Now,
		Orchestrator: c.orch,
		Discovery:    c.discClient,
		Stats:        c.statsStore,
	})

	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(doc)
}

func serveMonitoring(ctx context.Context, addr string, c *components) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHTTPHandler(c.metricsStore))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ready, reasons := c.healthCheck.Ready(time.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Printf("metrics listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
