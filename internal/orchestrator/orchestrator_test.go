package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/multiplay/qosprobe/internal/discovery"
	"github.com/multiplay/qosprobe/internal/probe"
	"github.com/multiplay/qosprobe/internal/stats"
	"github.com/multiplay/qosprobe/pkg/types"
)

func startEchoServer(t *testing.T, banNibble byte) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			raw := buf[:n]
			titleLen := int(raw[2])
			seqOff := 3 + titleLen
			resp := make([]byte, 13)
			resp[0] = 0x95
			resp[1] = banNibble
			copy(resp[2:13], raw[seqOff:seqOff+11])
			conn.WriteToUDP(resp, addr)
		}
	}()
	return conn
}

func TestRunOnceAppliesBackoffOnFlowControl(t *testing.T) {
	// nibble 0b1010: Ban, raw units 2 -> units 3
	const banNibble = 0b1010
	echo := startEchoServer(t, banNibble)
	defer echo.Close()
	addr := echo.LocalAddr().(*net.UDPAddr)

	discSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.DiscoveryResponse{
			Servers: []types.Endpoint{{IPv4: "127.0.0.1", Port: uint16(addr.Port), RegionID: "r1"}},
		})
	}))
	defer discSrv.Close()

	discCfg := discovery.DefaultConfig()
	discCfg.ServiceURITemplate = discSrv.URL + "/{fleet}"
	discClient := discovery.New(discCfg, discovery.Dependencies{})

	statsStore := stats.New(stats.DefaultConfig())
	engine := probe.New()

	cfg := Config{
		QosCheckInterval: time.Minute,
		FleetID:          "fleet-a",
		ProbeTitle:       "orch-test",
		ProbeConfig: probe.Config{
			RequestsPerEndpoint: 2,
			Timeout:             2 * time.Second,
			MaxWait:             200 * time.Millisecond,
			ReceiveWait:         20 * time.Millisecond,
		},
	}

	orch, err := New(cfg, Dependencies{Discovery: discClient, Engine: engine, Stats: statsStore})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := orch.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	endpoints := orch.Endpoints()
	if len(endpoints) != 1 {
		t.Fatalf("len(endpoints) = %d, want 1", len(endpoints))
	}
	if endpoints[0].BackoffUntilUTC.IsZero() {
		t.Fatal("expected backoff to be applied after Ban flow control")
	}

	if _, ok := statsStore.WeightedAverage(endpoints[0].Key()); !ok {
		t.Fatal("expected a stats entry for the probed endpoint")
	}
}

func TestRunOnceNoEndpointsIsNotAnError(t *testing.T) {
	discSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.DiscoveryResponse{Servers: nil})
	}))
	defer discSrv.Close()

	discCfg := discovery.DefaultConfig()
	discCfg.ServiceURITemplate = discSrv.URL + "/{fleet}"
	discClient := discovery.New(discCfg, discovery.Dependencies{})

	orch, err := New(Config{
		QosCheckInterval: time.Minute,
		FleetID:          "fleet-a",
		ProbeTitle:       "t",
		ProbeConfig:      probe.DefaultConfig(),
	}, Dependencies{Discovery: discClient, Engine: probe.New(), Stats: stats.New(stats.DefaultConfig())})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := orch.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(orch.Endpoints()) != 0 {
		t.Fatalf("expected no endpoints")
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Config{QosCheckInterval: time.Minute}, Dependencies{})
	if err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestBackoffUntilFormula(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := backoffUntil(now, 3)
	want := now.Add(6*time.Minute + 30*time.Second)
	if !got.Equal(want) {
		t.Fatalf("backoffUntil = %v, want %v", got, want)
	}
}
