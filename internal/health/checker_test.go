package health

import (
	"errors"
	"testing"
	"time"
)

func TestCheckerNotReadyBeforeDiscovery(t *testing.T) {
	c := NewChecker(time.Minute)
	now := time.Unix(1000, 0).UTC()

	ready, reasons := c.Ready(now)
	if ready {
		t.Fatalf("expected not ready before any discovery")
	}
	if len(reasons) != 1 || reasons[0] != "discovery not yet completed" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestCheckerReadyAfterDiscoveryWithEndpoints(t *testing.T) {
	c := NewChecker(time.Minute)
	now := time.Unix(1000, 0).UTC()

	c.ObserveDiscovery(now, 5, nil)
	ready, reasons := c.Ready(now)
	if !ready {
		t.Fatalf("expected ready, got reasons: %v", reasons)
	}
}

func TestCheckerStaleDiscovery(t *testing.T) {
	c := NewChecker(time.Minute)
	now := time.Unix(1000, 0).UTC()
	c.ObserveDiscovery(now, 5, nil)

	later := now.Add(2 * time.Minute)
	ready, reasons := c.Ready(later)
	if ready {
		t.Fatalf("expected not ready when discovery is stale")
	}
	if len(reasons) == 0 || reasons[0] != "discovery stale (2m0s since last success)" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestCheckerZeroEndpoints(t *testing.T) {
	c := NewChecker(time.Minute)
	now := time.Unix(1000, 0).UTC()
	c.ObserveDiscovery(now, 0, nil)

	ready, reasons := c.Ready(now)
	if ready {
		t.Fatalf("expected not ready with zero endpoints")
	}
	if len(reasons) != 1 || reasons[0] != "discovery returned zero endpoints" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestCheckerFailedDiscoveryDoesNotOverwriteLastSuccess(t *testing.T) {
	c := NewChecker(time.Minute)
	now := time.Unix(1000, 0).UTC()
	c.ObserveDiscovery(now, 5, nil)
	c.ObserveDiscovery(now.Add(10*time.Second), 0, errors.New("network error"))

	ready, reasons := c.Ready(now.Add(10 * time.Second))
	if !ready {
		t.Fatalf("expected ready, a failed discovery attempt should not clear the last success, got reasons: %v", reasons)
	}
}

func TestCheckerLastCycleError(t *testing.T) {
	c := NewChecker(time.Minute)
	now := time.Unix(1000, 0).UTC()
	c.ObserveDiscovery(now, 5, nil)
	c.ObserveCycle(now, errors.New("engine: run failed"))

	ready, reasons := c.Ready(now)
	if ready {
		t.Fatalf("expected not ready after cycle error")
	}
	if reasons[len(reasons)-1] != "last cycle failed: engine: run failed" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestCheckerReadyAgainAfterSuccessfulCycleClearsError(t *testing.T) {
	c := NewChecker(time.Minute)
	now := time.Unix(1000, 0).UTC()
	c.ObserveDiscovery(now, 5, nil)
	c.ObserveCycle(now, errors.New("transient"))
	c.ObserveCycle(now, nil)

	ready, reasons := c.Ready(now)
	if !ready {
		t.Fatalf("expected ready after a subsequent successful cycle, got reasons: %v", reasons)
	}
}

func TestNewCheckerAppliesDefaultStaleness(t *testing.T) {
	c := NewChecker(0)
	if c.staleAfter != defaultDiscoveryStale {
		t.Fatalf("expected default staleAfter %v, got %v", defaultDiscoveryStale, c.staleAfter)
	}
}
