// Package health evaluates orchestrator readiness: whether discovery has
// produced a fresh endpoint list recently and whether the last cycle
// completed without error.
package health

import (
	"fmt"
	"sync"
	"time"
)

const defaultDiscoveryStale = 3 * time.Minute

// Checker evaluates readiness conditions for the orchestrator loop.
type Checker struct {
	staleAfter time.Duration

	mu                   sync.RWMutex
	lastDiscoverySuccess time.Time
	lastCycleErr         string
	lastCycleErrAt       time.Time
	endpointCount        int
}

// NewChecker constructs a readiness checker. staleAfter bounds how long
// since the last successful discovery before readiness degrades; it should
// be a small multiple of the configured qos_check_interval_ms.
func NewChecker(staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultDiscoveryStale
	}
	return &Checker{staleAfter: staleAfter}
}

// ObserveDiscovery records the outcome of one discovery attempt.
func (c *Checker) ObserveDiscovery(ts time.Time, endpointCount int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		return
	}
	c.lastDiscoverySuccess = ts
	c.endpointCount = endpointCount
}

// ObserveCycle records the outcome of one orchestrator cycle.
func (c *Checker) ObserveCycle(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastCycleErr = err.Error()
		c.lastCycleErrAt = ts
		return
	}
	c.lastCycleErr = ""
	c.lastCycleErrAt = time.Time{}
}

// Ready evaluates all readiness conditions and returns the overall status
// and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	c.mu.RLock()
	lastSuccess := c.lastDiscoverySuccess
	endpointCount := c.endpointCount
	cycleErr := c.lastCycleErr
	staleAfter := c.staleAfter
	c.mu.RUnlock()

	var reasons []string

	if lastSuccess.IsZero() {
		reasons = append(reasons, "discovery not yet completed")
	} else if now.Sub(lastSuccess) > staleAfter {
		reasons = append(reasons, fmt.Sprintf("discovery stale (%s since last success)", now.Sub(lastSuccess).Round(time.Second)))
	} else if endpointCount == 0 {
		reasons = append(reasons, "discovery returned zero endpoints")
	}

	if cycleErr != "" {
		reasons = append(reasons, fmt.Sprintf("last cycle failed: %s", cycleErr))
	}

	return len(reasons) == 0, reasons
}
