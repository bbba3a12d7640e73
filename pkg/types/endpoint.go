// Package types holds the wire-visible data model shared by the discovery
// client, probe engine, and statistics store.
package types

import (
	"fmt"
	"net/netip"
	"time"
)

// Endpoint is a single regional QoS server as authored by the discovery
// service. Clients mutate only BackoffUntilUTC.
type Endpoint struct {
	IPv4            string    `json:"ipv4" yaml:"ipv4"`
	Port            uint16    `json:"port" yaml:"port"`
	RegionID        string    `json:"regionid" yaml:"regionid"`
	LocationID      int64     `json:"locationid" yaml:"locationid"`
	IPv6            string    `json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	BackoffUntilUTC time.Time `json:"-" yaml:"-"`
}

// Validate checks the invariants a discovered server must satisfy before it
// is admitted into a probe run: a parseable IPv4 address, a port in
// [1, 65535], and a non-empty region id.
func (e Endpoint) Validate() error {
	if e.RegionID == "" {
		return fmt.Errorf("%w: regionid is empty", ErrInvalidEndpoint)
	}
	if e.Port < 1 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	addr, err := netip.ParseAddr(e.IPv4)
	if err != nil {
		return fmt.Errorf("%w: ipv4 %q: %v", ErrInvalidEndpoint, e.IPv4, err)
	}
	if !addr.Is4() {
		return fmt.Errorf("%w: ipv4 %q is not a dotted-quad IPv4 address", ErrInvalidEndpoint, e.IPv4)
	}
	return nil
}

// Key returns the orchestrator's stats-store key convention for this
// endpoint: "ipv6:port" when an IPv6 address is present, else "ipv4:port".
func (e Endpoint) Key() string {
	if e.IPv6 != "" {
		return fmt.Sprintf("%s:%d", e.IPv6, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.IPv4, e.Port)
}

// IsBackedOff reports whether the endpoint must not be probed at t because a
// server previously issued flow control against it.
func (e Endpoint) IsBackedOff(t time.Time) bool {
	return t.Before(e.BackoffUntilUTC)
}
