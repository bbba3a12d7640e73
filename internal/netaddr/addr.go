// Package netaddr provides the normalized IPv4+port address key the probe
// engine uses to index endpoints and coalesce duplicates (spec §4.C step 2,
// §9 "duplicate coalescing via arena+index").
package netaddr

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/multiplay/qosprobe/pkg/types"
)

// Key is a comparable, normalized IPv4+port pair suitable for use as a map
// key. It intentionally holds no pointers so duplicate endpoints never form
// a reference cycle back into the endpoint list.
type Key struct {
	addr [4]byte
	port uint16
}

// FromEndpoint derives the probe-path address key for e. Only the IPv4
// field participates: the probe path is IPv4-only per spec §9.
func FromEndpoint(e types.Endpoint) (Key, error) {
	addr, err := netip.ParseAddr(e.IPv4)
	if err != nil || !addr.Is4() {
		return Key{}, fmt.Errorf("netaddr: %q is not a dotted-quad IPv4 address", e.IPv4)
	}
	return Key{addr: addr.As4(), port: e.Port}, nil
}

// FromUDPAddr derives the address key for an inbound datagram's source
// address, for matching a received packet back to its endpoint.
func FromUDPAddr(addr *net.UDPAddr) (Key, bool) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return Key{}, false
	}
	var k Key
	copy(k.addr[:], ip4)
	k.port = uint16(addr.Port)
	return k, true
}

// UDPAddr renders the key back into a *net.UDPAddr suitable for WriteTo.
func (k Key) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 4)
	copy(ip, k.addr[:])
	return &net.UDPAddr{IP: ip, Port: int(k.port)}
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", k.addr[0], k.addr[1], k.addr[2], k.addr[3], k.port)
}
