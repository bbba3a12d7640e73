package netaddr

import (
	"net"
	"testing"

	"github.com/multiplay/qosprobe/pkg/types"
)

func TestFromEndpointAndUDPAddrAgree(t *testing.T) {
	ep := types.Endpoint{IPv4: "1.2.3.4", Port: 7777}
	key, err := FromEndpoint(ep)
	if err != nil {
		t.Fatalf("FromEndpoint: %v", err)
	}

	udpKey, ok := FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 7777})
	if !ok {
		t.Fatalf("FromUDPAddr: not ok")
	}
	if key != udpKey {
		t.Fatalf("key %v != udpKey %v", key, udpKey)
	}
	if key.String() != "1.2.3.4:7777" {
		t.Fatalf("String() = %q", key.String())
	}
}

func TestFromEndpointRejectsIPv6(t *testing.T) {
	_, err := FromEndpoint(types.Endpoint{IPv4: "::1", Port: 1})
	if err == nil {
		t.Fatalf("expected error for non-IPv4 address")
	}
}

func TestFromUDPAddrRejectsIPv6(t *testing.T) {
	_, ok := FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 1})
	if ok {
		t.Fatalf("expected FromUDPAddr to reject an IPv6 source address")
	}
}

func TestDuplicateEndpointsShareKey(t *testing.T) {
	a := types.Endpoint{IPv4: "10.0.0.5", Port: 9000}
	b := types.Endpoint{IPv4: "10.0.0.5", Port: 9000, RegionID: "different-region-same-address"}

	ka, _ := FromEndpoint(a)
	kb, _ := FromEndpoint(b)
	if ka != kb {
		t.Fatalf("expected endpoints sharing an address to hash identically")
	}
}
