package probe

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/multiplay/qosprobe/pkg/types"
)

// decodedRequest mirrors the fields a real QoS server would pull out of a
// client probe packet.
type decodedRequest struct {
	sequence   uint8
	identifier uint16
	timestamp  int64
}

func decodeRequest(raw []byte) decodedRequest {
	titleLen := int(raw[2])
	seqOffset := 3 + titleLen
	return decodedRequest{
		sequence:   raw[seqOffset],
		identifier: binary.NativeEndian.Uint16(raw[seqOffset+1 : seqOffset+3]),
		timestamp:  int64(binary.NativeEndian.Uint64(raw[seqOffset+3 : seqOffset+11])),
	}
}

func encodeResponse(req decodedRequest, latency time.Duration, fcNibble byte) []byte {
	buf := make([]byte, 13)
	buf[0] = 0x95
	buf[1] = fcNibble
	buf[2] = req.sequence
	binary.NativeEndian.PutUint16(buf[3:5], req.identifier)
	binary.NativeEndian.PutUint64(buf[5:13], uint64(req.timestamp))
	return buf
}

// echoServer answers every probe with the given latency and flow-control
// nibble. reachable selects whether the server responds at all, letting
// tests simulate an unreachable endpoint (scenario E2) without a firewall.
type echoServer struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func startEchoServer(t *testing.T, latency time.Duration, fcNibble byte, reachable bool) *echoServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &echoServer{conn: conn, addr: conn.LocalAddr().(*net.UDPAddr)}
	if !reachable {
		// Bind and immediately close so the port is unreachable (ECONNREFUSED
		// on most platforms) rather than silently swallowing packets.
		conn.Close()
		return srv
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := decodeRequest(buf[:n])
			time.Sleep(0) // keep scheduling fair without adding artificial latency here
			resp := encodeResponse(req, latency, fcNibble)
			_, _ = conn.WriteToUDP(resp, addr)
		}
	}()
	return srv
}

func (s *echoServer) endpoint(regionID string) types.Endpoint {
	return types.Endpoint{
		IPv4:     s.addr.IP.String(),
		Port:     uint16(s.addr.Port),
		RegionID: regionID,
	}
}

func (s *echoServer) close() {
	s.conn.Close()
}

func TestRunAllReachableE1(t *testing.T) {
	servers := make([]*echoServer, 3)
	endpoints := make([]types.Endpoint, 3)
	for i := range servers {
		servers[i] = startEchoServer(t, 20*time.Millisecond, 0, true)
		defer servers[i].close()
		endpoints[i] = servers[i].endpoint("region")
	}

	eng := New()
	cfg := Config{RequestsPerEndpoint: 5, Timeout: 3 * time.Second, MaxWait: 300 * time.Millisecond, ReceiveWait: 20 * time.Millisecond}
	results, err := eng.Run(context.Background(), endpoints, "unit-test", cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.RequestsSent != 5 {
			t.Fatalf("endpoint %d: sent = %d, want 5", i, r.RequestsSent)
		}
		if r.ResponsesReceived != 5 {
			t.Fatalf("endpoint %d: received = %d, want 5", i, r.ResponsesReceived)
		}
		if r.PacketLoss() != 0 {
			t.Fatalf("endpoint %d: loss = %v, want 0", i, r.PacketLoss())
		}
		if r.AverageLatencyMs() == types.InvalidLatencyMs {
			t.Fatalf("endpoint %d: latency invalid", i)
		}
	}
}

func TestRunUnreachableEndpointE2(t *testing.T) {
	good := startEchoServer(t, 15*time.Millisecond, 0, true)
	defer good.close()
	bad := startEchoServer(t, 0, 0, false)

	endpoints := []types.Endpoint{good.endpoint("r1"), bad.endpoint("r2")}

	eng := New()
	cfg := Config{RequestsPerEndpoint: 5, Timeout: 2 * time.Second, MaxWait: 200 * time.Millisecond, ReceiveWait: 20 * time.Millisecond}
	results, err := eng.Run(context.Background(), endpoints, "unit-test", cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if results[0].ResponsesReceived != 5 {
		t.Fatalf("good endpoint received = %d, want 5", results[0].ResponsesReceived)
	}
	if results[1].ResponsesReceived != 0 {
		t.Fatalf("bad endpoint received = %d, want 0", results[1].ResponsesReceived)
	}
	if results[1].AverageLatencyMs() != types.InvalidLatencyMs {
		t.Fatalf("bad endpoint avg latency = %d, want InvalidLatencyMs", results[1].AverageLatencyMs())
	}
	if results[1].PacketLoss() != types.InvalidPacketLoss {
		t.Fatalf("bad endpoint loss = %v, want InvalidPacketLoss", results[1].PacketLoss())
	}
}

func TestRunDuplicateEndpointsCoalesceE3(t *testing.T) {
	srv := startEchoServer(t, 10*time.Millisecond, 0, true)
	defer srv.close()

	ep := srv.endpoint("r1")
	dup := ep
	dup.RegionID = "r1-mirror"
	endpoints := []types.Endpoint{ep, dup}

	eng := New()
	cfg := Config{RequestsPerEndpoint: 5, Timeout: 2 * time.Second, MaxWait: 200 * time.Millisecond, ReceiveWait: 20 * time.Millisecond}
	results, err := eng.Run(context.Background(), endpoints, "unit-test", cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if results[0].RequestsSent != 5 {
		t.Fatalf("first occurrence sent = %d, want 5", results[0].RequestsSent)
	}
	if results[1].RequestsSent != results[0].RequestsSent {
		t.Fatalf("duplicate sent = %d, want %d (copied)", results[1].RequestsSent, results[0].RequestsSent)
	}
	if results[1].ResponsesReceived != results[0].ResponsesReceived {
		t.Fatalf("duplicate received = %d, want %d (copied)", results[1].ResponsesReceived, results[0].ResponsesReceived)
	}
}

func TestRunFlowControlBanE4(t *testing.T) {
	// nibble 0b1010: high bit set (Ban), raw units = 0b010 = 2 -> units = 3
	const banNibble = 0b1010
	srv := startEchoServer(t, 5*time.Millisecond, banNibble, true)
	defer srv.close()

	endpoints := []types.Endpoint{srv.endpoint("r1")}
	eng := New()
	cfg := Config{RequestsPerEndpoint: 3, Timeout: 2 * time.Second, MaxWait: 200 * time.Millisecond, ReceiveWait: 20 * time.Millisecond}
	results, err := eng.Run(context.Background(), endpoints, "unit-test", cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if results[0].FlowControlType != types.FlowControlBan {
		t.Fatalf("fc type = %v, want Ban", results[0].FlowControlType)
	}
	if results[0].FlowControlUnits != 3 {
		t.Fatalf("fc units = %d, want 3", results[0].FlowControlUnits)
	}
}

func TestRunEmptyEndpointList(t *testing.T) {
	eng := New()
	results, err := eng.Run(context.Background(), nil, "t", DefaultConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(results))
	}
}

func TestRunHonorsBackoff(t *testing.T) {
	srv := startEchoServer(t, 5*time.Millisecond, 0, true)
	defer srv.close()

	ep := srv.endpoint("r1")
	ep.BackoffUntilUTC = time.Now().Add(time.Hour)

	eng := New()
	cfg := Config{RequestsPerEndpoint: 3, Timeout: time.Second, MaxWait: 100 * time.Millisecond, ReceiveWait: 10 * time.Millisecond}
	results, err := eng.Run(context.Background(), []types.Endpoint{ep}, "t", cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].RequestsSent != 0 {
		t.Fatalf("sent = %d, want 0 for backed-off endpoint", results[0].RequestsSent)
	}
}

func TestResultsInvariantResponsesNeverExceedSent(t *testing.T) {
	servers := []*echoServer{
		startEchoServer(t, 1*time.Millisecond, 0, true),
		startEchoServer(t, 2*time.Millisecond, 0b0011, true),
	}
	defer func() {
		for _, s := range servers {
			s.close()
		}
	}()

	endpoints := make([]types.Endpoint, len(servers))
	for i, s := range servers {
		endpoints[i] = s.endpoint("r")
	}

	eng := New()
	cfg := Config{RequestsPerEndpoint: 5, Timeout: 2 * time.Second, MaxWait: 200 * time.Millisecond, ReceiveWait: 20 * time.Millisecond}
	results, err := eng.Run(context.Background(), endpoints, "t", cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, r := range results {
		if r.ResponsesReceived > r.RequestsSent {
			t.Fatalf("endpoint %d: received %d > sent %d", i, r.ResponsesReceived, r.RequestsSent)
		}
	}
}
