// Package probe implements the QoS Probe Engine: a single-pass,
// non-blocking UDP send/receive pipeline that fires N probes per endpoint
// to M endpoints in parallel with pacing, deadlines, duplicate-endpoint
// coalescing, and server-issued flow-control back-off (spec §4.C).
package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/multiplay/qosprobe/internal/events"
	"github.com/multiplay/qosprobe/internal/metrics"
	"github.com/multiplay/qosprobe/internal/netaddr"
	"github.com/multiplay/qosprobe/internal/wire"
	"github.com/multiplay/qosprobe/pkg/types"
)

// ErrSocketUnavailable is returned when the run's UDP socket could not be
// created or bound; the run aborts with all results zero-initialized.
var ErrSocketUnavailable = errors.New("probe: socket unavailable")

// Engine runs QoS probe jobs against a snapshot of endpoints.
type Engine struct {
	logger  *log.Logger
	now     func() time.Time
	metrics metrics.ProbeRecorder
	events  events.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the engine's logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNow overrides the engine's clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics wires a recorder that receives per-run send/receive counters.
func WithMetrics(rec metrics.ProbeRecorder) Option {
	return func(e *Engine) {
		if rec != nil {
			e.metrics = rec
		}
	}
}

// WithEvents wires a recorder for structured occurrences (currently,
// duplicate-endpoint coalescing) worth surfacing outside the log stream.
func WithEvents(rec events.Recorder) Option {
	return func(e *Engine) {
		if rec != nil {
			e.events = rec
		}
	}
}

// New constructs an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:  log.New(discardWriter{}, "", 0),
		now:     time.Now,
		metrics: metrics.NoopProbeRecorder{},
		events:  events.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// endpointState is the engine's private, per-run bookkeeping for one
// endpoint slot. It never outlives a single Run call.
type endpointState struct {
	endpoint   types.Endpoint
	addrKey    netaddr.Key
	addrValid  bool
	duplicate  bool
	firstIdx   int
	identifier uint16
	result     types.ProbeResult
}

// Run fires cfg.RequestsPerEndpoint probes at each of endpoints and returns
// one ProbeResult per endpoint, in input order (spec §4.C "operation
// contract"). The result at index i corresponds to endpoints[i] even when
// no packet was sent for it.
func (e *Engine) Run(ctx context.Context, endpoints []types.Endpoint, title string, cfg Config) ([]types.ProbeResult, error) {
	cfg = withDefaults(cfg)
	results := make([]types.ProbeResult, len(endpoints))
	for i, ep := range endpoints {
		results[i] = types.ProbeResult{EndpointKey: ep.Key()}
	}
	if len(endpoints) == 0 {
		return results, nil
	}

	deadline := e.now().Add(cfg.Timeout)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		e.logger.Printf("probe: socket create failed: %v", err)
		return results, fmt.Errorf("%w: %v", ErrSocketUnavailable, err)
	}
	defer conn.Close()

	if err := disableConnReset(conn); err != nil {
		e.logger.Printf("probe: disable conn-reset failed (continuing): %v", err)
	}
	if gotRecv, gotSend, err := tuneSocketBuffers(conn, cfg.SocketBufferBytes); err != nil {
		e.logger.Printf("probe: socket buffer tuning failed (continuing with OS defaults): %v", err)
	} else if gotRecv < cfg.SocketBufferBytes || gotSend < cfg.SocketBufferBytes {
		e.logger.Printf("probe: kernel granted smaller buffers than requested (recv=%d send=%d want=%d)", gotRecv, gotSend, cfg.SocketBufferBytes)
	}

	states, index := indexEndpoints(endpoints)
	for i := range states {
		states[i].result = results[i]
		if states[i].duplicate {
			e.events.Record(types.Event{
				Type:      types.EventDuplicateEndpointCoalesced,
				Timestamp: e.now(),
				Key:       states[i].addrKey.String(),
			})
		}
	}

	now := e.now()
	outstanding := e.dispatch(ctx, conn, states, index, title, cfg, now, deadline)
	e.drain(conn, states, index, outstanding, cfg, deadline)

	for i := range states {
		results[i] = states[i].result
	}
	finalizeDuplicates(states, results)

	var sent, received, invalidReq, invalidResp uint32
	for _, r := range results {
		sent += r.RequestsSent
		received += r.ResponsesReceived
		invalidReq += r.InvalidRequests
		invalidResp += r.InvalidResponses
	}
	e.metrics.ObserveRun(sent, received, invalidReq, invalidResp)

	return results, nil
}

// indexEndpoints builds the address_index map described in spec §4.C step 2
// / §9: the first endpoint at a given IPv4+port owns the slot; later
// endpoints sharing that address are marked as duplicates referencing the
// first occurrence by plain integer index.
func indexEndpoints(endpoints []types.Endpoint) ([]endpointState, map[netaddr.Key]int) {
	states := make([]endpointState, len(endpoints))
	index := make(map[netaddr.Key]int, len(endpoints))

	for i, ep := range endpoints {
		states[i].endpoint = ep
		key, err := netaddr.FromEndpoint(ep)
		if err != nil {
			// Not IPv4-parseable; nothing to send to. Leave zero result.
			continue
		}
		states[i].addrKey = key
		states[i].addrValid = true

		if firstIdx, exists := index[key]; exists {
			states[i].duplicate = true
			states[i].firstIdx = firstIdx
		} else {
			index[key] = i
			states[i].firstIdx = i
		}
	}
	return states, index
}

// dispatch implements spec §4.C step 3 (DISPATCH). It returns the number of
// probes sent that are still awaiting a response.
func (e *Engine) dispatch(ctx context.Context, conn *net.UDPConn, states []endpointState, index map[netaddr.Key]int, title string, cfg Config, start, deadline time.Time) int {
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsBetweenPause)/cfg.RequestPause.Seconds()), cfg.RequestsBetweenPause)
	totalSent := 0
	outstanding := 0

	for i := range states {
		st := &states[i]
		if st.duplicate || !st.addrValid {
			continue
		}
		if e.now().After(deadline) {
			e.logger.Printf("probe: deadline reached, abandoning remaining sends")
			break
		}
		if st.endpoint.IsBackedOff(start) {
			continue
		}

		st.identifier = uint16(rand.Uint32())
		addr := st.addrKey.UDPAddr()

		for seq := 0; seq < cfg.RequestsPerEndpoint; seq++ {
			if e.now().After(deadline) {
				break
			}
			packet, err := wire.Encode(wire.Request{
				Title:       title,
				Sequence:    uint8(seq),
				Identifier:  st.identifier,
				TimestampMs: e.now().UnixMilli(),
			})
			if err != nil {
				e.logger.Printf("probe: encode failed for %s: %v", st.addrKey, err)
				break
			}

			outcome := e.sendOne(ctx, conn, addr, packet, deadline)
			switch outcome {
			case sendOK:
				st.result.RequestsSent++
				outstanding++
			case sendShortWrite:
				st.result.InvalidRequests++
			case sendPermanentError, sendDeadlineExceeded:
				// Abort this endpoint's remaining sends; a permanent error
				// or a blown deadline can't be recovered by retrying later
				// sequence numbers.
				seq = cfg.RequestsPerEndpoint
			}
			if outcome == sendPermanentError || outcome == sendDeadlineExceeded {
				continue
			}

			totalSent++
			if totalSent%cfg.RequestsBetweenPause == 0 {
				if err := limiter.WaitN(ctx, cfg.RequestsBetweenPause); err != nil {
					break
				}
			}
		}

		e.matchIncoming(conn, states, index, &outstanding)
	}

	return outstanding
}

type sendOutcome int

const (
	sendOK sendOutcome = iota
	sendShortWrite
	sendPermanentError
	sendDeadlineExceeded
)

// sendOne emits one datagram, retrying transient (timeout-class) errors
// until deadline as spec §4.C step 3 requires.
func (e *Engine) sendOne(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, packet []byte, deadline time.Time) sendOutcome {
	for {
		if err := ctx.Err(); err != nil {
			return sendDeadlineExceeded
		}
		now := e.now()
		if now.After(deadline) {
			return sendDeadlineExceeded
		}

		attemptDeadline := now.Add(50 * time.Millisecond)
		if attemptDeadline.After(deadline) {
			attemptDeadline = deadline
		}
		_ = conn.SetWriteDeadline(attemptDeadline)

		n, err := conn.WriteToUDP(packet, addr)
		if err == nil {
			if n != len(packet) {
				return sendShortWrite
			}
			return sendOK
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue // transient (EAGAIN/EWOULDBLOCK/ETIMEDOUT-class): retry until deadline
		}
		e.logger.Printf("probe: permanent send error to %s: %v", addr, err)
		return sendPermanentError
	}
}

// matchIncoming performs a best-effort drain: it reads whatever is already
// queued on the socket, waiting at most a millisecond for each further
// datagram, to keep the receive buffer from overflowing mid-burst (spec §4.C
// step 3 "After each endpoint's burst, run a non-blocking drain").
func (e *Engine) matchIncoming(conn *net.UDPConn, states []endpointState, index map[netaddr.Key]int, outstanding *int) {
	buf := make([]byte, wire.MaxPacketLen)
	for {
		// A deadline already in the past fails the read before it is tried,
		// so the deadline is set slightly in the future.
		_ = conn.SetReadDeadline(e.now().Add(time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		e.handleDatagram(buf[:n], addr, states, index, outstanding)
	}
}

// drain implements spec §4.C step 4 (DRAIN): a blocking receive loop with a
// per-recv timeout of cfg.ReceiveWait, bounded by min(deadline, now+MaxWait)
// or until every outstanding response has been matched.
func (e *Engine) drain(conn *net.UDPConn, states []endpointState, index map[netaddr.Key]int, outstanding int, cfg Config, deadline time.Time) {
	drainDeadline := e.now().Add(cfg.MaxWait)
	if drainDeadline.After(deadline) {
		drainDeadline = deadline
	}

	buf := make([]byte, wire.MaxPacketLen)
	for outstanding > 0 && e.now().Before(drainDeadline) {
		readDeadline := e.now().Add(cfg.ReceiveWait)
		if readDeadline.After(drainDeadline) {
			readDeadline = drainDeadline
		}
		_ = conn.SetReadDeadline(readDeadline)

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		e.handleDatagram(buf[:n], addr, states, index, &outstanding)
	}
}

// handleDatagram implements spec §4.C step 5 (MATCHING) for a single
// received packet.
func (e *Engine) handleDatagram(raw []byte, addr *net.UDPAddr, states []endpointState, index map[netaddr.Key]int, outstanding *int) {
	key, ok := netaddr.FromUDPAddr(addr)
	if !ok {
		return
	}
	idx, ok := index[key]
	if !ok {
		e.logger.Printf("probe: unexpected response from %s, discarding", addr)
		return
	}
	st := &states[idx]
	e.verifyAndRecord(raw, st, outstanding)
}

// verifyAndRecord decodes raw against st's own burst bound and identifier,
// updating st.result and outstanding in place.
func (e *Engine) verifyAndRecord(raw []byte, st *endpointState, outstanding *int) {
	if len(raw) < 5 {
		st.result.InvalidResponses++
		return
	}
	gotIdentifier := wireIdentifier(raw)
	if gotIdentifier != st.identifier {
		st.result.InvalidResponses++
		return
	}

	maxSeq := uint8(0)
	if st.result.RequestsSent > 0 {
		maxSeq = uint8(st.result.RequestsSent - 1)
	}
	resp, err := wire.Verify(raw, maxSeq)
	if err != nil {
		st.result.InvalidResponses++
		return
	}

	st.result.ResponsesReceived++
	latency := e.now().UnixMilli() - resp.TimestampMs
	if latency < 0 {
		latency = 0
	}
	st.result.AggregateLatencyMs += uint32(latency)
	*outstanding--

	fc := wire.ParseFlowControl(resp.FlowControlNibble())
	if fc.Units > st.result.FlowControlUnits {
		st.result.FlowControlUnits = fc.Units
		st.result.FlowControlType = types.FlowControlType(fc.Type)
	}
}

func wireIdentifier(raw []byte) uint16 {
	// Mirrors wire.Verify's field layout (offset 3, 2 bytes, native endian)
	// without requiring a full Verify pass first, since identifier
	// mismatches short-circuit before sequence validation per spec §4.C
	// step 5 ("If identifier doesn't match ... discard").
	return binary.NativeEndian.Uint16(raw[3:5])
}

// finalizeDuplicates implements spec §4.C step 6: every duplicate endpoint
// copies its result (including flow control) from the first occurrence.
func finalizeDuplicates(states []endpointState, results []types.ProbeResult) {
	for i := range states {
		if states[i].duplicate {
			key := results[i].EndpointKey
			results[i] = results[states[i].firstIdx]
			results[i].EndpointKey = key
		}
	}
}
