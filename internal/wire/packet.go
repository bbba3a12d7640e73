// Package wire implements the bit-exact QoS probe packet codec: request
// encoding, response decoding, verification, and flow-control nibble
// parsing described in spec §4.A. Multi-byte fields that the server
// reflects verbatim (Identifier, Timestamp) are written in host byte
// order, since only round-trip equality — not cross-machine
// interpretation — matters for them.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// RequestMagic identifies a client probe packet.
	RequestMagic byte = 0x59
	// ResponseMagic identifies a server echo packet.
	ResponseMagic byte = 0x95

	// MinRequestLen is the smallest legal request packet (empty title).
	MinRequestLen = 15
	// MaxPacketLen bounds both request and response packets.
	MaxPacketLen = 1500
	// MinResponseLen is the smallest legal response packet.
	MinResponseLen = 13

	// maxTitleBytes keeps the encoded request within MaxPacketLen: the
	// fixed overhead is 15 bytes (magic, ver/flow, titlelen, null
	// terminator byte counted in TitleLen, sequence, 2-byte id, 8-byte ts)
	// plus the raw title bytes.
	maxTitleBytes = MaxPacketLen - MinRequestLen
)

// Errors returned by Verify, distinguishing the specific verification
// failure per spec §4.A.
var (
	ErrResponseTooShort   = errors.New("wire: response shorter than minimum length")
	ErrBadResponseMagic   = errors.New("wire: response magic mismatch")
	ErrUnsupportedVer     = errors.New("wire: unsupported protocol version")
	ErrSequenceOutOfRange = errors.New("wire: sequence exceeds max_sequence")
	ErrTitleTooLong       = errors.New("wire: title exceeds encodable length")
)

// Request is the logical content of a client probe packet.
type Request struct {
	Title       string
	Sequence    uint8
	Identifier  uint16
	TimestampMs int64
}

// Encode renders r as a wire-format probe request. The returned slice is
// between MinRequestLen and MaxPacketLen bytes.
func Encode(r Request) ([]byte, error) {
	title := []byte(r.Title)
	if len(title) > maxTitleBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTitleTooLong, len(title), maxTitleBytes)
	}

	titleLen := len(title) + 1 // +1 for the trailing null terminator
	buf := make([]byte, 0, MinRequestLen+len(title))

	buf = append(buf, RequestMagic)
	buf = append(buf, 0x00) // version 0, client always sends flow-ctl nibble 0
	buf = append(buf, byte(titleLen))
	buf = append(buf, title...)
	buf = append(buf, 0x00) // null terminator, accounted for in titleLen
	buf = append(buf, r.Sequence)

	idBuf := make([]byte, 2)
	binary.NativeEndian.PutUint16(idBuf, r.Identifier)
	buf = append(buf, idBuf...)

	tsBuf := make([]byte, 8)
	binary.NativeEndian.PutUint64(tsBuf, uint64(r.TimestampMs))
	buf = append(buf, tsBuf...)

	return buf, nil
}

// Response is the logical content of a server echo packet.
type Response struct {
	VerAndFlow  byte
	Sequence    uint8
	Identifier  uint16
	TimestampMs int64
}

// FlowControlNibble returns the low nibble of VerAndFlow, the server's
// flow-control hint.
func (r Response) FlowControlNibble() byte {
	return r.VerAndFlow & 0x0F
}

func (r Response) version() byte {
	return r.VerAndFlow >> 4
}

// Verify decodes and validates a raw datagram as a response to a probe
// whose burst used sequence numbers [0, maxSequence]. It returns the
// specific failure reason spec §4.A calls for.
func Verify(raw []byte, maxSequence uint8) (Response, error) {
	if len(raw) < MinResponseLen {
		return Response{}, fmt.Errorf("%w: got %d bytes", ErrResponseTooShort, len(raw))
	}
	if raw[0] != ResponseMagic {
		return Response{}, fmt.Errorf("%w: got 0x%02x", ErrBadResponseMagic, raw[0])
	}

	resp := Response{
		VerAndFlow:  raw[1],
		Sequence:    raw[2],
		Identifier:  binary.NativeEndian.Uint16(raw[3:5]),
		TimestampMs: int64(binary.NativeEndian.Uint64(raw[5:13])),
	}

	if resp.version() != 0 {
		return Response{}, fmt.Errorf("%w: got version %d", ErrUnsupportedVer, resp.version())
	}
	if resp.Sequence > maxSequence {
		return Response{}, fmt.Errorf("%w: sequence %d > max %d", ErrSequenceOutOfRange, resp.Sequence, maxSequence)
	}

	return resp, nil
}

// FlowControl is a tagged severity/units pair decoded from a response's
// flow-control nibble.
type FlowControl struct {
	Type  FlowControlKind
	Units uint8
}

// FlowControlKind mirrors types.FlowControlType without importing the
// pkg/types package, keeping wire dependency-free.
type FlowControlKind uint8

const (
	FlowControlNone FlowControlKind = iota
	FlowControlThrottle
	FlowControlBan
)

// ParseFlowControl decodes the low nibble of VerAndFlow per spec §4.A: a
// zero nibble means no flow control; otherwise the high bit (0x8) selects
// Ban vs Throttle and the low 3 bits carry the units, with Ban's raw value
// offset by one (raw+1, range 1-8) and Throttle's used as-is (range 1-7).
func ParseFlowControl(nibble byte) FlowControl {
	if nibble == 0 {
		return FlowControl{Type: FlowControlNone, Units: 0}
	}
	raw := nibble & 0x07
	if nibble&0x08 != 0 {
		return FlowControl{Type: FlowControlBan, Units: raw + 1}
	}
	return FlowControl{Type: FlowControlThrottle, Units: raw}
}

// EncodeFlowControl is the inverse of ParseFlowControl, used by tests and by
// loopback echo servers that simulate server-issued flow control.
func EncodeFlowControl(fc FlowControl) byte {
	switch fc.Type {
	case FlowControlBan:
		return 0x08 | (fc.Units - 1)
	case FlowControlThrottle:
		return fc.Units
	default:
		return 0
	}
}
