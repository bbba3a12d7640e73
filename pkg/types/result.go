package types

import "math"

// FlowControlType classifies a server-issued flow-control hint.
type FlowControlType uint8

const (
	FlowControlNone FlowControlType = iota
	FlowControlThrottle
	FlowControlBan
)

func (t FlowControlType) String() string {
	switch t {
	case FlowControlThrottle:
		return "Throttle"
	case FlowControlBan:
		return "Ban"
	default:
		return "None"
	}
}

// InvalidLatencyMs is the sentinel average latency reported when a probe
// received zero responses. It is the maximum representable u32.
const InvalidLatencyMs uint32 = math.MaxUint32

// InvalidPacketLoss is the sentinel packet-loss ratio reported when the
// probe sent zero requests, or when more responses arrived than were sent
// (a matching bug or a replayed duplicate outside tolerance).
const InvalidPacketLoss float32 = math.MaxFloat32

// ProbeResult is the outcome of probing a single endpoint during one run.
type ProbeResult struct {
	EndpointKey        string          `json:"endpoint_key"`
	RequestsSent       uint32          `json:"requests_sent"`
	ResponsesReceived  uint32          `json:"responses_received"`
	InvalidRequests    uint32          `json:"invalid_requests"`
	InvalidResponses   uint32          `json:"invalid_responses"`
	DuplicateResponses uint32          `json:"duplicate_responses"`
	AggregateLatencyMs uint32          `json:"aggregate_latency_ms"`
	FlowControlType    FlowControlType `json:"fc_type"`
	FlowControlUnits   uint8           `json:"fc_units"`
}

// AverageLatencyMs is aggregate/received, or InvalidLatencyMs if nothing was
// received.
func (r ProbeResult) AverageLatencyMs() uint32 {
	if r.ResponsesReceived == 0 {
		return InvalidLatencyMs
	}
	return r.AggregateLatencyMs / r.ResponsesReceived
}

// PacketLoss is 1 - received/sent, or InvalidPacketLoss if sent is zero or
// more responses arrived than were sent.
func (r ProbeResult) PacketLoss() float32 {
	if r.RequestsSent == 0 || r.ResponsesReceived > r.RequestsSent {
		return InvalidPacketLoss
	}
	return 1 - float32(r.ResponsesReceived)/float32(r.RequestsSent)
}
