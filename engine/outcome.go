package engine

import (
	"bytes"
	"encoding/json"
	"time"
)

// A Status classifies the result of one dispatch unit.
type Status string

// The classifications assigned to outcomes. A JSON-RPC error object from
// the server is a completed call, not a system failure; it is classified
// and counted like a success.
const (
	StatusOK          Status = "ok"           // every expected response arrived, none carrying an error
	StatusRPCError    Status = "rpc-error"    // the server answered with a JSON-RPC error object
	StatusNoResponse  Status = "no-response"  // an expected response never arrived
	StatusDecodeError Status = "decode-error" // the unit was structurally invalid and was not sent
)

// An Outcome is the engine's per-dispatch-unit result: the request as sent,
// the response members received, timing, sizes, and a classification.
// Outcomes are emitted in completion order, not submission order, and are
// not mutated after emission.
type Outcome struct {
	Status    Status
	Request   json.RawMessage   // the unit as sent (or as read, if it was never sent)
	Responses []json.RawMessage // response members, in arrival order
	Server    string            // remote address of the session used
	Send      time.Duration     // send time, relative to the run base
	Recv      time.Duration     // last receive time; meaningful only if Responded
	Responded bool              // at least one response arrived
	BytesOut  int               // encoded size of the request line
	BytesIn   int               // total size of the response lines received
	Reason    string            // detail for decode errors
}

// Latency returns the call duration for o. The second result is false for
// outcomes excluded from latency statistics: units that never completed or
// were never sent.
func (o *Outcome) Latency() (time.Duration, bool) {
	if o.Responded && (o.Status == StatusOK || o.Status == StatusRPCError) {
		return o.Recv - o.Send, true
	}
	return 0, false
}

// outcomeLine is the transmission format of an annotated outcome record.
type outcomeLine struct {
	Status   Status          `json:"status"`
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response,omitempty"`
	Server   string          `json:"server,omitempty"`
	Send     int64           `json:"send_time_micros"`
	Recv     *int64          `json:"recv_time_micros,omitempty"`
	BytesOut int             `json:"request_byte_size"`
	BytesIn  int             `json:"response_byte_size"`
	Reason   string          `json:"reason,omitempty"`
}

// EncodeLine renders o as one output line, without terminator. With
// metadata enabled the line is an annotated record carrying classification,
// timing, and sizes; otherwise it is the raw response alone, or the raw
// request for units that produced no response.
func (o *Outcome) EncodeLine(metadata bool) ([]byte, error) {
	if !metadata {
		if rsp := o.responseValue(); rsp != nil {
			return rsp, nil
		}
		return o.Request, nil
	}
	rec := outcomeLine{
		Status:   o.Status,
		Request:  o.Request,
		Response: o.responseValue(),
		Server:   o.Server,
		Send:     o.Send.Microseconds(),
		BytesOut: o.BytesOut,
		BytesIn:  o.BytesIn,
		Reason:   o.Reason,
	}
	if o.Responded {
		recv := o.Recv.Microseconds()
		rec.Recv = &recv
	}
	return json.Marshal(rec)
}

// responseValue renders the received responses as a single JSON value: the
// bare member for a single response, an array otherwise, nil for none.
func (o *Outcome) responseValue() json.RawMessage {
	switch len(o.Responses) {
	case 0:
		return nil
	case 1:
		return o.Responses[0]
	}
	var sb bytes.Buffer
	sb.WriteByte('[')
	for i, r := range o.Responses {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.Write(r)
	}
	sb.WriteByte(']')
	return sb.Bytes()
}
