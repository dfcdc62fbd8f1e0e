package jlot

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Version is the required value of the "jsonrpc" version marker.
const Version = "2.0"

// A Message is the parsed form of a single JSON-RPC 2.0 wire object. A
// message is either a request ("method" is set; a request without an "id"
// is a notification) or a response ("result" or "error" is set).
//
// A message whose structure is invalid has a non-nil Err describing why,
// and its other fields may be incomplete. Callers must check Err before
// relying on the shape predicates.
type Message struct {
	ID     json.RawMessage // nil for notifications; "null" is canonicalized to nil
	Method string          // set for requests
	Params json.RawMessage // nil, or an array or object
	Result json.RawMessage // set for successful responses
	Error  *Error          // set for error responses

	Err *DecodeError // nil if the message is structurally valid

	raw json.RawMessage // the original encoding of this message
}

// IsRequest reports whether m is a request (including notifications).
func (m *Message) IsRequest() bool { return m.Method != "" }

// IsNotification reports whether m is a request with no id, for which no
// response is expected.
func (m *Message) IsNotification() bool { return m.IsRequest() && m.ID == nil }

// IsResponse reports whether m is a response, carrying either a result or
// an error object.
func (m *Message) IsResponse() bool { return m.Method == "" && (m.Result != nil || m.Error != nil) }

// IDKey returns the correlation key for the message id: the exact JSON text
// of the id value, or "" if the message has no id.
func (m *Message) IDKey() string { return string(m.ID) }

// Raw returns the original encoding of the message as it appeared on the
// wire, or its constructed encoding for messages built by NewRequest.
func (m *Message) Raw() json.RawMessage { return m.raw }

// A Batch is the decoded content of one line: an ordered sequence of
// messages, together with whether the line was a JSON array. A non-array
// line decodes to a Batch of exactly one message.
type Batch struct {
	Msgs  []*Message
	Array bool // the line was encoded as a JSON array
}

// ParseMessages parses a single line into a Batch. It reports a *DecodeError
// only if the line is not valid JSON or is an empty batch; structural
// problems with individual messages are recorded on each Message and left
// for the caller to act on.
func ParseMessages(line []byte) (*Batch, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, decodeErrorf(line, "empty input")
	}

	var raws []json.RawMessage
	batch := &Batch{}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, decodeErrorf(line, "invalid JSON array: %v", err)
		} else if len(raws) == 0 {
			return nil, decodeErrorf(line, "empty batch")
		}
		batch.Array = true
	} else {
		var raw json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, decodeErrorf(line, "invalid JSON: %v", err)
		}
		raws = append(raws, raw)
	}

	// The line is intact JSON; validity of each member is checked
	// individually and deferred to the caller.
	for _, raw := range raws {
		batch.Msgs = append(batch.Msgs, parseMessage(raw))
	}
	return batch, nil
}

// Invalid returns the decode error of the first structurally invalid member
// of b, or nil if every member is valid.
func (b *Batch) Invalid() *DecodeError {
	for _, m := range b.Msgs {
		if m.Err != nil {
			return m.Err
		}
	}
	return nil
}

// IsNotificationOnly reports whether no member of b expects a response.
func (b *Batch) IsNotificationOnly() bool {
	for _, m := range b.Msgs {
		if !m.IsNotification() {
			return false
		}
	}
	return true
}

// IDs returns the correlation keys of the members of b that expect a
// response, in order.
func (b *Batch) IDs() []string {
	var ids []string
	for _, m := range b.Msgs {
		if m.Err == nil && m.IsRequest() && m.ID != nil {
			ids = append(ids, m.IDKey())
		}
	}
	return ids
}

// EncodeLine encodes b as a single line with no terminator. Batches decoded
// from an array, or containing more than one member, encode as an array.
// It reports an error if any member of b is invalid.
func (b *Batch) EncodeLine() ([]byte, error) {
	if bad := b.Invalid(); bad != nil {
		return nil, bad
	}
	if !b.Array && len(b.Msgs) == 1 {
		return b.Msgs[0].encode()
	}
	var sb bytes.Buffer
	sb.WriteByte('[')
	for i, m := range b.Msgs {
		if i > 0 {
			sb.WriteByte(',')
		}
		bits, err := m.encode()
		if err != nil {
			return nil, err
		}
		sb.Write(bits)
	}
	sb.WriteByte(']')
	return sb.Bytes(), nil
}

// wireMessage is the transmission format of a protocol message. In a valid
// message M and P are mutually exclusive with E and R.
type wireMessage struct {
	V  string          `json:"jsonrpc"`
	ID json.RawMessage `json:"id,omitempty"`
	M  string          `json:"method,omitempty"`
	P  json.RawMessage `json:"params,omitempty"`
	E  *Error          `json:"error,omitempty"`
	R  json.RawMessage `json:"result,omitempty"`
}

func parseMessage(raw json.RawMessage) *Message {
	m := &Message{raw: raw}
	if firstByte(raw) != '{' {
		m.Err = decodeErrorf(raw, "message is not an object")
		return m
	}
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		m.Err = decodeErrorf(raw, "invalid message: %v", err)
		return m
	}
	m.ID = fixID(w.ID)
	m.Method = w.M
	m.Params = w.P
	m.Result = w.R
	m.Error = w.E

	switch {
	case w.V != Version:
		m.Err = decodeErrorf(raw, "incorrect version marker %q", w.V)
	case w.M != "" && (w.R != nil || w.E != nil):
		m.Err = decodeErrorf(raw, "message cannot be both request and response")
	case w.M == "" && w.R == nil && w.E == nil:
		m.Err = decodeErrorf(raw, "message has neither method nor result or error")
	case w.M != "" && !isValidParams(w.P):
		m.Err = decodeErrorf(raw, "parameters must be array or object")
	case !isValidID(m.ID):
		m.Err = decodeErrorf(raw, "invalid request id")
	}
	return m
}

func (m *Message) encode() ([]byte, error) {
	if len(m.raw) != 0 {
		return m.raw, nil
	}
	return json.Marshal(wireMessage{
		V:  Version,
		ID: m.ID,
		M:  m.Method,
		P:  m.Params,
		E:  m.Error,
		R:  m.Result,
	})
}

// NewRequest constructs a request message for the given method. If params
// is non-empty it must encode a JSON array or object; if id is non-empty it
// must encode a JSON string or number. An empty id makes a notification.
func NewRequest(method string, params, id json.RawMessage) (*Message, error) {
	if method == "" {
		return nil, decodeErrorf(nil, "empty method name")
	}
	if len(params) != 0 && !isValidParams(params) {
		return nil, decodeErrorf(params, "parameters must be array or object")
	}
	id = fixID(id)
	if !isValidID(id) {
		return nil, decodeErrorf(id, "invalid request id")
	}
	m := &Message{ID: id, Method: method, Params: params}
	raw, err := m.encode()
	if err != nil {
		return nil, err
	}
	m.raw = raw
	return m, nil
}

// fixID filters id, treating "null" as a synonym for an unset ID. The
// JSON-RPC 2.0 specification uses a null id on responses whose request id
// could not be determined.
func fixID(id json.RawMessage) json.RawMessage {
	if string(id) == "null" {
		return nil
	}
	return id
}

// isValidID reports whether v is a valid JSON encoding of a request id: a
// string or a number, or empty for a notification.
// Precondition: v is valid JSON, or empty.
func isValidID(v json.RawMessage) bool {
	if len(v) == 0 {
		return true
	}
	switch v[0] {
	case '"':
		return true
	default:
		return v[0] == '-' || (v[0] >= '0' && v[0] <= '9')
	}
}

// isValidParams reports whether v is a valid params member: absent, or a
// JSON array or object.
func isValidParams(v json.RawMessage) bool {
	return len(v) == 0 || v[0] == '[' || v[0] == '{'
}

func firstByte(raw json.RawMessage) byte {
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

// ParseAddr expands the loopback shorthand in a server address: an address
// beginning with ":" denotes the given port on 127.0.0.1. Any other address
// is returned unchanged.
func ParseAddr(s string) string {
	if strings.HasPrefix(s, ":") {
		return "127.0.0.1" + s
	}
	return s
}
