package jlot

import (
	"encoding/json"
	"fmt"
)

// A Code is an error response code. Values from -32768 to -32000 are
// reserved by the JSON-RPC 2.0 specification.
//
// See: https://www.jsonrpc.org/specification#error_object
type Code int32

func (c Code) String() string {
	if s, ok := stdError[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", c)
}

// Well-known error codes defined by the JSON-RPC specification.
const (
	ParseError     Code = -32700 // Invalid JSON received by the server
	InvalidRequest Code = -32600 // The JSON sent is not a valid request object
	MethodNotFound Code = -32601 // The method does not exist or is unavailable
	InvalidParams  Code = -32602 // Invalid method parameters
	InternalError  Code = -32603 // Internal JSON-RPC error
)

var stdError = map[Code]string{
	ParseError:     "parse error",
	InvalidRequest: "invalid request",
	MethodNotFound: "method not found",
	InvalidParams:  "invalid parameters",
	InternalError:  "internal error",
}

// An Error is a JSON-RPC 2.0 error object, as carried in the "error" member
// of a response message.
type Error struct {
	Code    Code            `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error renders e to a human-readable string for the error interface.
func (e *Error) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }

// A DecodeError reports a line or message that could not be decoded as a
// structurally valid JSON-RPC 2.0 message. It records the raw input so the
// caller can report or re-emit the offending text.
type DecodeError struct {
	Line   []byte // the raw input, as received
	Reason string // why decoding failed
}

// Error implements the error interface.
func (d *DecodeError) Error() string { return "invalid message: " + d.Reason }

func decodeErrorf(line []byte, msg string, args ...any) *DecodeError {
	cp := make([]byte, len(line))
	copy(cp, line)
	return &DecodeError{Line: cp, Reason: fmt.Sprintf(msg, args...)}
}
