// Package jlot implements the wire format for JSON-RPC 2.0 messages framed
// one per line (JSON Lines), as carried over a TCP connection by the other
// packages of this module.
//
// A line of input decodes to a Batch of one or more messages. Each message
// is a tagged variant: a request (the "method" member is set), a
// notification (a request without an "id"), or a response (the "result" or
// "error" member is set). Decoding never panics and never discards data; a
// line or member that is not a structurally valid message is reported as a
// *DecodeError carrying the raw text and a reason, and the caller decides
// whether to skip it, abort, or surface it as a distinct result.
//
// # Packages
//
// The remaining packages of the module build on this one:
//
//	channel    line-framed sessions over a TCP connection
//	correlate  pending-request tables for out-of-order responses
//	engine     the concurrent/pipelined call execution engine
//	stats      single-pass aggregation of engine outcomes
//	echo       a JSON-RPC echo server for development and testing
//	cmd/jlot   the command-line tool
package jlot
