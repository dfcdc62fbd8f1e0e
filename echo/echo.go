// Package echo implements a JSON-RPC 2.0 echo server over JSON Lines, used
// to exercise the execution engine during development and testing. The
// server answers every request with a response whose result is the request
// object itself, preserving the request id.
package echo

import (
	"encoding/json"
	"expvar"
	"math/rand"
	"net"
	"sync"

	"github.com/jlot/jlot"
	"github.com/jlot/jlot/channel"
)

var (
	serverMetrics = new(expvar.Map)

	connectionsCount   = new(expvar.Int)
	requestsCount      = new(expvar.Int)
	notificationsCount = new(expvar.Int)
	invalidCount       = new(expvar.Int)
	bytesReadCount     = new(expvar.Int)
	bytesWrittenCount  = new(expvar.Int)
)

func init() {
	serverMetrics.Set("connections", connectionsCount)
	serverMetrics.Set("requests", requestsCount)
	serverMetrics.Set("notifications", notificationsCount)
	serverMetrics.Set("invalid_requests", invalidCount)
	serverMetrics.Set("bytes_read", bytesReadCount)
	serverMetrics.Set("bytes_written", bytesWrittenCount)
}

// ServerMetrics returns a map of exported server metrics for use with the
// expvar package. The map is shared among all servers in the process; the
// caller is responsible for publishing it via expvar.Publish or similar.
func ServerMetrics() *expvar.Map { return serverMetrics }

// Options control the behaviour of a Server. A nil *Options provides
// sensible defaults.
type Options struct {
	// If not nil, the members of each batch reply are written in an order
	// drawn from this source rather than request order. Used by tests to
	// exercise out-of-order response correlation.
	ShuffleBatch *rand.Rand
}

func (o *Options) shuffle() *rand.Rand {
	if o == nil {
		return nil
	}
	return o.ShuffleBatch
}

// A Server accepts connections and echoes JSON-RPC requests back to the
// caller. Construct one with Listen and run it with Serve.
type Server struct {
	lst     net.Listener
	shuffle *rand.Rand

	mu sync.Mutex // guards shuffle, which rand.Rand is not safe for
	wg sync.WaitGroup
}

// Listen binds an echo server to addr, which accepts the ":port" loopback
// shorthand. Use ":0" on a loopback host to bind an arbitrary free port and
// recover it with Addr.
func Listen(addr string, opts *Options) (*Server, error) {
	lst, err := net.Listen("tcp", jlot.ParseAddr(addr))
	if err != nil {
		return nil, err
	}
	return &Server{lst: lst, shuffle: opts.shuffle()}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() string { return s.lst.Addr().String() }

// Serve accepts connections until the listener closes, answering each in
// its own goroutine. It returns after all connection handlers finish.
func (s *Server) Serve() error {
	for {
		conn, err := s.lst.Accept()
		if err != nil {
			s.wg.Wait()
			return err
		}
		connectionsCount.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops the listener. In-flight connections run until their peers
// shut them down.
func (s *Server) Close() error { return s.lst.Close() }

// handle answers requests on one connection until the peer closes it.
func (s *Server) handle(conn net.Conn) {
	sess := channel.New(conn)
	defer sess.Close()
	for {
		line, err := sess.Recv()
		if err != nil {
			return
		}
		bytesReadCount.Add(int64(len(line)))
		if reply := s.answer(line); reply != nil {
			if err := sess.Send(reply); err != nil {
				return
			}
			bytesWrittenCount.Add(int64(len(reply)))
		}
	}
}

// answer builds the reply line for one request line, or nil if no response
// is owed (a notification, or a batch of notifications).
func (s *Server) answer(line []byte) []byte {
	batch, err := jlot.ParseMessages(line)
	if err != nil {
		invalidCount.Add(1)
		return errorReply(err.(*jlot.DecodeError).Reason)
	}

	var replies []*jlot.Message
	for _, m := range batch.Msgs {
		switch {
		case m.Err != nil:
			invalidCount.Add(1)
			replies = append(replies, &jlot.Message{
				Error: &jlot.Error{Code: jlot.InvalidRequest, Message: m.Err.Reason},
			})
		case !m.IsRequest():
			invalidCount.Add(1)
			replies = append(replies, &jlot.Message{
				Error: &jlot.Error{Code: jlot.InvalidRequest, Message: "message is not a request"},
			})
		case m.IsNotification():
			notificationsCount.Add(1) // no response owed
		default:
			requestsCount.Add(1)
			replies = append(replies, &jlot.Message{ID: m.ID, Result: m.Raw()})
		}
	}
	if len(replies) == 0 {
		return nil
	}

	if s.shuffle != nil && len(replies) > 1 {
		s.mu.Lock()
		s.shuffle.Shuffle(len(replies), func(i, j int) {
			replies[i], replies[j] = replies[j], replies[i]
		})
		s.mu.Unlock()
	}

	out := &jlot.Batch{Msgs: replies, Array: batch.Array}
	reply, err := out.EncodeLine()
	if err != nil {
		invalidCount.Add(1)
		return errorReply(err.Error())
	}
	return reply
}

// errorReply renders the fixed invalid-request error used for lines that
// cannot be parsed at all. The id is null because the request id could not
// be determined.
func errorReply(reason string) []byte {
	reply, err := json.Marshal(struct {
		V  string          `json:"jsonrpc"`
		ID json.RawMessage `json:"id"`
		E  *jlot.Error     `json:"error"`
	}{jlot.Version, json.RawMessage("null"), &jlot.Error{Code: jlot.InvalidRequest, Message: reason}})
	if err != nil {
		return nil
	}
	return reply
}
