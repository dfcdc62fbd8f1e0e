// Package engine drives concurrent and pipelined JSON-RPC calls over TCP.
//
// The engine reads a stream of dispatch units lazily, keeps a bounded
// window of unanswered units on each connection, correlates responses back
// to their requests by protocol id regardless of arrival order, and yields
// one annotated Outcome per unit consumed, in completion order. The window
// is the only backpressure mechanism: when it is full, the engine stops
// pulling from the input.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jlot/jlot"
	"github.com/jlot/jlot/channel"
	"github.com/jlot/jlot/correlate"
)

// ErrConnectionClosed is reported when a server closes its connection while
// requests are still awaiting responses. The affected requests are swept
// into no-response outcomes before the error is reported.
var ErrConnectionClosed = errors.New("connection closed by server")

// Options control the behaviour of a run. The zero value dials nothing; at
// least one address is required.
type Options struct {
	// Addrs are the server addresses to dial, each accepting the ":port"
	// loopback shorthand. The engine opens Connections sessions to each
	// address and spreads dispatch units across all sessions.
	Addrs []string

	// Pipelining is the number of unanswered dispatch units permitted on
	// each connection at once. Values less than 1 are treated as 1, fully
	// sequential. A batch counts as one unit toward the window.
	Pipelining int

	// Connections is the number of connections opened per address. Values
	// less than 1 are treated as 1.
	Connections int

	// DialTimeout bounds connection establishment; 0 means no timeout.
	// Connection failure is fatal for the run and is never retried.
	DialTimeout time.Duration
}

func (o *Options) pipelining() int64 {
	if o == nil || o.Pipelining < 1 {
		return 1
	}
	return int64(o.Pipelining)
}

func (o *Options) connections() int {
	if o == nil || o.Connections < 1 {
		return 1
	}
	return o.Connections
}

func (o *Options) dialTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.DialTimeout
}

func (o *Options) addrs() []string {
	if o == nil {
		return nil
	}
	return o.Addrs
}

// RunStats summarizes run-wide counters. The counters are owned by the run
// that produced them, so concurrent runs are independent.
type RunStats struct {
	Dispatched  int64         // dispatch units consumed from the input
	Completed   int64         // outcomes emitted; equals Dispatched when Run returns
	Anomalies   int64         // undecodable or unmatched response lines
	MaxInFlight int64         // high-water mark of simultaneously pending requests
	Elapsed     time.Duration // wall-clock duration of the run

	// SessionErrors are connection failures that were confined to one
	// session of a multi-connection run. They did not stop the run.
	SessionErrors []error
}

// Run executes the dispatch units from src against the configured servers
// and hands each Outcome to sink, in completion order, from a single
// goroutine. Every unit consumed from src produces exactly one outcome,
// including under connection failures and cancellation: requests that never
// receive a response are swept into no-response outcomes, never dropped.
//
// Run returns a non-nil error for fatal conditions: a connection could not
// be established, the input could not be read, sink failed, the context
// ended, or every session lost its connection. A connection lost by one
// session of several is recorded in RunStats.SessionErrors instead.
func Run(ctx context.Context, opts *Options, src Source, sink func(*Outcome) error) (*RunStats, error) {
	addrs := opts.addrs()
	if len(addrs) == 0 {
		return nil, errors.New("no server address")
	}

	r := &run{base: time.Now()}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Dial every session before any dispatch. Connection establishment
	// failure aborts the run before anything is sent.
	outcomes := make(chan *Outcome, 64)
	feed := make(chan *Dispatch)
	var sessions []*session
	for _, addr := range addrs {
		for i := 0; i < opts.connections(); i++ {
			ch, err := channel.Dial(addr, opts.dialTimeout())
			if err != nil {
				for _, s := range sessions {
					s.ch.Close()
				}
				return nil, err
			}
			sessions = append(sessions, &session{
				run:      r,
				ch:       ch,
				tbl:      correlate.NewTable[*unit](),
				sem:      semaphore.NewWeighted(opts.pipelining()),
				window:   opts.pipelining(),
				feed:     feed,
				outcomes: outcomes,
				done:     make(chan struct{}),
			})
		}
	}

	// The collector is the sole caller of sink; outcomes arrive from all
	// sessions in completion order.
	collectErr := make(chan error, 1)
	go func() {
		var err error
		for o := range outcomes {
			r.countCompleted()
			if err == nil {
				if serr := sink(o); serr != nil {
					err = serr
					cancel()
				}
			}
		}
		collectErr <- err
	}()

	// writersIdle closes when no writer can accept further units, so the
	// producer does not block forever on a dead feed.
	var writers sync.WaitGroup
	writers.Add(len(sessions))
	writersIdle := make(chan struct{})
	go func() {
		writers.Wait()
		close(writersIdle)
	}()

	prodErr := make(chan error, 1)
	go func() {
		prodErr <- produce(rctx, src, feed, r, outcomes, writersIdle)
	}()

	g, _ := errgroup.WithContext(rctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			err := s.serve(rctx, &writers)
			if err != nil {
				r.sessionFailed(err)
			}
			return nil
		})
	}
	g.Wait()
	perr := <-prodErr
	close(outcomes)
	cerr := <-collectErr

	stats := r.snapshot()
	stats.Elapsed = time.Since(r.base)

	switch {
	case ctx.Err() != nil:
		return stats, ctx.Err()
	case cerr != nil:
		return stats, cerr
	case perr != nil && !errors.Is(perr, errFeedDead):
		return stats, perr
	case len(stats.SessionErrors) == len(sessions):
		// Every connection failed; in a single-connection run this is the
		// pipelining-mode fatal case.
		err := stats.SessionErrors[0]
		stats.SessionErrors = nil
		return stats, err
	}
	return stats, nil
}

// errFeedDead is produce's internal signal that the remaining input could
// not be handed to any session. The run-level error is taken from the
// session failures instead.
var errFeedDead = errors.New("all sessions stopped")

// produce pulls units from src and hands them to session writers. A unit
// that was consumed from src but could not be handed off (cancellation, or
// every writer gone) still gets its no-response outcome here, keeping the
// outcome count equal to the units consumed.
func produce(ctx context.Context, src Source, feed chan<- *Dispatch, r *run, outcomes chan<- *Outcome, writersIdle <-chan struct{}) error {
	defer close(feed)
	for {
		d, err := src.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		r.countDispatched()
		select {
		case feed <- d:
		case <-ctx.Done():
			outcomes <- &Outcome{Status: StatusNoResponse, Request: d.Line, Send: r.since()}
			return ctx.Err()
		case <-writersIdle:
			outcomes <- &Outcome{Status: StatusNoResponse, Request: d.Line, Send: r.since()}
			return errFeedDead
		}
	}
}

// run carries the state shared by all sessions of one invocation. Counters
// are explicit per-run state, never globals, so concurrent runs (as in
// tests) stay independent.
type run struct {
	base time.Time

	mu         sync.Mutex
	inFlight   int64 // currently pending requests, across sessions
	stats      RunStats
}

func (r *run) since() time.Duration { return time.Since(r.base) }

func (r *run) countDispatched() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Dispatched++
}

func (r *run) countCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Completed++
}

func (r *run) countAnomaly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Anomalies++
}

func (r *run) addInFlight(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight += n
	if r.inFlight > r.stats.MaxInFlight {
		r.stats.MaxInFlight = r.inFlight
	}
}

func (r *run) sessionFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.SessionErrors = append(r.stats.SessionErrors, err)
}

func (r *run) snapshot() *RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.stats
	cp.SessionErrors = append([]error(nil), r.stats.SessionErrors...)
	return &cp
}

// A unit tracks one dispatch unit from send to completion. Its fields are
// shared between the session writer, which creates and registers it, and
// the session reader, which resolves its members as responses arrive.
type unit struct {
	mu        sync.Mutex
	line      []byte
	server    string
	send      time.Duration
	recv      time.Duration
	responded bool
	remaining int // registered members not yet resolved
	responses []json.RawMessage
	rpcError  bool
	bytesIn   int
	finished  bool
}

// A session owns one connection: a writer goroutine admitting units under
// the window and a reader goroutine resolving responses. The correlator
// table is the only state they share beyond the units themselves.
type session struct {
	run      *run
	ch       *channel.Session
	tbl      *correlate.Table[*unit]
	sem      *semaphore.Weighted // admission window; one slot per unit in flight
	window   int64
	feed     <-chan *Dispatch
	outcomes chan<- *Outcome
	done     chan struct{} // closed once the session drained cleanly

	cancel context.CancelFunc // stops the writer when the reader fails
}

// serve runs the session to completion: writer in this goroutine, reader in
// a second one, then a drain that waits for every admitted unit to resolve
// before closing the connection. Any entries still pending afterwards are
// swept into no-response outcomes.
func (s *session) serve(ctx context.Context, writers *sync.WaitGroup) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	readErr := make(chan error, 1)
	go func() { readErr <- s.reader() }()

	s.writer(sctx)
	writers.Done()

	// Drain: all window slots free means every admitted unit completed.
	if s.sem.Acquire(sctx, s.window) == nil {
		close(s.done)
	}
	s.ch.Close()
	err := <-readErr

	// The reader has exited; sweep anything registered after its sweep.
	s.sweep()
	return err
}

// writer admits units from the shared feed under the window and sends them.
func (s *session) writer(ctx context.Context) {
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		select {
		case d, ok := <-s.feed:
			if !ok {
				s.sem.Release(1)
				return
			}
			if !s.dispatch(d) {
				return // connection failed; the reader takes over cleanup
			}
		case <-ctx.Done():
			s.sem.Release(1)
			return
		}
	}
}

// dispatch sends one unit. It reports false if the connection failed, which
// stops the writer. The window slot acquired for the unit is released when
// the unit completes, or immediately for units that expect no response.
func (s *session) dispatch(d *Dispatch) bool {
	now := s.run.since()
	if d.Invalid != nil {
		s.emit(&Outcome{
			Status:  StatusDecodeError,
			Request: d.Line,
			Server:  s.ch.RemoteAddr(),
			Send:    now,
			Reason:  d.Invalid.Reason,
		})
		s.sem.Release(1)
		return true
	}

	u := &unit{line: d.Line, server: s.ch.RemoteAddr(), send: now}
	ids := d.Batch.IDs()
	u.remaining = len(ids)

	// Register before sending, so a response cannot outrun its entry.
	for i, id := range ids {
		if err := s.tbl.Register(id, s.run.base.Add(now), u); err != nil {
			for _, done := range ids[:i] {
				if s.tbl.Unregister(done) {
					s.run.addInFlight(-1)
				}
			}
			s.emit(&Outcome{
				Status:  StatusDecodeError,
				Request: d.Line,
				Server:  s.ch.RemoteAddr(),
				Send:    now,
				Reason:  err.Error(),
			})
			s.sem.Release(1)
			return true
		}
		s.run.addInFlight(1)
	}

	if err := s.ch.Send(d.Line); err != nil {
		// The unit never made it onto the wire. Roll back whatever a
		// concurrent sweep has not already claimed, then report it swept
		// and let the reader clean up the session.
		for _, id := range ids {
			if s.tbl.Unregister(id) {
				s.run.addInFlight(-1)
			}
		}
		s.finishUnit(u, true)
		return false
	}

	if len(ids) == 0 {
		// Notification-only: complete at send time, no window slot held.
		s.emit(&Outcome{
			Status:   StatusOK,
			Request:  d.Line,
			Server:   s.ch.RemoteAddr(),
			Send:     now,
			BytesOut: len(d.Line),
		})
		s.sem.Release(1)
	}
	return true
}

// reader receives response lines and resolves them against the pending
// table. It returns nil on a clean shutdown, and ErrConnectionClosed (or
// the transport error) when the connection ends with requests outstanding.
func (s *session) reader() error {
	for {
		line, err := s.ch.Recv()
		if err != nil {
			s.sweep()
			select {
			case <-s.done:
				return nil // the session drained and closed the connection
			default:
			}
			if s.cancel != nil {
				s.cancel()
			}
			if err == io.EOF {
				return ErrConnectionClosed
			}
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}

		now := s.run.since()
		batch, perr := jlot.ParseMessages(line)
		if perr != nil {
			// An undecodable response line is an anomaly; whatever request
			// it was answering stays pending and will be swept.
			s.run.countAnomaly()
			continue
		}

		touched := make(map[*unit]bool)
		var completed []*unit
		for _, m := range batch.Msgs {
			if m.Err != nil || !m.IsResponse() {
				s.run.countAnomaly()
				continue
			}
			u, done := s.resolve(m, now)
			if u == nil {
				continue
			}
			touched[u] = true
			if done {
				completed = append(completed, u)
			}
		}
		// Account the full line to each unit it touched before any of them
		// is emitted.
		for u := range touched {
			u.mu.Lock()
			u.bytesIn += len(line)
			u.mu.Unlock()
		}
		for _, u := range completed {
			s.finishUnit(u, false)
		}
	}
}

// resolve matches one response member to its pending entry. It returns the
// unit the member belongs to and whether the unit is now fully answered;
// the unit is nil for an unmatched id (a counted anomaly).
func (s *session) resolve(m *jlot.Message, now time.Duration) (*unit, bool) {
	id := m.IDKey()
	if id == "" {
		s.run.countAnomaly() // a response with a null id matches nothing
		return nil, false
	}
	p, ok := s.tbl.Resolve(id)
	if !ok {
		s.run.countAnomaly()
		return nil, false
	}
	s.run.addInFlight(-1)

	u := p.Value
	u.mu.Lock()
	u.responses = append(u.responses, m.Raw())
	if m.Error != nil {
		u.rpcError = true
	}
	u.recv = now
	u.responded = true
	u.remaining--
	done := u.remaining == 0
	u.mu.Unlock()
	return u, done
}

// sweep clears the pending table, completing each affected unit as
// no-response. It is called when the connection ends and again after both
// session goroutines have stopped.
func (s *session) sweep() {
	swept := s.tbl.Sweep()
	if len(swept) == 0 {
		return
	}
	units := make(map[*unit]bool)
	for _, p := range swept {
		s.run.addInFlight(-1)
		p.Value.mu.Lock()
		p.Value.remaining--
		p.Value.mu.Unlock()
		units[p.Value] = true
	}
	for u := range units {
		s.finishUnit(u, true)
	}
}

// finishUnit emits the outcome for u exactly once and releases its window
// slot. swept marks units with responses missing at session end.
func (s *session) finishUnit(u *unit, swept bool) {
	u.mu.Lock()
	if u.finished {
		u.mu.Unlock()
		return
	}
	u.finished = true
	status := StatusOK
	if swept {
		status = StatusNoResponse
	} else if u.rpcError {
		status = StatusRPCError
	}
	o := &Outcome{
		Status:    status,
		Request:   u.line,
		Responses: u.responses,
		Server:    u.server,
		Send:      u.send,
		Recv:      u.recv,
		Responded: u.responded,
		BytesOut:  len(u.line),
		BytesIn:   u.bytesIn,
	}
	u.mu.Unlock()

	s.emit(o)
	s.sem.Release(1)
}

func (s *session) emit(o *Outcome) { s.outcomes <- o }
