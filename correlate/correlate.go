// Package correlate tracks requests awaiting responses, keyed by the JSON
// text of their protocol ids. Responses may arrive in any order relative to
// sends; the table matches each one back to its registration and reports
// responses that match nothing, as well as registrations that never receive
// a response.
package correlate

import (
	"fmt"
	"sync"
	"time"
)

// A Pending records one registered request awaiting its response. The type
// parameter carries whatever bookkeeping the caller attaches to each
// registration.
type Pending[T any] struct {
	ID       string    // the JSON text of the request id
	SendTime time.Time // when the request was dispatched
	Value    T
}

// A Table is a pending-request table. Entries are created by Register at
// dispatch time and destroyed by Resolve at match time or by Sweep at
// session close; a matched or swept entry is never retained. The methods of
// a *Table are safe for concurrent use by multiple goroutines.
type Table[T any] struct {
	mu      sync.Mutex
	pending map[string]Pending[T]
}

// NewTable constructs a new, empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{pending: make(map[string]Pending[T])}
}

// Register records a request with the given id as awaiting a response. It
// reports an error without registering if id is already pending: duplicate
// in-flight ids make responses impossible to correlate, and are a misuse of
// the protocol by the caller.
func (t *Table[T]) Register(id string, sendTime time.Time, value T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return fmt.Errorf("duplicate in-flight request id %s", id)
	}
	t.pending[id] = Pending[T]{ID: id, SendTime: sendTime, Value: value}
	return nil
}

// Resolve removes and returns the pending entry matching id. The second
// result is false if no entry with that id is registered; such a response
// is a protocol anomaly for the caller to count, never a match.
func (t *Table[T]) Resolve(id string) (Pending[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return p, ok
}

// Unregister removes the pending entry for id and reports whether one was
// present. It is used to roll back registrations from a dispatch unit that
// could not be sent.
func (t *Table[T]) Unregister(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	delete(t.pending, id)
	return ok
}

// Sweep removes and returns all still-pending entries. It is called at
// session end so unanswered requests can be reported rather than silently
// dropped.
func (t *Table[T]) Sweep() []Pending[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pending[T], 0, len(t.pending))
	for id, p := range t.pending {
		out = append(out, p)
		delete(t.pending, id)
	}
	return out
}

// Len reports the number of pending entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
