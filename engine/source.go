package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/creachadair/mds/mapset"
	"github.com/jlot/jlot"
)

// A Dispatch is one unit of work for the engine: a single request or a
// batch, as read from one input line. A unit whose line or members are
// structurally invalid carries a non-nil Invalid and is never sent; the
// engine reports it as a decode-error outcome instead.
type Dispatch struct {
	Line    []byte            // the raw line, without terminator
	Batch   *jlot.Batch       // parsed form; nil when Invalid is set by a parse failure
	Invalid *jlot.DecodeError // why the unit cannot be sent, or nil
}

// A Source yields dispatch units one at a time. Next returns io.EOF after
// the final unit. Sources are pulled lazily, so an input may be arbitrarily
// large or continuously produced.
type Source interface {
	Next() (*Dispatch, error)
}

// newDispatch classifies one input line as a dispatch unit.
func newDispatch(line []byte) *Dispatch {
	d := &Dispatch{Line: line}
	batch, err := jlot.ParseMessages(line)
	if err != nil {
		if derr, ok := err.(*jlot.DecodeError); ok {
			d.Invalid = derr
		} else {
			d.Invalid = &jlot.DecodeError{Line: line, Reason: err.Error()}
		}
		return d
	}
	d.Batch = batch
	if bad := batch.Invalid(); bad != nil {
		d.Invalid = bad
		return d
	}

	// Duplicate ids within one unit can never be correlated.
	seen := mapset.New[string]()
	for _, id := range batch.IDs() {
		if seen.Has(id) {
			d.Invalid = &jlot.DecodeError{Line: line, Reason: "duplicate request id " + id + " in batch"}
			return d
		}
		seen.Add(id)
	}
	return d
}

// NewLineSource returns a Source that reads dispatch units from r, one line
// at a time, without materializing the input. Blank lines are skipped.
func NewLineSource(r io.Reader) Source {
	return &lineSource{buf: bufio.NewReader(r)}
}

type lineSource struct {
	buf *bufio.Reader
}

func (s *lineSource) Next() (*Dispatch, error) {
	for {
		line, err := s.buf.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) != 0 {
			return newDispatch(line), nil
		}
		if err == nil {
			continue // blank line
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
}

// Buffered reads all units from src eagerly, before any dispatch begins,
// and replays them in order. It reports an error if two units of the input
// carry the same request id, since the whole input may be in flight at once
// under a wide window and such ids could not be correlated.
func Buffered(src Source) (Source, error) {
	seen := mapset.New[string]()
	var units []*Dispatch
	for {
		d, err := src.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if d.Invalid == nil {
			for _, id := range d.Batch.IDs() {
				if seen.Has(id) {
					return nil, fmt.Errorf("input contains duplicate request id %s", id)
				}
				seen.Add(id)
			}
		}
		units = append(units, d)
	}
	return &sliceSource{units: units}, nil
}

type sliceSource struct {
	units []*Dispatch
	next  int
}

func (s *sliceSource) Next() (*Dispatch, error) {
	if s.next >= len(s.units) {
		return nil, io.EOF
	}
	d := s.units[s.next]
	s.next++
	return d, nil
}

// Generate returns a Source producing count requests for method with the
// given params and sequential integer ids starting at startID. It is used
// to drive synthetic benchmark runs without preparing an input file.
func Generate(method string, params json.RawMessage, startID, count int64) Source {
	return &genSource{method: method, params: params, next: startID, last: startID + count}
}

type genSource struct {
	method string
	params json.RawMessage
	next   int64
	last   int64
}

func (g *genSource) Next() (*Dispatch, error) {
	if g.next >= g.last {
		return nil, io.EOF
	}
	id := json.RawMessage(strconv.FormatInt(g.next, 10))
	g.next++
	m, err := jlot.NewRequest(g.method, g.params, id)
	if err != nil {
		return nil, err
	}
	return newDispatch(m.Raw()), nil
}
