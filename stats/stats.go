// Package stats aggregates the outcome stream produced by the execution
// engine into a single summary record: counts per classification, byte
// totals, throughput, observed concurrency, and a latency distribution over
// completed calls.
//
// Records are consumed one at a time in a single pass. Latencies are kept
// exactly and sorted once on demand; percentiles are computed by the
// nearest-rank method, which is deterministic and needs no interpolation.
package stats

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Classifications used in summary counts, in addition to the engine's
// outcome statuses.
const (
	// ClassMissingMetadata counts outcome lines that are raw responses with
	// no annotation, produced by a run without the metadata flag. They
	// contribute to counts but carry no timing or size information.
	ClassMissingMetadata = "missing-metadata"
)

// A Record is one parsed outcome line. Lines written with metadata enabled
// populate every field; a raw response line yields a Record whose Status is
// empty and is classified as missing metadata.
type Record struct {
	Status   string          `json:"status"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Server   string          `json:"server,omitempty"`
	Send     *int64          `json:"send_time_micros,omitempty"`
	Recv     *int64          `json:"recv_time_micros,omitempty"`
	BytesOut int64           `json:"request_byte_size,omitempty"`
	BytesIn  int64           `json:"response_byte_size,omitempty"`
}

// ParseRecord parses one outcome line. A line that is a bare JSON-RPC
// message (it carries the "jsonrpc" version marker at top level) is an
// un-annotated response and decodes to a missing-metadata Record.
func ParseRecord(line []byte) (*Record, error) {
	var probe struct {
		V      string `json:"jsonrpc"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		// Batch responses without metadata arrive as arrays.
		if len(bytes.TrimSpace(line)) > 0 && bytes.TrimSpace(line)[0] == '[' {
			return &Record{}, nil
		}
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	if probe.V != "" || probe.Status == "" {
		return &Record{}, nil
	}
	rec := new(Record)
	if err := json.Unmarshal(line, rec); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return rec, nil
}

// classify maps a record to its summary count key.
func (r *Record) classify() string {
	if r.Status == "" {
		return ClassMissingMetadata
	}
	return r.Status
}

// completed reports whether r is a completed call whose latency counts:
// an "ok" or "rpc-error" record carrying both timestamps.
func (r *Record) completed() bool {
	return (r.Status == "ok" || r.Status == "rpc-error") && r.Send != nil && r.Recv != nil
}

// A Collector accumulates records into a Summary. The zero value is not
// ready for use; construct collectors with NewCollector. A Collector is not
// safe for concurrent use; the outcome stream has a single consumer.
type Collector struct {
	counts    map[string]int64
	bytesOut  int64
	bytesIn   int64
	latencies []int64 // microseconds, completed calls only
	intervals []interval
	haveSpan  bool
	minSend   int64
	maxEnd    int64
	engineMax int64 // high-water mark reported by the engine, if any
}

type interval struct{ start, end int64 }

// NewCollector constructs an empty collector.
func NewCollector() *Collector {
	return &Collector{counts: make(map[string]int64)}
}

// Add folds one record into the running aggregate.
func (c *Collector) Add(rec *Record) {
	c.counts[rec.classify()]++
	c.bytesOut += rec.BytesOut
	c.bytesIn += rec.BytesIn

	if rec.Send != nil {
		c.span(*rec.Send)
		if rec.Recv != nil {
			c.span(*rec.Recv)
		}
	}
	if rec.completed() {
		c.latencies = append(c.latencies, *rec.Recv-*rec.Send)
		c.intervals = append(c.intervals, interval{*rec.Send, *rec.Recv})
	}
}

// SetMaxConcurrency records a high-water concurrency mark measured by the
// engine itself. When set, it is reported in place of the value recomputed
// from interval overlap.
func (c *Collector) SetMaxConcurrency(n int64) {
	if n > c.engineMax {
		c.engineMax = n
	}
}

func (c *Collector) span(t int64) {
	if !c.haveSpan {
		c.minSend, c.maxEnd, c.haveSpan = t, t, true
		return
	}
	if t < c.minSend {
		c.minSend = t
	}
	if t > c.maxEnd {
		c.maxEnd = t
	}
}

// A Summary is the aggregate of one outcome stream, emitted exactly once.
type Summary struct {
	Total          int64            `json:"total"`
	Counts         map[string]int64 `json:"counts"`
	DurationMicros int64            `json:"duration_micros"`
	PerSecond      float64          `json:"calls_per_second"`
	MaxConcurrency int64            `json:"max_concurrency"`
	Bytes          BytesSummary     `json:"bytes"`
	Latency        *LatencySummary  `json:"latency,omitempty"`
}

// BytesSummary reports byte totals and per-call averages over all records
// that carried size metadata.
type BytesSummary struct {
	OutTotal int64   `json:"out_total"`
	InTotal  int64   `json:"in_total"`
	OutAvg   float64 `json:"out_avg"`
	InAvg    float64 `json:"in_avg"`
}

// LatencySummary reports the latency distribution over completed calls, in
// microseconds. Percentiles are nearest-rank over the full set.
type LatencySummary struct {
	Count int64   `json:"count"`
	Min   int64   `json:"min_micros"`
	Avg   float64 `json:"avg_micros"`
	Max   int64   `json:"max_micros"`
	P25   int64   `json:"p25_micros"`
	P50   int64   `json:"p50_micros"`
	P75   int64   `json:"p75_micros"`
	P90   int64   `json:"p90_micros"`
	P99   int64   `json:"p99_micros"`
}

// Summary computes the summary of everything added so far. An empty stream
// yields a summary with zero counts and no latency block; that is a valid
// result, not an error.
func (c *Collector) Summary() *Summary {
	s := &Summary{Counts: c.counts}
	for _, n := range c.counts {
		s.Total += n
	}
	if c.haveSpan {
		s.DurationMicros = c.maxEnd - c.minSend
	}
	if s.DurationMicros > 0 {
		s.PerSecond = float64(len(c.latencies)) / (float64(s.DurationMicros) / 1e6)
	}
	s.MaxConcurrency = c.engineMax
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = maxOverlap(c.intervals)
	}

	s.Bytes = BytesSummary{OutTotal: c.bytesOut, InTotal: c.bytesIn}
	if s.Total > 0 {
		s.Bytes.OutAvg = float64(c.bytesOut) / float64(s.Total)
		s.Bytes.InAvg = float64(c.bytesIn) / float64(s.Total)
	}

	if n := len(c.latencies); n > 0 {
		sorted := append([]int64(nil), c.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum int64
		for _, v := range sorted {
			sum += v
		}
		s.Latency = &LatencySummary{
			Count: int64(n),
			Min:   sorted[0],
			Avg:   float64(sum) / float64(n),
			Max:   sorted[n-1],
			P25:   nearestRank(sorted, 25),
			P50:   nearestRank(sorted, 50),
			P75:   nearestRank(sorted, 75),
			P90:   nearestRank(sorted, 90),
			P99:   nearestRank(sorted, 99),
		}
	}
	return s
}

// nearestRank returns the p-th percentile of the sorted samples by the
// nearest-rank method: the smallest value whose rank is at least p percent
// of the sample count.
func nearestRank(sorted []int64, p int) int64 {
	rank := (p*len(sorted) + 99) / 100 // ceil(p*n/100)
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// maxOverlap computes the maximum number of intervals covering any single
// point, by an event sweep over the interval endpoints.
func maxOverlap(ivs []interval) int64 {
	if len(ivs) == 0 {
		return 0
	}
	type event struct {
		at    int64
		delta int64
	}
	events := make([]event, 0, 2*len(ivs))
	for _, iv := range ivs {
		events = append(events, event{iv.start, 1}, event{iv.end, -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		// Starts before ends at the same instant: a call answered the
		// moment another is sent still overlaps it.
		return events[i].delta > events[j].delta
	})
	var cur, max int64
	for _, e := range events {
		cur += e.delta
		if cur > max {
			max = cur
		}
	}
	return max
}

// ReadAll consumes a stream of outcome lines from r and returns its
// summary. An empty stream is valid and yields a zero-count summary.
func ReadAll(r io.Reader) (*Summary, error) {
	c := NewCollector()
	buf := bufio.NewReader(r)
	for {
		line, err := buf.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			rec, perr := ParseRecord(line)
			if perr != nil {
				return nil, perr
			}
			c.Add(rec)
		}
		if err == io.EOF {
			return c.Summary(), nil
		} else if err != nil {
			return nil, err
		}
	}
}
