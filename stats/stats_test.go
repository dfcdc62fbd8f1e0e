package stats_test

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jlot/jlot/stats"
)

func i64(v int64) *int64 { return &v }

func rec(status string, send, recv int64) *stats.Record {
	r := &stats.Record{Status: status, Send: i64(send)}
	if recv >= 0 {
		r.Recv = i64(recv)
	}
	return r
}

func TestEmptyStream(t *testing.T) {
	s := stats.NewCollector().Summary()
	if s.Total != 0 {
		t.Errorf("Total: got %d, want 0", s.Total)
	}
	if s.Latency != nil {
		t.Errorf("Latency: got %+v, want nil", s.Latency)
	}
	if s.DurationMicros != 0 || s.PerSecond != 0 {
		t.Errorf("Duration/rate: got %d/%v, want 0/0", s.DurationMicros, s.PerSecond)
	}
}

func TestCountsMatchStream(t *testing.T) {
	c := stats.NewCollector()
	add := map[string]int{
		"ok":           5,
		"rpc-error":    2,
		"no-response":  3,
		"decode-error": 1,
	}
	var total int64
	for status, n := range add {
		for i := 0; i < n; i++ {
			c.Add(rec(status, int64(i)*10, int64(i)*10+5))
			total++
		}
	}
	c.Add(&stats.Record{}) // a record with no metadata
	total++

	s := c.Summary()
	if s.Total != total {
		t.Errorf("Total: got %d, want %d", s.Total, total)
	}
	var sum int64
	for _, n := range s.Counts {
		sum += n
	}
	if sum != s.Total {
		t.Errorf("Sum of counts: got %d, want %d", sum, s.Total)
	}
	if got := s.Counts[stats.ClassMissingMetadata]; got != 1 {
		t.Errorf("Counts[missing-metadata]: got %d, want 1", got)
	}
}

func TestPercentileOrdering(t *testing.T) {
	c := stats.NewCollector()
	// Latencies 1..100, arrival order shuffled by stride: the aggregator
	// must not assume chronological ordering.
	for i := 0; i < 100; i++ {
		lat := int64((i*37)%100 + 1)
		c.Add(rec("ok", 1000, 1000+lat))
	}
	s := c.Summary()
	if s.Latency == nil {
		t.Fatal("Latency: got nil, want summary")
	}
	l := s.Latency
	ordered := []int64{l.Min, l.P25, l.P50, l.P75, l.P90, l.P99, l.Max}
	if !sort.SliceIsSorted(ordered, func(i, j int) bool { return ordered[i] < ordered[j] }) {
		t.Errorf("Percentiles out of order: %v", ordered)
	}
	// Nearest rank over 1..100 hits the exact values.
	want := &stats.LatencySummary{
		Count: 100, Min: 1, Avg: 50.5, Max: 100,
		P25: 25, P50: 50, P75: 75, P90: 90, P99: 99,
	}
	if diff := cmp.Diff(want, l); diff != "" {
		t.Errorf("Latency summary: (-want, +got)\n%s", diff)
	}
}

func TestSingleCallPercentiles(t *testing.T) {
	c := stats.NewCollector()
	c.Add(rec("ok", 100, 142))
	s := c.Summary()
	if s.Latency == nil {
		t.Fatal("Latency: got nil, want summary")
	}
	l := s.Latency
	for name, got := range map[string]int64{
		"min": l.Min, "max": l.Max,
		"p25": l.P25, "p50": l.P50, "p75": l.P75, "p90": l.P90, "p99": l.P99,
	} {
		if got != 42 {
			t.Errorf("%s: got %d, want 42", name, got)
		}
	}
}

func TestIncompleteCallsExcludedFromLatency(t *testing.T) {
	c := stats.NewCollector()
	c.Add(rec("ok", 0, 10))
	c.Add(rec("no-response", 0, -1))
	c.Add(rec("decode-error", 0, -1))
	s := c.Summary()
	if s.Latency == nil || s.Latency.Count != 1 {
		t.Errorf("Latency count: got %+v, want 1 sample", s.Latency)
	}
	if s.Total != 3 {
		t.Errorf("Total: got %d, want 3", s.Total)
	}
}

func TestMaxConcurrencyFromOverlap(t *testing.T) {
	c := stats.NewCollector()
	// Three overlapping calls, then one disjoint.
	c.Add(rec("ok", 0, 100))
	c.Add(rec("ok", 10, 90))
	c.Add(rec("ok", 20, 80))
	c.Add(rec("ok", 200, 300))
	s := c.Summary()
	if s.MaxConcurrency != 3 {
		t.Errorf("MaxConcurrency: got %d, want 3", s.MaxConcurrency)
	}
}

func TestEngineMaxConcurrencyWins(t *testing.T) {
	c := stats.NewCollector()
	c.Add(rec("ok", 0, 100))
	c.SetMaxConcurrency(10)
	if got := c.Summary().MaxConcurrency; got != 10 {
		t.Errorf("MaxConcurrency: got %d, want 10", got)
	}
}

func TestReadAll(t *testing.T) {
	input := strings.Join([]string{
		`{"status":"ok","request":{"jsonrpc":"2.0","method":"a","id":1},"response":{"jsonrpc":"2.0","result":"x","id":1},"send_time_micros":0,"recv_time_micros":50,"request_byte_size":40,"response_byte_size":38}`,
		`{"status":"rpc-error","request":{"jsonrpc":"2.0","method":"b","id":2},"send_time_micros":10,"recv_time_micros":90,"request_byte_size":40,"response_byte_size":52}`,
		`{"status":"no-response","request":{"jsonrpc":"2.0","method":"c","id":3},"send_time_micros":20,"request_byte_size":40,"response_byte_size":0}`,
		`{"jsonrpc":"2.0","result":"bare","id":4}`, // metadata disabled
		``,
	}, "\n")
	s, err := stats.ReadAll(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	wantCounts := map[string]int64{
		"ok": 1, "rpc-error": 1, "no-response": 1, stats.ClassMissingMetadata: 1,
	}
	if diff := cmp.Diff(wantCounts, s.Counts); diff != "" {
		t.Errorf("Counts: (-want, +got)\n%s", diff)
	}
	if s.Latency == nil || s.Latency.Count != 2 {
		t.Errorf("Latency: got %+v, want 2 completed calls", s.Latency)
	}
	if s.DurationMicros != 90 {
		t.Errorf("Duration: got %d, want 90", s.DurationMicros)
	}
	if s.Bytes.OutTotal != 120 || s.Bytes.InTotal != 90 {
		t.Errorf("Bytes: got out=%d in=%d, want out=120 in=90", s.Bytes.OutTotal, s.Bytes.InTotal)
	}
}

func TestReadAllEmpty(t *testing.T) {
	s, err := stats.ReadAll(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if s.Total != 0 {
		t.Errorf("Total: got %d, want 0", s.Total)
	}
}
