package correlate_test

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jlot/jlot"
	"github.com/jlot/jlot/correlate"
)

func TestRegisterResolve(t *testing.T) {
	tbl := correlate.NewTable[string]()
	now := time.Now()

	if err := tbl.Register("1", now, "first"); err != nil {
		t.Fatalf("Register(1): %v", err)
	}
	if err := tbl.Register(`"two"`, now, "second"); err != nil {
		t.Fatalf(`Register("two"): %v`, err)
	}
	if n := tbl.Len(); n != 2 {
		t.Errorf("Len: got %d, want 2", n)
	}

	// Out-of-order resolution must still match exactly.
	p, ok := tbl.Resolve(`"two"`)
	if !ok || p.Value != "second" {
		t.Errorf(`Resolve("two"): got (%+v, %v), want value "second"`, p, ok)
	}
	p, ok = tbl.Resolve("1")
	if !ok || p.Value != "first" {
		t.Errorf("Resolve(1): got (%+v, %v), want value %q", p, ok, "first")
	}

	// A matched entry must not be retained.
	if _, ok := tbl.Resolve("1"); ok {
		t.Error("Resolve(1) after match: got ok, want unmatched")
	}
	if n := tbl.Len(); n != 0 {
		t.Errorf("Len after resolution: got %d, want 0", n)
	}
}

func TestUnmatchedResponse(t *testing.T) {
	tbl := correlate.NewTable[int]()
	if _, ok := tbl.Resolve("99"); ok {
		t.Error("Resolve(99) on empty table: got a match, want unmatched")
	}
}

func TestDuplicateID(t *testing.T) {
	tbl := correlate.NewTable[int]()
	now := time.Now()
	if err := tbl.Register("7", now, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tbl.Register("7", now, 2); err == nil {
		t.Error("Register duplicate: got nil, want error")
	}
	// The original registration must survive the rejected duplicate.
	if p, ok := tbl.Resolve("7"); !ok || p.Value != 1 {
		t.Errorf("Resolve(7): got (%+v, %v), want value 1", p, ok)
	}
}

func TestSweep(t *testing.T) {
	tbl := correlate.NewTable[string]()
	now := time.Now()
	for _, id := range []string{"1", "2", "3"} {
		if err := tbl.Register(id, now, "r"+id); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	if _, ok := tbl.Resolve("2"); !ok {
		t.Fatal("Resolve(2): unmatched")
	}

	swept := tbl.Sweep()
	var ids []string
	for _, p := range swept {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"1", "3"}, ids); diff != "" {
		t.Errorf("Sweep ids: (-want, +got)\n%s", diff)
	}
	if n := tbl.Len(); n != 0 {
		t.Errorf("Len after sweep: got %d, want 0", n)
	}
	if again := tbl.Sweep(); len(again) != 0 {
		t.Errorf("Second sweep: got %d entries, want 0", len(again))
	}
}

// A batch containing a notification registers one entry per member that
// expects a response, never for the notification.
func TestBatchRegistration(t *testing.T) {
	const line = `[{"jsonrpc":"2.0","method":"a","id":1},` +
		`{"jsonrpc":"2.0","method":"b"},` +
		`{"jsonrpc":"2.0","method":"c","id":2}]`
	batch, err := jlot.ParseMessages([]byte(line))
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}

	tbl := correlate.NewTable[struct{}]()
	now := time.Now()
	for _, id := range batch.IDs() {
		if err := tbl.Register(id, now, struct{}{}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	if n := tbl.Len(); n != 2 {
		t.Errorf("Len: got %d, want 2", n)
	}
}
