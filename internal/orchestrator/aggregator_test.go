package orchestrator

import (
	"encoding/json"
	"strconv"
	"testing"
)

func newTestAggregator(expected map[string]int, p Persister) (*Aggregator, *recordingObserver) {
	obs := &recordingObserver{}
	lookup := func(k string) (int, bool) {
		n, ok := expected[k]
		return n, ok
	}
	clock := newFakeClock()
	return NewAggregator(lookup, p, obs, clock.Now, nil), obs
}

func TestAggregator_FlushesInItemOrder(t *testing.T) {
	p := &memPersister{}
	agg, obs := newTestAggregator(map[string]int{"A": 3}, p)

	for _, k := range []int{2, 0, 1} {
		agg.Add(PendingRequest{GroupKey: "A", ItemKey: k}, json.RawMessage(`{"k":`+strconv.Itoa(k)+`}`))
		if k != 1 && agg.Sweep() != 0 {
			t.Fatalf("group flushed before all items arrived (after item %d)", k)
		}
	}

	if n := agg.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	rec, ok := p.get("A")
	if !ok {
		t.Fatal("group A was not persisted")
	}
	for i, r := range rec.Results {
		want := `{"k":` + strconv.Itoa(i) + `}`
		if string(r) != want {
			t.Errorf("result %d = %s, want %s", i, r, want)
		}
	}
	if rec.CreatedAt.IsZero() {
		t.Error("record should carry a creation time")
	}
	if len(obs.flushed) != 1 {
		t.Errorf("observer saw %d flushes, want 1", len(obs.flushed))
	}
	if agg.Open() != 0 {
		t.Errorf("Open() = %d after flush, want 0", agg.Open())
	}
}

func TestAggregator_IdempotentCompletion(t *testing.T) {
	p := &memPersister{}
	agg, _ := newTestAggregator(map[string]int{"A": 1}, p)

	agg.Add(PendingRequest{GroupKey: "A", ItemKey: 0}, json.RawMessage(`1`))
	agg.Sweep()

	t.Run("late reply after flush is dropped", func(t *testing.T) {
		if agg.Add(PendingRequest{GroupKey: "A", ItemKey: 0}, json.RawMessage(`1`)) {
			t.Error("Add for a flushed group should report a drop")
		}
		agg.Sweep()
		if got := p.count("A"); got != 1 {
			t.Errorf("group persisted %d times, want 1", got)
		}
	})

	t.Run("flushed group is remembered", func(t *testing.T) {
		if !agg.Flushed("A") {
			t.Error("Flushed(A) = false")
		}
		if agg.FlushedCount() != 1 {
			t.Errorf("FlushedCount() = %d, want 1", agg.FlushedCount())
		}
	})
}

func TestAggregator_LastWriteWins(t *testing.T) {
	p := &memPersister{}
	agg, _ := newTestAggregator(map[string]int{"A": 2}, p)

	agg.Add(PendingRequest{GroupKey: "A", ItemKey: 0}, json.RawMessage(`"first"`))
	agg.Add(PendingRequest{GroupKey: "A", ItemKey: 0}, json.RawMessage(`"second"`))
	if agg.Sweep() != 0 {
		t.Fatal("duplicate item must not count twice towards completion")
	}
	agg.Add(PendingRequest{GroupKey: "A", ItemKey: 1}, json.RawMessage(`"other"`))
	agg.Sweep()

	rec, _ := p.get("A")
	if string(rec.Results[0]) != `"second"` {
		t.Errorf("result 0 = %s, want the last write", rec.Results[0])
	}
}

func TestAggregator_PersistFailureKeepsGroupOpen(t *testing.T) {
	p := &memPersister{failFor: map[string]int{"A": 1}}
	agg, obs := newTestAggregator(map[string]int{"A": 1}, p)

	agg.Add(PendingRequest{GroupKey: "A", ItemKey: 0}, json.RawMessage(`0`))
	if n := agg.Sweep(); n != 0 {
		t.Fatalf("Sweep() = %d with failing persister, want 0", n)
	}
	if agg.Open() != 1 {
		t.Fatal("group should stay open after a failed persist")
	}
	if len(obs.flushed) != 0 {
		t.Error("observer must not see a failed flush")
	}

	if n := agg.Sweep(); n != 1 {
		t.Fatalf("second Sweep() = %d, want 1", n)
	}
}

func TestAggregator_UnknownGroupIsDropped(t *testing.T) {
	p := &memPersister{}
	agg, _ := newTestAggregator(map[string]int{}, p)

	if agg.Add(PendingRequest{GroupKey: "ghost", ItemKey: 0}, json.RawMessage(`0`)) {
		t.Error("result for a group without expected count should be dropped")
	}
	if agg.Open() != 0 {
		t.Error("no accumulator should be created for an unknown group")
	}
}

func TestAggregator_SweepChecksEveryGroup(t *testing.T) {
	p := &memPersister{failFor: map[string]int{"A": 1}}
	agg, _ := newTestAggregator(map[string]int{"A": 1, "B": 1}, p)

	agg.Add(PendingRequest{GroupKey: "A", ItemKey: 0}, json.RawMessage(`0`))
	agg.Sweep() // A fails once and stays open

	agg.Add(PendingRequest{GroupKey: "B", ItemKey: 0}, json.RawMessage(`0`))
	if n := agg.Sweep(); n != 2 {
		t.Errorf("Sweep() = %d, want 2 (A retried alongside B)", n)
	}
}
