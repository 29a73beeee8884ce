package orchestrator

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"
)

// GroupAccumulator collects the results of one group until it is complete.
type GroupAccumulator struct {
	GroupKey string
	Expected int
	Received map[int]json.RawMessage
}

// Complete reports whether every expected item has a result.
func (g *GroupAccumulator) Complete() bool {
	return len(g.Received) >= g.Expected
}

// record orders the received results by item key.
func (g *GroupAccumulator) record(createdAt time.Time) CompletionRecord {
	keys := make([]int, 0, len(g.Received))
	for k := range g.Received {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	results := make([]json.RawMessage, len(keys))
	for i, k := range keys {
		results[i] = g.Received[k]
	}
	return CompletionRecord{
		GroupKey:  g.GroupKey,
		Results:   results,
		CreatedAt: createdAt,
	}
}

// Aggregator accumulates per-group results and hands complete groups to a
// Persister. A group is persisted at most once; it is never reopened.
type Aggregator struct {
	expected  func(groupKey string) (int, bool)
	persister Persister
	observer  Observer
	now       func() time.Time
	log       *slog.Logger

	groups  map[string]*GroupAccumulator
	flushed map[string]struct{}
}

// NewAggregator creates an aggregator resolving expected counts through
// expected and storing complete groups through p.
func NewAggregator(expected func(string) (int, bool), p Persister, obs Observer, now func() time.Time, log *slog.Logger) *Aggregator {
	if obs == nil {
		obs = NopObserver{}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		expected:  expected,
		persister: p,
		observer:  obs,
		now:       now,
		log:       log,
		groups:    make(map[string]*GroupAccumulator),
		flushed:   make(map[string]struct{}),
	}
}

// Add stores result for the item p was issued for. A later result for the
// same item overwrites the earlier one. Add returns false when the result was
// dropped: the group is already flushed or its expected count is unknown.
func (a *Aggregator) Add(p PendingRequest, result json.RawMessage) bool {
	if _, done := a.flushed[p.GroupKey]; done {
		a.log.Debug("reply for already persisted group ignored",
			"group", p.GroupKey, "item", p.ItemKey)
		return false
	}

	acc, ok := a.groups[p.GroupKey]
	if !ok {
		expected, known := a.expected(p.GroupKey)
		if !known || expected <= 0 {
			a.log.Warn("no expected item count for group, dropping result",
				"group", p.GroupKey, "item", p.ItemKey)
			return false
		}
		acc = &GroupAccumulator{
			GroupKey: p.GroupKey,
			Expected: expected,
			Received: make(map[int]json.RawMessage, expected),
		}
		a.groups[p.GroupKey] = acc
	}

	acc.Received[p.ItemKey] = result
	return true
}

// Sweep persists and forgets every complete group. All groups are checked, not
// only the one touched last. A group whose persistence fails stays open and is
// tried again on the next sweep. Sweep returns the number of groups flushed.
func (a *Aggregator) Sweep() int {
	keys := make([]string, 0, len(a.groups))
	for k, acc := range a.groups {
		if acc.Complete() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	flushed := 0
	for _, k := range keys {
		rec := a.groups[k].record(a.now())
		if err := a.persister.Persist(rec); err != nil {
			a.log.Error("failed to persist group, will retry on next sweep",
				"group", k, "error", err)
			continue
		}
		delete(a.groups, k)
		a.flushed[k] = struct{}{}
		flushed++

		a.log.Info("group persisted", "group", k, "items", len(rec.Results))
		a.observer.OnFlushed(rec)
	}
	return flushed
}

// Open returns the number of groups with at least one result that are not
// persisted yet.
func (a *Aggregator) Open() int {
	return len(a.groups)
}

// Flushed reports whether the group has been persisted.
func (a *Aggregator) Flushed(groupKey string) bool {
	_, ok := a.flushed[groupKey]
	return ok
}

// FlushedCount returns the number of groups persisted so far.
func (a *Aggregator) FlushedCount() int {
	return len(a.flushed)
}
