package orchestrator

import (
	"sort"
	"time"
)

// PendingRequest is an issued request still waiting for its reply.
type PendingRequest struct {
	CorrelationID string
	GroupKey      string
	ItemKey       int
	Payload       []byte
	IssuedAt      time.Time
	// Attempt is 0 for the first publish and grows by one on every reissue.
	Attempt int
}

// Window owns the set of outstanding requests, keyed by correlation id.
//
// The window is refilled in batches: nothing is pulled from the source until
// it drops below min, and then it is topped up to max.
type Window struct {
	min       int
	max       int
	pending   map[string]PendingRequest
	exhausted bool
}

// NewWindow creates an empty window with the given bounds.
func NewWindow(min, max int) *Window {
	return &Window{
		min:     min,
		max:     max,
		pending: make(map[string]PendingRequest, max),
	}
}

// Size returns the number of outstanding requests.
func (w *Window) Size() int {
	return len(w.pending)
}

// Exhausted reports whether the source ran dry during a refill.
func (w *Window) Exhausted() bool {
	return w.exhausted
}

// NeedsRefill reports whether the next Refill would pull from the source.
func (w *Window) NeedsRefill() bool {
	return !w.exhausted && len(w.pending) < w.min
}

// Has reports whether id is currently outstanding.
func (w *Window) Has(id string) bool {
	_, ok := w.pending[id]
	return ok
}

// Get returns the outstanding request for id without retiring it.
func (w *Window) Get(id string) (PendingRequest, bool) {
	p, ok := w.pending[id]
	return p, ok
}

// Insert adds p to the window. It returns false, leaving the window
// untouched, when p's correlation id is already outstanding.
func (w *Window) Insert(p PendingRequest) bool {
	if _, ok := w.pending[p.CorrelationID]; ok {
		return false
	}
	w.pending[p.CorrelationID] = p
	return true
}

// Retire removes and returns the request for id. ok is false for unknown
// ids, which callers treat as stale.
func (w *Window) Retire(id string) (PendingRequest, bool) {
	p, ok := w.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	delete(w.pending, id)
	return p, true
}

// Refill tops the window up to max when it has fallen below min. issue must
// publish the item and return a request whose correlation id is not
// outstanding. Refill returns the number of requests inserted.
func (w *Window) Refill(src Source, issue func(WorkItem) PendingRequest) int {
	if !w.NeedsRefill() {
		return 0
	}

	issued := 0
	for len(w.pending) < w.max {
		item, ok := src.Next()
		if !ok {
			w.exhausted = true
			break
		}
		if w.Insert(issue(item)) {
			issued++
		}
	}
	return issued
}

// Expired returns the requests issued at least deadline before now, oldest
// first.
func (w *Window) Expired(now time.Time, deadline time.Duration) []PendingRequest {
	var out []PendingRequest
	for _, p := range w.pending {
		if !p.IssuedAt.Add(deadline).After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].CorrelationID < out[j].CorrelationID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}
