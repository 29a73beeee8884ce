package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// sliceSource serves a fixed list of items.
type sliceSource struct {
	items    []WorkItem
	next     int
	expected map[string]int
}

func newSliceSource(groups ...groupSize) *sliceSource {
	s := &sliceSource{expected: make(map[string]int)}
	for _, g := range groups {
		s.expected[g.key] = g.n
		for i := 0; i < g.n; i++ {
			s.items = append(s.items, WorkItem{
				GroupKey: g.key,
				ItemKey:  i,
				Payload:  []byte(fmt.Sprintf(`{"group":%q,"item":%d}`, g.key, i)),
			})
		}
	}
	return s
}

type groupSize struct {
	key string
	n   int
}

func (s *sliceSource) Next() (WorkItem, bool) {
	if s.next >= len(s.items) {
		return WorkItem{}, false
	}
	it := s.items[s.next]
	s.next++
	return it, true
}

func (s *sliceSource) ExpectedCount(groupKey string) (int, bool) {
	n, ok := s.expected[groupKey]
	return n, ok
}

func (s *sliceSource) Remaining() int {
	return len(s.items) - s.next
}

// fakeClock is advanced explicitly by the fake transport.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2023, 4, 29, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type published struct {
	id      string
	payload []byte
}

// echoTransport answers requests in publish order by echoing their payload.
// Requests selected by drop are never answered; extra replies can be queued
// with Inject and are delivered first.
type echoTransport struct {
	clock     *fakeClock
	published []published
	queue     []published
	injected  []Reply
	drop      func(n int, id string) bool
	seq       int
	replyCost time.Duration
	failNext  error
}

func newEchoTransport(clock *fakeClock) *echoTransport {
	return &echoTransport{clock: clock, replyCost: 10 * time.Millisecond}
}

func (t *echoTransport) Publish(ctx context.Context, payload []byte) (string, error) {
	t.seq++
	id := fmt.Sprintf("cid-%04d", t.seq)
	t.published = append(t.published, published{id: id, payload: payload})
	if t.failNext != nil {
		err := t.failNext
		t.failNext = nil
		return id, err
	}
	if t.drop != nil && t.drop(t.seq, id) {
		return id, nil
	}
	t.queue = append(t.queue, published{id: id, payload: payload})
	return id, nil
}

func (t *echoTransport) Consume(ctx context.Context, timeout time.Duration) (Reply, error) {
	if len(t.injected) > 0 {
		r := t.injected[0]
		t.injected = t.injected[1:]
		t.clock.Advance(t.replyCost)
		return r, nil
	}
	if len(t.queue) == 0 {
		t.clock.Advance(timeout)
		return Reply{}, ErrConsumeTimeout
	}
	p := t.queue[0]
	t.queue = t.queue[1:]
	t.clock.Advance(t.replyCost)
	return Reply{CorrelationID: p.id, OK: true, Result: p.payload}, nil
}

func (t *echoTransport) Inject(r Reply) {
	t.injected = append(t.injected, r)
}

// Hold removes every queued reply and returns them, so tests can deliver them
// late with Inject.
func (t *echoTransport) Hold() []published {
	held := t.queue
	t.queue = nil
	return held
}

// memPersister records every flushed group.
type memPersister struct {
	mu      sync.Mutex
	records []CompletionRecord
	failFor map[string]int
}

func (p *memPersister) Persist(rec CompletionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[rec.GroupKey] > 0 {
		p.failFor[rec.GroupKey]--
		return errors.New("disk full")
	}
	p.records = append(p.records, rec)
	return nil
}

func (p *memPersister) count(groupKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.records {
		if r.GroupKey == groupKey {
			n++
		}
	}
	return n
}

func (p *memPersister) get(groupKey string) (CompletionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.records {
		if r.GroupKey == groupKey {
			return r, true
		}
	}
	return CompletionRecord{}, false
}

// recordingObserver keeps every event.
type recordingObserver struct {
	issued  []PendingRequest
	retried [][2]PendingRequest
	flushed []CompletionRecord
}

func (o *recordingObserver) OnIssued(p PendingRequest) { o.issued = append(o.issued, p) }
func (o *recordingObserver) OnRetried(expired, renewed PendingRequest) {
	o.retried = append(o.retried, [2]PendingRequest{expired, renewed})
}
func (o *recordingObserver) OnFlushed(rec CompletionRecord) { o.flushed = append(o.flushed, rec) }
