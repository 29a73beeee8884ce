package app

import (
	"log/slog"
	"sync"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

// Snapshot is a point-in-time copy of the progress counters.
type Snapshot struct {
	Groups   int
	Items    int
	Flushed  int
	Answered int
	// InFlight counts issued items whose group is not persisted yet.
	InFlight int
	Issued   int
	Retries  int
}

// Progress counts orchestrator events and logs one line per persisted group.
// Events arrive on the orchestrator goroutine; Snapshot may be called from
// any goroutine.
type Progress struct {
	log *slog.Logger

	mu sync.Mutex
	s  Snapshot
}

// NewProgress creates a progress observer.
func NewProgress(log *slog.Logger) *Progress {
	if log == nil {
		log = slog.Default()
	}
	return &Progress{log: log}
}

// Reset starts counting a new run.
func (p *Progress) Reset(groups, items int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s = Snapshot{Groups: groups, Items: items}
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

func (p *Progress) OnIssued(orchestrator.PendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.Issued++
	p.s.InFlight++
}

func (p *Progress) OnRetried(_, _ orchestrator.PendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.Retries++
}

func (p *Progress) OnFlushed(rec orchestrator.CompletionRecord) {
	p.mu.Lock()
	p.s.Flushed++
	p.s.Answered += len(rec.Results)
	p.s.InFlight -= len(rec.Results)
	s := p.s
	p.mu.Unlock()

	p.log.Info("progress",
		"group", rec.GroupKey,
		"groups", s.Flushed,
		"groups_total", s.Groups,
		"items", s.Answered,
		"items_total", s.Items)
}
