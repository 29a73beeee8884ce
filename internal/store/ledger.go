package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

// Ledger records the progress of one run. It implements
// orchestrator.Observer; write failures are logged and never stop the run.
type Ledger struct {
	store *Store
	run   *Run
	path  func(groupKey string) string
	now   func() time.Time
	log   *slog.Logger
}

// BeginRun creates a run row and returns its ledger. path maps a group key
// to the file it is persisted in and may be nil.
func (s *Store) BeginRun(kind, folder string, groups, items int, path func(string) string, log *slog.Logger) (*Ledger, error) {
	if log == nil {
		log = slog.Default()
	}
	run := &Run{
		ID:          uuid.NewString(),
		Kind:        kind,
		Folder:      folder,
		GroupsTotal: groups,
		ItemsTotal:  items,
	}
	if err := s.Runs().Create(run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	return &Ledger{store: s, run: run, path: path, now: time.Now, log: log.With("run_id", run.ID)}, nil
}

// RunID returns the id of the run being recorded.
func (l *Ledger) RunID() string {
	return l.run.ID
}

func (l *Ledger) OnIssued(orchestrator.PendingRequest) {}

func (l *Ledger) OnRetried(expired, renewed orchestrator.PendingRequest) {
	err := l.store.Retries().Create(&Retry{
		RunID:    l.run.ID,
		GroupKey: renewed.GroupKey,
		ItemKey:  renewed.ItemKey,
		OldID:    expired.CorrelationID,
		NewID:    renewed.CorrelationID,
		Attempt:  renewed.Attempt,
		At:       l.now(),
	})
	if err != nil {
		l.log.Error("failed to record retry", "group", renewed.GroupKey, "error", err)
	}
}

func (l *Ledger) OnFlushed(rec orchestrator.CompletionRecord) {
	g := &Group{
		RunID:     l.run.ID,
		GroupKey:  rec.GroupKey,
		Items:     len(rec.Results),
		FlushedAt: rec.CreatedAt,
	}
	if l.path != nil {
		g.Path = l.path(rec.GroupKey)
	}
	if err := l.store.Groups().Create(g); err != nil {
		l.log.Error("failed to record persisted group", "group", rec.GroupKey, "error", err)
	}
}

// Finish records how the run ended, derived from the error Run returned.
func (l *Ledger) Finish(runErr error) error {
	status := RunCompleted
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = RunCancelled
	case runErr != nil:
		status = RunFailed
	default:
		flushed, err := l.store.Groups().CountByRun(l.run.ID)
		if err != nil {
			return fmt.Errorf("count persisted groups: %w", err)
		}
		if flushed < l.run.GroupsTotal {
			status = RunPartial
		}
	}
	return l.store.Runs().Finish(l.run.ID, status, l.now())
}
