package orchestrator

import (
	"log/slog"
	"time"
)

// Supervisor reissues requests whose replies did not arrive before the
// deadline. Reissue is unconditional: there is no backoff and no attempt limit,
// since a request retried forever is preferable to a silently incomplete group.
type Supervisor struct {
	window   *Window
	deadline time.Duration
	reissue  func(PendingRequest) PendingRequest
	observer Observer
	log      *slog.Logger
}

// NewSupervisor creates a supervisor over w. reissue must republish the
// request and return it with a correlation id that is not outstanding.
func NewSupervisor(w *Window, deadline time.Duration, reissue func(PendingRequest) PendingRequest, obs Observer, log *slog.Logger) *Supervisor {
	if obs == nil {
		obs = NopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		window:   w,
		deadline: deadline,
		reissue:  reissue,
		observer: obs,
		log:      log,
	}
}

// Sweep reissues every request issued at least one deadline before now and
// returns how many were reissued.
func (s *Supervisor) Sweep(now time.Time) int {
	retried := 0
	for _, expired := range s.window.Expired(now, s.deadline) {
		if _, ok := s.window.Retire(expired.CorrelationID); !ok {
			continue
		}

		renewed := s.reissue(expired)
		if !s.window.Insert(renewed) {
			// reissue guarantees a fresh id; losing the item here would leave
			// its group incomplete forever.
			s.log.Error("reissued request collided with an outstanding id",
				"correlation_id", renewed.CorrelationID, "group", renewed.GroupKey)
			continue
		}
		retried++

		s.log.Warn("request timed out, sending another request",
			"correlation_id", expired.CorrelationID,
			"new_correlation_id", renewed.CorrelationID,
			"group", expired.GroupKey,
			"item", expired.ItemKey,
			"attempt", renewed.Attempt)
		s.observer.OnRetried(expired, renewed)
	}
	return retried
}
