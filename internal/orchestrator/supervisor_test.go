package orchestrator

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestSupervisor_RetryPreservesIdentity(t *testing.T) {
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(1, 10)
	w.Insert(PendingRequest{
		CorrelationID: "old",
		GroupKey:      "p001g01c00",
		ItemKey:       42,
		Payload:       []byte("frame-42"),
		IssuedAt:      base,
	})
	w.Insert(PendingRequest{
		CorrelationID: "recent",
		GroupKey:      "p001g01c00",
		ItemKey:       43,
		Payload:       []byte("frame-43"),
		IssuedAt:      base.Add(10 * time.Second),
	})

	seq := 0
	now := base.Add(15 * time.Second)
	reissue := func(p PendingRequest) PendingRequest {
		seq++
		p.CorrelationID = fmt.Sprintf("new-%d", seq)
		p.IssuedAt = now
		p.Attempt++
		return p
	}
	obs := &recordingObserver{}
	sup := NewSupervisor(w, 15*time.Second, reissue, obs, nil)

	if n := sup.Sweep(now); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}

	t.Run("old id is retired", func(t *testing.T) {
		if w.Has("old") {
			t.Error("expired id should no longer be outstanding")
		}
	})

	t.Run("renewed request keeps group, item and payload", func(t *testing.T) {
		p, ok := w.Get("new-1")
		if !ok {
			t.Fatal("renewed request missing from window")
		}
		if p.GroupKey != "p001g01c00" || p.ItemKey != 42 || !bytes.Equal(p.Payload, []byte("frame-42")) {
			t.Errorf("renewed request lost its identity: %+v", p)
		}
		if !p.IssuedAt.Equal(now) {
			t.Errorf("IssuedAt = %v, want %v", p.IssuedAt, now)
		}
		if p.Attempt != 1 {
			t.Errorf("Attempt = %d, want 1", p.Attempt)
		}
	})

	t.Run("unexpired request untouched", func(t *testing.T) {
		if !w.Has("recent") {
			t.Error("request inside its deadline should not be reissued")
		}
	})

	t.Run("observer notified", func(t *testing.T) {
		if len(obs.retried) != 1 {
			t.Fatalf("observer saw %d retries, want 1", len(obs.retried))
		}
		if obs.retried[0][0].CorrelationID != "old" || obs.retried[0][1].CorrelationID != "new-1" {
			t.Errorf("retry event = %s -> %s", obs.retried[0][0].CorrelationID, obs.retried[0][1].CorrelationID)
		}
	})

	if w.Size() != 2 {
		t.Errorf("window size = %d, want 2", w.Size())
	}
}
