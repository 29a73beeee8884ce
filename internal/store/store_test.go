package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore_CreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	// Verify the database file doesn't exist yet
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatal("database file should not exist before creating store")
	}

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file should exist after creating store")
	}
}

func TestNewStore_RunsMigrations(t *testing.T) {
	s := newTestStore(t)

	tables := []string{"runs", "flushed_groups", "retries"}
	for _, table := range tables {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}
}

func TestNewStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Runs().Create(&Run{ID: "r1", Kind: "2d", Folder: "/data"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Runs().GetByID("r1"); err != nil {
		t.Errorf("GetByID() after reopen error = %v", err)
	}
}

func TestStore_Close(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("close should not return error: %v", err)
	}

	if _, err := s.DB().Exec("SELECT 1"); err == nil {
		t.Error("DB operations should fail after close")
	}
}

func TestStore_ForeignKeysEnabled(t *testing.T) {
	s := newTestStore(t)

	var fkEnabled int
	if err := s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Fatalf("failed to check foreign keys pragma: %v", err)
	}
	if fkEnabled != 1 {
		t.Error("foreign keys should be enabled")
	}

	t.Run("group of unknown run is rejected", func(t *testing.T) {
		err := s.Groups().Create(&Group{RunID: "missing", GroupKey: "p001g01", Items: 1, FlushedAt: time.Now()})
		if err == nil {
			t.Error("expected a foreign key violation")
		}
	})
}

func TestRunRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Runs()
	base := time.Date(2023, 4, 29, 12, 0, 0, 0, time.UTC)

	older := &Run{ID: "older", Kind: "2d", Folder: "/data", GroupsTotal: 3, ItemsTotal: 90, StartedAt: base}
	newer := &Run{ID: "newer", Kind: "3d", Folder: "/data", GroupsTotal: 1, ItemsTotal: 30, StartedAt: base.Add(time.Hour)}
	for _, r := range []*Run{older, newer} {
		if err := repo.Create(r); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	t.Run("get", func(t *testing.T) {
		got, err := repo.GetByID("older")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.Kind != "2d" || got.GroupsTotal != 3 || got.ItemsTotal != 90 || got.Status != RunRunning {
			t.Errorf("run = %+v", got)
		}
		if !got.StartedAt.Equal(base) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, base)
		}
		if got.FinishedAt != nil {
			t.Error("running run should have no finish time")
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := repo.GetByID("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByID() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("finish", func(t *testing.T) {
		at := base.Add(30 * time.Minute)
		if err := repo.Finish("older", RunCompleted, at); err != nil {
			t.Fatalf("Finish() error = %v", err)
		}
		got, _ := repo.GetByID("older")
		if got.Status != RunCompleted || got.FinishedAt == nil || !got.FinishedAt.Equal(at) {
			t.Errorf("run = %+v", got)
		}
		if err := repo.Finish("nope", RunCompleted, at); !errors.Is(err, ErrNotFound) {
			t.Errorf("Finish() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list recent", func(t *testing.T) {
		runs, err := repo.ListRecent(10)
		if err != nil {
			t.Fatalf("ListRecent() error = %v", err)
		}
		if len(runs) != 2 || runs[0].ID != "newer" || runs[1].ID != "older" {
			t.Errorf("ListRecent() returned %d runs in the wrong order", len(runs))
		}
		runs, _ = repo.ListRecent(1)
		if len(runs) != 1 {
			t.Errorf("ListRecent(1) returned %d runs", len(runs))
		}
	})
}

func TestLedger(t *testing.T) {
	s := newTestStore(t)
	ledger, err := s.BeginRun("2d", "/data", 2, 5, func(k string) string { return "/data/" + k + "_2d.json" }, nil)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	var obs orchestrator.Observer = ledger
	obs.OnIssued(orchestrator.PendingRequest{CorrelationID: "a"})
	obs.OnRetried(
		orchestrator.PendingRequest{CorrelationID: "a", GroupKey: "p001g01c00", ItemKey: 4},
		orchestrator.PendingRequest{CorrelationID: "b", GroupKey: "p001g01c00", ItemKey: 4, Attempt: 1},
	)
	obs.OnFlushed(orchestrator.CompletionRecord{
		GroupKey:  "p001g01c00",
		Results:   []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)},
		CreatedAt: time.Now(),
	})

	t.Run("retries", func(t *testing.T) {
		retries, err := s.Retries().ListByRun(ledger.RunID())
		if err != nil {
			t.Fatal(err)
		}
		if len(retries) != 1 {
			t.Fatalf("retries = %d, want 1", len(retries))
		}
		r := retries[0]
		if r.OldID != "a" || r.NewID != "b" || r.ItemKey != 4 || r.Attempt != 1 {
			t.Errorf("retry = %+v", r)
		}
	})

	t.Run("groups", func(t *testing.T) {
		groups, err := s.Groups().ListByRun(ledger.RunID())
		if err != nil {
			t.Fatal(err)
		}
		if len(groups) != 1 {
			t.Fatalf("groups = %d, want 1", len(groups))
		}
		if groups[0].Items != 2 || groups[0].Path != "/data/p001g01c00_2d.json" {
			t.Errorf("group = %+v", groups[0])
		}
		if n, _ := s.Groups().CountByRun(ledger.RunID()); n != 1 {
			t.Errorf("CountByRun() = %d", n)
		}
	})

	t.Run("finish", func(t *testing.T) {
		if err := ledger.Finish(context.Canceled); err != nil {
			t.Fatalf("Finish() error = %v", err)
		}
		run, _ := s.Runs().GetByID(ledger.RunID())
		if run.Status != RunCancelled {
			t.Errorf("status = %s, want cancelled", run.Status)
		}
	})
}

func TestLedger_FinishStatus(t *testing.T) {
	flush := func(l *Ledger, key string) {
		l.OnFlushed(orchestrator.CompletionRecord{GroupKey: key, Results: []json.RawMessage{json.RawMessage(`{}`)}, CreatedAt: time.Now()})
	}
	tests := []struct {
		name    string
		flushed []string
		runErr  error
		want    RunStatus
	}{
		{name: "every group persisted", flushed: []string{"p001g01c00", "p001g01c01"}, want: RunCompleted},
		{name: "group abandoned", flushed: []string{"p001g01c00"}, want: RunPartial},
		{name: "nothing persisted", want: RunPartial},
		{name: "deadline", runErr: context.DeadlineExceeded, want: RunCancelled},
		{name: "error", flushed: []string{"p001g01c00", "p001g01c01"}, runErr: errors.New("boom"), want: RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ledger, err := s.BeginRun("2d", "/data", 2, 2, nil, nil)
			if err != nil {
				t.Fatalf("BeginRun() error = %v", err)
			}
			for _, key := range tt.flushed {
				flush(ledger, key)
			}
			if err := ledger.Finish(tt.runErr); err != nil {
				t.Fatalf("Finish() error = %v", err)
			}
			run, _ := s.Runs().GetByID(ledger.RunID())
			if run.Status != tt.want {
				t.Errorf("status = %s, want %s", run.Status, tt.want)
			}
		})
	}
}
