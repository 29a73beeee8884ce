package store

import (
	"database/sql"
	"errors"
	"time"
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	// RunPartial ended cleanly with some groups never persisted.
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Run is one execution of a request pipeline.
type Run struct {
	ID          string
	Kind        string // "2d" or "3d"
	Folder      string
	GroupsTotal int
	ItemsTotal  int
	Status      RunStatus
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// RunRepository provides access to the runs table.
type RunRepository struct {
	db *sql.DB
}

// Runs returns the run repository for this store.
func (s *Store) Runs() *RunRepository {
	return &RunRepository{db: s.db}
}

// Create inserts a new run in the running state.
func (r *RunRepository) Create(run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = RunRunning

	_, err := r.db.Exec(
		`INSERT INTO runs (id, kind, folder, groups_total, items_total, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Folder, run.GroupsTotal, run.ItemsTotal, string(run.Status), run.StartedAt,
	)
	return err
}

// Finish records the outcome of a run.
func (r *RunRepository) Finish(id string, status RunStatus, at time.Time) error {
	result, err := r.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), at, id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, kind, folder, groups_total, items_total, status, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var status string
	var finished sql.NullTime
	if err := row.Scan(&run.ID, &run.Kind, &run.Folder, &run.GroupsTotal, &run.ItemsTotal,
		&status, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRecent retrieves the latest runs, newest first.
func (r *RunRepository) ListRecent(limit int) ([]*Run, error) {
	rows, err := r.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}
