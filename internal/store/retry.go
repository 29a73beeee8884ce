package store

import (
	"database/sql"
	"time"
)

// Retry is a request reissued after its deadline.
type Retry struct {
	RunID    string
	GroupKey string
	ItemKey  int
	OldID    string
	NewID    string
	Attempt  int
	At       time.Time
}

// RetryRepository provides access to the retries table.
type RetryRepository struct {
	db *sql.DB
}

// Retries returns the retry repository for this store.
func (s *Store) Retries() *RetryRepository {
	return &RetryRepository{db: s.db}
}

// Create records a retry.
func (r *RetryRepository) Create(rt *Retry) error {
	_, err := r.db.Exec(
		`INSERT INTO retries (run_id, group_key, item_key, old_id, new_id, attempt, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rt.RunID, rt.GroupKey, rt.ItemKey, rt.OldID, rt.NewID, rt.Attempt, rt.At,
	)
	return err
}

// ListByRun retrieves the retries of a run, oldest first.
func (r *RetryRepository) ListByRun(runID string) ([]*Retry, error) {
	rows, err := r.db.Query(
		`SELECT run_id, group_key, item_key, old_id, new_id, attempt, at
		 FROM retries WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var retries []*Retry
	for rows.Next() {
		rt := &Retry{}
		if err := rows.Scan(&rt.RunID, &rt.GroupKey, &rt.ItemKey, &rt.OldID, &rt.NewID, &rt.Attempt, &rt.At); err != nil {
			return nil, err
		}
		retries = append(retries, rt)
	}
	return retries, rows.Err()
}

// CountByRun returns how many requests a run reissued.
func (r *RetryRepository) CountByRun(runID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM retries WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
