package store

import (
	"database/sql"
	"time"
)

// Group is a group persisted by a run.
type Group struct {
	RunID     string
	GroupKey  string
	Items     int
	Path      string
	FlushedAt time.Time
}

// GroupRepository provides access to the groups table.
type GroupRepository struct {
	db *sql.DB
}

// Groups returns the group repository for this store.
func (s *Store) Groups() *GroupRepository {
	return &GroupRepository{db: s.db}
}

// Create records a persisted group.
func (r *GroupRepository) Create(g *Group) error {
	_, err := r.db.Exec(
		`INSERT INTO flushed_groups (run_id, group_key, items, path, flushed_at) VALUES (?, ?, ?, ?, ?)`,
		g.RunID, g.GroupKey, g.Items, g.Path, g.FlushedAt,
	)
	return err
}

// ListByRun retrieves the groups of a run in flush order.
func (r *GroupRepository) ListByRun(runID string) ([]*Group, error) {
	rows, err := r.db.Query(
		`SELECT run_id, group_key, items, path, flushed_at FROM flushed_groups WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g := &Group{}
		if err := rows.Scan(&g.RunID, &g.GroupKey, &g.Items, &g.Path, &g.FlushedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CountByRun returns how many groups a run persisted.
func (r *GroupRepository) CountByRun(runID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM flushed_groups WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
