package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Runs table - one row per orchestrator run
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('2d', '3d')),
			folder TEXT NOT NULL,
			groups_total INTEGER NOT NULL DEFAULT 0,
			items_total INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'completed', 'partial', 'cancelled', 'failed')),
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,

		// Groups table - groups persisted by a run
		`CREATE TABLE IF NOT EXISTS flushed_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			group_key TEXT NOT NULL,
			items INTEGER NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			flushed_at DATETIME NOT NULL
		)`,

		// Retries table - requests reissued after their deadline
		`CREATE TABLE IF NOT EXISTS retries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			group_key TEXT NOT NULL,
			item_key INTEGER NOT NULL,
			old_id TEXT NOT NULL,
			new_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			at DATETIME NOT NULL
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_flushed_groups_run_id ON flushed_groups(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_retries_run_id ON retries(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
