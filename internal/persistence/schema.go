package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		task_id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		chain_index INTEGER NOT NULL,
		attempt_count INTEGER NOT NULL,
		phase TEXT NOT NULL,
		outcome TEXT,
		reason TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS attempts (
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		exit_code INTEGER,
		category TEXT,
		container_ref TEXT,
		reason TEXT,
		PRIMARY KEY (task_id, seq),
		FOREIGN KEY (task_id) REFERENCES runs(task_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_agent ON attempts(agent_id, category);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
