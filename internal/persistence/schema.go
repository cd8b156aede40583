package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is bumped whenever the table layout changes. Load refuses
// snapshots written by a newer layout.
const schemaVersion = 1

// initSchema creates all required tables if they don't exist and stamps
// the schema version.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		target TEXT,
		status INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		error_context TEXT,
		result TEXT,
		reactivations INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS phase_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phase TEXT NOT NULL,
		outcome INTEGER NOT NULL,
		at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS loop_state (
		task_id TEXT PRIMARY KEY,
		level INTEGER NOT NULL,
		last_signatures TEXT,
		recent_actions TEXT,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return s.checkVersion(ctx)
}

// checkVersion stamps a fresh database and rejects one written by a newer
// schema.
func (s *SQLiteStore) checkVersion(ctx context.Context) error {
	var stored int
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if stored > schemaVersion {
		return fmt.Errorf("snapshot schema version %d is newer than supported %d", stored, schemaVersion)
	}
	return nil
}
