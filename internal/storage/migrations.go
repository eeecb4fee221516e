package storage

import (
	"context"
	"fmt"

	logx "nagbot/pkg/logx"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "users and tasks",
		SQL: `
CREATE TABLE users (
    id              INTEGER PRIMARY KEY,
    chat_id         INTEGER NOT NULL,
    username        TEXT,
    timezone        TEXT NOT NULL DEFAULT 'UTC',
    quiet_start     TEXT NOT NULL DEFAULT '',
    quiet_end       TEXT NOT NULL DEFAULT '',
    default_profile TEXT NOT NULL DEFAULT 'standard',
    created_at      INTEGER NOT NULL
);

CREATE TABLE tasks (
    id             TEXT PRIMARY KEY,
    user_id        INTEGER NOT NULL,
    title          TEXT NOT NULL,
    description    TEXT,
    amount         REAL,
    currency       TEXT,
    due_at         INTEGER NOT NULL,
    rrule          TEXT,
    profile        TEXT,
    custom_profile TEXT,
    status         TEXT NOT NULL CHECK (status IN ('active', 'snoozed', 'done', 'archived', 'skipped')),
    next_fire_at   INTEGER,
    snoozed_until  INTEGER,
    last_nagged_at INTEGER,
    nag_count      INTEGER NOT NULL DEFAULT 0,
    version        INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,

    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX idx_tasks_fire ON tasks(next_fire_at) WHERE status IN ('active', 'snoozed');
CREATE INDEX idx_tasks_user ON tasks(user_id, status);
`,
	},
	{
		Version:     2,
		Description: "audit records: nags, snoozes, completions",
		SQL: `
CREATE TABLE nag_records (
    id         INTEGER PRIMARY KEY,
    task_id    TEXT NOT NULL,
    sent_at    INTEGER NOT NULL,
    tier       TEXT NOT NULL,
    nag_count  INTEGER NOT NULL,
    delivered  INTEGER NOT NULL DEFAULT 0,
    message_id INTEGER NOT NULL DEFAULT 0,

    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX idx_nag_records_task ON nag_records(task_id, sent_at DESC);

CREATE TABLE snooze_records (
    id          INTEGER PRIMARY KEY,
    task_id     TEXT NOT NULL,
    at          INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,

    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX idx_snooze_records_task ON snooze_records(task_id);

CREATE TABLE completion_records (
    id      INTEGER PRIMARY KEY,
    task_id TEXT NOT NULL,
    at      INTEGER NOT NULL,
    due_at  INTEGER NOT NULL,

    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX idx_completion_records_task ON completion_records(task_id);
`,
	},
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		s.log.Info("migration applied", logx.Int("version", m.Version), logx.String("desc", m.Description))
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
