package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nagbot/internal/nag/reminder"
)

func (s *Store) AppendNagRecord(ctx context.Context, rec reminder.NagRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nag_records (task_id, sent_at, tier, nag_count, delivered, message_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TaskID, toMillis(rec.SentAt), rec.Tier, rec.NagCount, rec.Delivered, rec.MessageID,
	)
	if err != nil {
		return fmt.Errorf("insert nag record: %w", err)
	}
	return nil
}

const nagColumns = `id, task_id, sent_at, tier, nag_count, delivered, message_id`

func scanNag(row rowScanner) (reminder.NagRecord, error) {
	var (
		r    reminder.NagRecord
		sent int64
	)
	if err := row.Scan(&r.ID, &r.TaskID, &sent, &r.Tier, &r.NagCount, &r.Delivered, &r.MessageID); err != nil {
		return reminder.NagRecord{}, err
	}
	r.SentAt = fromMillis(sent)
	return r, nil
}

// LastNagRecord returns the most recent delivered nag of a task, the message
// a stale-nag edit targets.
func (s *Store) LastNagRecord(ctx context.Context, taskID string) (reminder.NagRecord, error) {
	r, err := scanNag(s.db.QueryRowContext(ctx, `SELECT `+nagColumns+` FROM nag_records
		WHERE task_id = ? AND delivered = 1 AND message_id != 0
		ORDER BY sent_at DESC, id DESC LIMIT 1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.NagRecord{}, fmt.Errorf("nag for %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return reminder.NagRecord{}, fmt.Errorf("last nag record: %w", err)
	}
	return r, nil
}

// NagHistory lists a task's nags, newest first.
func (s *Store) NagHistory(ctx context.Context, taskID string, limit int) ([]reminder.NagRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+nagColumns+` FROM nag_records
		WHERE task_id = ? ORDER BY sent_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("nag history: %w", err)
	}
	defer rows.Close()
	var out []reminder.NagRecord
	for rows.Next() {
		r, err := scanNag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan nag record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendSnoozeRecord(ctx context.Context, rec reminder.SnoozeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snooze_records (task_id, at, duration_ms) VALUES (?, ?, ?)`,
		rec.TaskID, toMillis(rec.At), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert snooze record: %w", err)
	}
	return nil
}

func (s *Store) AppendCompletionRecord(ctx context.Context, rec reminder.CompletionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completion_records (task_id, at, due_at) VALUES (?, ?, ?)`,
		rec.TaskID, toMillis(rec.At), toMillis(rec.DueAt),
	)
	if err != nil {
		return fmt.Errorf("insert completion record: %w", err)
	}
	return nil
}

// Stats aggregates a user's tasks and audit records. Overdue counts scheduled
// tasks whose due instant is before now.
func (s *Store) Stats(ctx context.Context, userID int64, now time.Time) (Stats, error) {
	st := Stats{ByStatus: map[reminder.Status]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("scan status: %w", err)
		}
		st.ByStatus[reminder.Status(status)] = n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("stats by status: %w", err)
	}

	var avgSnoozeMs sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks WHERE user_id = ?1 AND rrule IS NOT NULL),
			(SELECT COUNT(*) FROM tasks WHERE user_id = ?1 AND status IN ('active', 'snoozed') AND due_at < ?2),
			(SELECT COUNT(*) FROM completion_records c JOIN tasks t ON t.id = c.task_id WHERE t.user_id = ?1),
			(SELECT COUNT(*) FROM nag_records n JOIN tasks t ON t.id = n.task_id WHERE t.user_id = ?1),
			(SELECT COUNT(*) FROM nag_records n JOIN tasks t ON t.id = n.task_id WHERE t.user_id = ?1 AND n.delivered = 0),
			(SELECT COUNT(*) FROM snooze_records r JOIN tasks t ON t.id = r.task_id WHERE t.user_id = ?1),
			(SELECT AVG(duration_ms) FROM snooze_records r JOIN tasks t ON t.id = r.task_id WHERE t.user_id = ?1)`,
		userID, toMillis(now),
	).Scan(&st.Recurring, &st.Overdue, &st.Completions, &st.TotalNags, &st.FailedNags, &st.Snoozes, &avgSnoozeMs)
	if err != nil {
		return Stats{}, fmt.Errorf("stats totals: %w", err)
	}
	if avgSnoozeMs.Valid {
		st.AvgSnooze = time.Duration(avgSnoozeMs.Float64) * time.Millisecond
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT t.title, COUNT(*) AS n FROM nag_records r JOIN tasks t ON t.id = r.task_id
		WHERE t.user_id = ? GROUP BY t.id ORDER BY n DESC, t.id LIMIT 1`, userID,
	).Scan(&st.MostNaggedTitle, &st.MostNaggedCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Stats{}, fmt.Errorf("stats most nagged: %w", err)
	}
	return st, nil
}
