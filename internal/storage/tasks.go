package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/recurrence"
	"nagbot/internal/nag/reminder"
	logx "nagbot/pkg/logx"
)

const taskColumns = `id, user_id, title, COALESCE(description, ''), amount, COALESCE(currency, ''),
	due_at, COALESCE(rrule, ''), COALESCE(profile, ''), COALESCE(custom_profile, ''),
	status, next_fire_at, snoozed_until, last_nagged_at, nag_count, version, created_at, updated_at`

// scanTask decodes one row. A rule or inline profile that no longer parses
// is logged and dropped so the row still loads: the task runs as one-shot,
// on its named profile or its user's default, until it is edited or deleted.
func (s *Store) scanTask(row rowScanner) (reminder.Task, error) {
	var (
		t                         reminder.Task
		amount                    sql.NullFloat64
		due, created, updated     int64
		rule, profile, inline, st string
		nextFire, snoozed, nagged sql.NullInt64
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Description, &amount, &t.Currency,
		&due, &rule, &profile, &inline,
		&st, &nextFire, &snoozed, &nagged, &t.NagCount, &t.Version, &created, &updated,
	); err != nil {
		return reminder.Task{}, err
	}
	if amount.Valid {
		v := amount.Float64
		t.Amount = &v
	}
	var err error
	if t.Rule, err = recurrence.Parse(rule); err != nil {
		s.log.Error("task rule unreadable; treating as one-shot",
			logx.String("task", t.ID), logx.String("rrule", rule), logx.Err(err))
		t.Rule = recurrence.Rule{}
	}
	if t.Profile, err = escalation.DecodeRef(profile, inline); err != nil {
		// DecodeRef keeps the plain name, which the policy lookup resolves or
		// replaces with the default.
		s.log.Error("task profile unreadable; using fallback",
			logx.String("task", t.ID), logx.String("profile", t.Profile.String()), logx.Err(err))
	}
	t.Status = reminder.Status(st)
	t.DueAt = fromMillis(due)
	t.NextFireAt = timePtr(nextFire)
	t.SnoozedUntil = timePtr(snoozed)
	t.LastNaggedAt = timePtr(nagged)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]reminder.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func taskArgs(t reminder.Task) ([]any, error) {
	inline, err := t.Profile.EncodeInline()
	if err != nil {
		return nil, err
	}
	var amount any
	if t.Amount != nil {
		amount = *t.Amount
	}
	var profile string
	if t.Profile.Inline == nil {
		profile = t.Profile.Name
	}
	var rule string
	if !t.Rule.IsZero() {
		rule = t.Rule.String()
	}
	return []any{
		t.UserID, t.Title, nullStr(t.Description), amount, nullStr(t.Currency),
		toMillis(t.DueAt), nullStr(rule), nullStr(profile), nullStr(inline),
		string(t.Status), nullMillis(t.NextFireAt), nullMillis(t.SnoozedUntil), nullMillis(t.LastNaggedAt),
		t.NagCount,
	}, nil
}

// CreateTask inserts a new task. The owning user must exist.
func (s *Store) CreateTask(ctx context.Context, t reminder.Task) (reminder.Task, error) {
	if err := t.Validate(); err != nil {
		return reminder.Task{}, err
	}
	args, err := taskArgs(t)
	if err != nil {
		return reminder.Task{}, fmt.Errorf("encode task: %w", err)
	}
	t.Version = 0
	args = append([]any{t.ID}, args...)
	args = append(args, t.Version, toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, title, description, amount, currency,
			due_at, rrule, profile, custom_profile,
			status, next_fire_at, snoozed_until, last_nagged_at, nag_count,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return reminder.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// SaveTask writes every mutable column guarded by the caller's Version.
// It returns ErrConflict when the row moved on since it was read.
func (s *Store) SaveTask(ctx context.Context, t reminder.Task) (reminder.Task, error) {
	if err := t.Validate(); err != nil {
		return reminder.Task{}, err
	}
	args, err := taskArgs(t)
	if err != nil {
		return reminder.Task{}, fmt.Errorf("encode task: %w", err)
	}
	args = append(args, toMillis(t.UpdatedAt), t.ID, t.Version)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			user_id = ?, title = ?, description = ?, amount = ?, currency = ?,
			due_at = ?, rrule = ?, profile = ?, custom_profile = ?,
			status = ?, next_fire_at = ?, snoozed_until = ?, last_nagged_at = ?, nag_count = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return reminder.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
		if err != nil {
			return reminder.Task{}, fmt.Errorf("check task: %w", err)
		}
		if exists == 0 {
			return reminder.Task{}, fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		}
		return reminder.Task{}, fmt.Errorf("task %s at version %d: %w", t.ID, t.Version, ErrConflict)
	}
	t.Version++
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (reminder.Task, error) {
	t, err := s.scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return reminder.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// FindTask resolves a task of userID by id prefix, as typed in chat.
func (s *Store) FindTask(ctx context.Context, userID int64, prefix string) (reminder.Task, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return reminder.Task{}, fmt.Errorf("empty id: %w", ErrNotFound)
	}
	tasks, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND substr(id, 1, ?) = ? LIMIT 2`,
		userID, len(prefix), prefix)
	if err != nil {
		return reminder.Task{}, fmt.Errorf("find task: %w", err)
	}
	switch len(tasks) {
	case 0:
		return reminder.Task{}, fmt.Errorf("task %s: %w", prefix, ErrNotFound)
	case 1:
		return tasks[0], nil
	default:
		return reminder.Task{}, fmt.Errorf("task %s: %w", prefix, ErrAmbiguous)
	}
}

// ListTasks returns tasks ordered by due time.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]reminder.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "due_at < ?")
		args = append(args, toMillis(f.DueBefore))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY due_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	tasks, err := s.queryTasks(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// FetchDueTasks returns scheduled tasks whose next fire is at or before now,
// oldest first.
func (s *Store) FetchDueTasks(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('active', 'snoozed') AND next_fire_at <= ?
		ORDER BY next_fire_at, id`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("fetch due tasks: %w", err)
	}
	return tasks, nil
}

// FetchStaleTasks returns scheduled tasks whose next fire already passed.
func (s *Store) FetchStaleTasks(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('active', 'snoozed') AND next_fire_at < ?
		ORDER BY next_fire_at, id`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("fetch stale tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task and, by cascade, its audit records.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountOpenTasks counts a user's active and snoozed tasks.
func (s *Store) CountOpenTasks(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE user_id = ? AND status IN ('active', 'snoozed')`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}
