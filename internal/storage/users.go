package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nagbot/internal/nag/reminder"
)

// UserDefaults seeds the settings of users created by EnsureUser.
type UserDefaults struct {
	Timezone   string
	QuietStart string
	QuietEnd   string
	Profile    string
}

const userColumns = `id, chat_id, COALESCE(username, ''), timezone, quiet_start, quiet_end, default_profile, created_at`

func scanUser(row rowScanner) (reminder.User, error) {
	var (
		u       reminder.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.ChatID, &u.Username, &u.Timezone, &u.QuietStart, &u.QuietEnd, &u.DefaultProfile, &created); err != nil {
		return reminder.User{}, err
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

// EnsureUser returns the user with id, creating it with defaults on first
// contact. An existing user only has chat id and username refreshed.
func (s *Store) EnsureUser(ctx context.Context, id, chatID int64, username string, def UserDefaults, now time.Time) (reminder.User, bool, error) {
	if strings.TrimSpace(def.Timezone) == "" {
		def.Timezone = "UTC"
	}
	if strings.TrimSpace(def.Profile) == "" {
		def.Profile = "standard"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, chat_id, username, timezone, quiet_start, quiet_end, default_profile, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, chatID, nullStr(username), def.Timezone, def.QuietStart, def.QuietEnd, def.Profile, toMillis(now),
	)
	if err != nil {
		return reminder.User{}, false, fmt.Errorf("insert user: %w", err)
	}
	created := false
	if n, _ := res.RowsAffected(); n > 0 {
		created = true
	} else {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE users SET chat_id = ?, username = COALESCE(?, username) WHERE id = ?`,
			chatID, nullStr(username), id,
		); err != nil {
			return reminder.User{}, false, fmt.Errorf("refresh user: %w", err)
		}
	}
	u, err := s.User(ctx, id)
	return u, created, err
}

func (s *Store) User(ctx context.Context, id int64) (reminder.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return reminder.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UserByChat finds the user bound to a chat.
func (s *Store) UserByChat(ctx context.Context, chatID int64) (reminder.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE chat_id = ? ORDER BY id LIMIT 1`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.User{}, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return reminder.User{}, fmt.Errorf("get user by chat: %w", err)
	}
	return u, nil
}

func (s *Store) UpdateUserSettings(ctx context.Context, id int64, in UserSettings) (reminder.User, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v *string) {
		if v == nil {
			return
		}
		sets = append(sets, col+" = ?")
		args = append(args, strings.TrimSpace(*v))
	}
	add("timezone", in.Timezone)
	add("quiet_start", in.QuietStart)
	add("quiet_end", in.QuietEnd)
	add("default_profile", in.DefaultProfile)
	if len(sets) == 0 {
		return s.User(ctx, id)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return reminder.User{}, fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return reminder.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return s.User(ctx, id)
}

// Users lists every user, used by the CLI.
func (s *Store) Users(ctx context.Context) ([]reminder.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []reminder.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
