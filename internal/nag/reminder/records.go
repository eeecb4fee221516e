package reminder

import (
	"time"

	"nagbot/internal/nag/quiet"
)

// NagRecord is the audit entry written for every fired nag.
type NagRecord struct {
	ID        int64
	TaskID    string
	SentAt    time.Time
	Tier      string
	NagCount  int
	Delivered bool
	// MessageID is the chat message that carried the nag, 0 when the
	// delivery failed.
	MessageID int64
}

type SnoozeRecord struct {
	TaskID   string
	At       time.Time
	Duration time.Duration
}

// CompletionRecord credits a Done on a task; skips are not credited.
type CompletionRecord struct {
	TaskID string
	At     time.Time
	DueAt  time.Time
}

// User is the owner of tasks. The engine only reads it.
type User struct {
	ID             int64
	ChatID         int64
	Username       string
	Timezone       string
	QuietStart     string
	QuietEnd       string
	DefaultProfile string
	CreatedAt      time.Time
}

// Schedule resolves the user's quiet-hours schedule. On error the returned
// schedule is still usable (UTC and/or no quiet window).
func (u User) Schedule() (quiet.Schedule, error) {
	return quiet.Load(u.Timezone, u.QuietStart, u.QuietEnd)
}

// Location returns the user's zone, UTC when unknown.
func (u User) Location() *time.Location {
	s, _ := u.Schedule()
	return s.Location()
}
