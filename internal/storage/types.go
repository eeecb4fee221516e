package storage

import (
	"errors"
	"time"

	"nagbot/internal/nag/reminder"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is the optimistic-lock failure; it matches
	// reminder.ErrVersionConflict under errors.Is.
	ErrConflict = reminder.ErrVersionConflict
	// ErrAmbiguous is returned when a task id prefix matches several tasks.
	ErrAmbiguous = errors.New("storage: ambiguous id prefix")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "memory": private in-memory database, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// TaskFilter narrows ListTasks. Zero fields do not filter.
type TaskFilter struct {
	UserID    int64
	Statuses  []reminder.Status
	DueBefore time.Time
	Limit     int
}

// UserSettings is the user-editable part of a user row. Nil fields are left
// unchanged.
type UserSettings struct {
	Timezone       *string
	QuietStart     *string
	QuietEnd       *string
	DefaultProfile *string
}

// Stats summarises a user's tasks and audit trail.
type Stats struct {
	Total           int
	ByStatus        map[reminder.Status]int
	Recurring       int
	Overdue         int
	Completions     int
	TotalNags       int
	FailedNags      int
	Snoozes         int
	AvgSnooze       time.Duration
	MostNaggedTitle string
	MostNaggedCount int
}
