// Package heartbeat drives the nag cycle: a periodic tick fetches tasks whose
// next fire instant has passed, fires them through the state machine,
// delivers the nag and persists the outcome. The Reconciler repairs fire
// times left stale by downtime before the first tick.
package heartbeat

import (
	"context"
	"time"

	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/reminder"
)

// Store is the persistence contract the heartbeat needs.
//
// FetchDueTasks returns active or snoozed tasks with next fire <= now, oldest
// first. SaveTask persists a task guarded by its Version and returns the
// stored copy (with the bumped version); a lost race is reported as
// reminder.ErrVersionConflict.
type Store interface {
	FetchDueTasks(ctx context.Context, now time.Time) ([]reminder.Task, error)
	FetchStaleTasks(ctx context.Context, now time.Time) ([]reminder.Task, error)
	SaveTask(ctx context.Context, t reminder.Task) (reminder.Task, error)
	AppendNagRecord(ctx context.Context, rec reminder.NagRecord) error
	User(ctx context.Context, id int64) (reminder.User, error)
}

// Nag is everything a notifier needs to render one reminder message.
type Nag struct {
	Task reminder.Task
	User reminder.User
	Tier escalation.Tier
	// Level is the tier's position in its profile, 0 = least aggressive.
	Level int
	At    time.Time
}

// Overdue reports whether the task's due instant has passed.
func (n Nag) Overdue() bool { return n.At.After(n.Task.DueAt) }

// Receipt identifies a delivered message.
type Receipt struct {
	MessageID int64
}

type Notifier interface {
	Send(ctx context.Context, n Nag) (Receipt, error)
}

type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
