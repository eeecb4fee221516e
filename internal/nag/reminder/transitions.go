package reminder

import (
	"errors"
	"fmt"
	"time"

	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/recurrence"
)

var (
	ErrInvalidTransition = errors.New("reminder: invalid transition")
	ErrNotRecurring      = errors.New("reminder: task is not recurring")
	ErrInvalidSnooze     = errors.New("reminder: snooze duration must be positive")

	// ErrVersionConflict is returned by stores when a save lost an
	// optimistic-lock race with another writer.
	ErrVersionConflict = errors.New("reminder: task modified concurrently")
)

// TransitionError reports a transition attempted from a status that does not
// allow it.
type TransitionError struct {
	Op   string
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("reminder: cannot %s a %s task", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Outcome is the result of a transition: the new task value and whatever
// records the caller must append alongside it.
type Outcome struct {
	Task Task

	Nag        *NagRecord
	Tier       escalation.Tier
	Snooze     *SnoozeRecord
	Completion *CompletionRecord

	// Rolled is set when a recurring task advanced to its next occurrence.
	Rolled bool
	// Exhausted is set when a recurring series had no further occurrence.
	Exhausted bool

	stale bool
}

// StaleNag reports whether the last nag message sent for the task no longer
// reflects its state (the task left the nag cycle or was snoozed after being
// nagged) and should be updated by the notifier.
func (o Outcome) StaleNag() bool { return o.stale }

func (t Task) requireScheduled(op string) error {
	if !t.Status.Scheduled() {
		return &TransitionError{Op: op, From: t.Status}
	}
	return nil
}

// Fire records a nag at now. Snoozed tasks whose snooze expired go back to
// active; escalation resumes from the tier matching the current delta.
func (t Task) Fire(now time.Time, pol Policy) (Outcome, error) {
	if err := t.requireScheduled("nag"); err != nil {
		return Outcome{}, err
	}
	now = now.UTC()
	tier, idx := escalation.SelectTier(pol.Profile, now, t.DueAt)
	if idx < 0 {
		return Outcome{}, fmt.Errorf("reminder %s: %w", t.ID, escalation.ErrConfiguration)
	}
	next := pol.Quiet.Adjust(escalation.NextFire(pol.Profile, now, t.DueAt, idx)).UTC()

	n := t
	n.Status = StatusActive
	n.SnoozedUntil = nil
	n.NagCount = t.NagCount + 1
	n.LastNaggedAt = ptr(now)
	n.NextFireAt = ptr(next)
	n.UpdatedAt = now

	return Outcome{
		Task: n,
		Tier: tier,
		Nag: &NagRecord{
			TaskID:   t.ID,
			SentAt:   now,
			Tier:     tier.Name,
			NagCount: n.NagCount,
		},
	}, nil
}

// Snooze silences the task until now+d without resetting the nag counter.
func (t Task) Snooze(now time.Time, d time.Duration) (Outcome, error) {
	if d <= 0 {
		return Outcome{}, ErrInvalidSnooze
	}
	if err := t.requireScheduled("snooze"); err != nil {
		return Outcome{}, err
	}
	now = now.UTC()
	until := now.Add(d)

	n := t
	n.Status = StatusSnoozed
	n.SnoozedUntil = ptr(until)
	n.NextFireAt = ptr(until)
	n.UpdatedAt = now

	return Outcome{
		Task:   n,
		Snooze: &SnoozeRecord{TaskID: t.ID, At: now, Duration: d},
		stale:  t.LastNaggedAt != nil,
	}, nil
}

// Complete marks the current occurrence done. One-shot tasks become done;
// recurring tasks roll forward to their next occurrence and stay active, or
// become done when the series is exhausted.
func (t Task) Complete(now time.Time, pol Policy) (Outcome, error) {
	if err := t.requireScheduled("complete"); err != nil {
		return Outcome{}, err
	}
	now = now.UTC()
	out := Outcome{
		Completion: &CompletionRecord{TaskID: t.ID, At: now, DueAt: t.DueAt},
		stale:      t.LastNaggedAt != nil,
	}
	if t.IsRecurring() {
		if n, ok := t.rollForward(now, pol); ok {
			out.Task, out.Rolled = n, true
			return out, nil
		}
		out.Exhausted = true
	}
	out.Task = t.retire(StatusDone, now)
	return out, nil
}

// Skip advances a recurring task to its next occurrence without crediting a
// completion. When the series is exhausted the task ends as skipped.
func (t Task) Skip(now time.Time, pol Policy) (Outcome, error) {
	if !t.IsRecurring() {
		return Outcome{}, ErrNotRecurring
	}
	if err := t.requireScheduled("skip"); err != nil {
		return Outcome{}, err
	}
	now = now.UTC()
	out := Outcome{stale: t.LastNaggedAt != nil}
	if n, ok := t.rollForward(now, pol); ok {
		out.Task, out.Rolled = n, true
		return out, nil
	}
	out.Exhausted = true
	out.Task = t.retire(StatusSkipped, now)
	return out, nil
}

// Archive takes the task out of circulation from any status but archived.
func (t Task) Archive(now time.Time) (Outcome, error) {
	if t.Status == StatusArchived {
		return Outcome{}, &TransitionError{Op: "archive", From: t.Status}
	}
	now = now.UTC()
	n := t
	n.Status = StatusArchived
	n.NextFireAt = nil
	n.SnoozedUntil = nil
	n.UpdatedAt = now
	return Outcome{Task: n, stale: t.Status.Scheduled() && t.LastNaggedAt != nil}, nil
}

// Reschedule moves the next fire instant of a scheduled task to at. A snoozed
// task keeps its snooze in step so the invariants hold. It is used to repair
// stale fire times after downtime and to defer fires out of quiet hours; the
// nag counter is untouched.
func (t Task) Reschedule(at, now time.Time) (Task, error) {
	if err := t.requireScheduled("reschedule"); err != nil {
		return Task{}, err
	}
	at = at.UTC()
	n := t
	n.NextFireAt = ptr(at)
	if n.Status == StatusSnoozed {
		n.SnoozedUntil = ptr(at)
	}
	n.UpdatedAt = now.UTC()
	return n, nil
}

func (t Task) rollForward(now time.Time, pol Policy) (Task, bool) {
	due, ok := recurrence.NextOccurrence(t.Rule, t.DueAt)
	if !ok {
		return Task{}, false
	}
	next := pol.Quiet.Adjust(escalation.StartAt(pol.Profile, now, due)).UTC()

	n := t
	n.DueAt = due
	n.Status = StatusActive
	n.NagCount = 0
	n.LastNaggedAt = nil
	n.SnoozedUntil = nil
	n.NextFireAt = ptr(next)
	n.UpdatedAt = now
	return n, true
}

func (t Task) retire(status Status, now time.Time) Task {
	n := t
	n.Status = status
	n.NagCount = 0
	n.NextFireAt = nil
	n.SnoozedUntil = nil
	n.UpdatedAt = now
	return n
}
