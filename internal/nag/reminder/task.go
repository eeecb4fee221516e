// Package reminder holds the task model and its state machine.
//
// Transitions are value-receiver methods: they return a new Task plus the
// audit records to append and never mutate the receiver, so a failed persist
// leaves the caller's copy intact.
package reminder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/quiet"
	"nagbot/internal/nag/recurrence"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusSnoozed  Status = "snoozed"
	StatusDone     Status = "done"
	StatusArchived Status = "archived"
	StatusSkipped  Status = "skipped"
)

// Scheduled reports whether tasks in this status carry a next fire instant.
func (s Status) Scheduled() bool { return s == StatusActive || s == StatusSnoozed }

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSnoozed, StatusDone, StatusArchived, StatusSkipped:
		return true
	}
	return false
}

// ParseStatus accepts the lowercase status names.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("reminder: unknown status %q", s)
	}
	return st, nil
}

// Task is a reminder. All instants are UTC.
type Task struct {
	ID          string
	UserID      int64
	Title       string
	Description string
	Amount      *float64
	Currency    string

	DueAt   time.Time
	Rule    recurrence.Rule
	Profile escalation.Ref

	Status       Status
	NextFireAt   *time.Time
	SnoozedUntil *time.Time
	LastNaggedAt *time.Time
	NagCount     int

	// Version is bumped by the store on every save and used as an
	// optimistic lock.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRecurring reports whether the task rolls forward on completion.
func (t Task) IsRecurring() bool { return !t.Rule.IsZero() }

// ShortID is the prefix shown in chat and accepted by commands.
func (t Task) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// Validate checks the structural invariants of a task.
func (t Task) Validate() error {
	var errs []error
	if strings.TrimSpace(t.ID) == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if strings.TrimSpace(t.Title) == "" {
		errs = append(errs, errors.New("missing title"))
	}
	if t.DueAt.IsZero() {
		errs = append(errs, errors.New("missing due time"))
	}
	if !t.Status.Valid() {
		errs = append(errs, fmt.Errorf("invalid status %q", t.Status))
	}
	if t.Status.Scheduled() != (t.NextFireAt != nil) {
		errs = append(errs, fmt.Errorf("status %s with next fire %v", t.Status, t.NextFireAt))
	}
	if t.Status == StatusSnoozed {
		if t.SnoozedUntil == nil || t.NextFireAt == nil || !t.SnoozedUntil.Equal(*t.NextFireAt) {
			errs = append(errs, errors.New("snoozed task must fire at snoozed_until"))
		}
	} else if t.SnoozedUntil != nil {
		errs = append(errs, fmt.Errorf("snoozed_until set on %s task", t.Status))
	}
	if t.NagCount < 0 {
		errs = append(errs, errors.New("negative nag count"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reminder %s: %w", t.ID, err)
	}
	return nil
}

// Draft carries the caller-supplied fields of a new task.
type Draft struct {
	ID          string
	UserID      int64
	Title       string
	Description string
	Amount      *float64
	Currency    string
	DueAt       time.Time
	Rule        recurrence.Rule
	Profile     escalation.Ref
}

// New creates an active task whose first fire is the moment the profile's
// first tier begins (or now), pushed out of quiet hours. Recurring rules are
// anchored at the due instant so the nominal day of month survives clamping.
func New(d Draft, now time.Time, pol Policy) (Task, error) {
	now = now.UTC()
	due := d.DueAt.UTC()
	t := Task{
		ID:          strings.TrimSpace(d.ID),
		UserID:      d.UserID,
		Title:       strings.TrimSpace(d.Title),
		Description: strings.TrimSpace(d.Description),
		Amount:      d.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(d.Currency)),
		DueAt:       due,
		Rule:        d.Rule.Anchored(due),
		Profile:     d.Profile,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	next := pol.Quiet.Adjust(escalation.StartAt(pol.Profile, now, due))
	t.NextFireAt = &next
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Policy is the resolved scheduling context for one task.
type Policy struct {
	Profile escalation.Profile
	Quiet   quiet.Schedule
}

func ptr(t time.Time) *time.Time { return &t }
