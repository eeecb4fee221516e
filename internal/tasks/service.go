// Package tasks applies user-initiated transitions to reminders: it loads
// the task and its owner, resolves the scheduling policy, runs the state
// machine, persists the result with its audit records and rewrites the nag
// message the transition made stale.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/heartbeat"
	"nagbot/internal/nag/reminder"
	"nagbot/internal/notifier"
	"nagbot/internal/storage"
	logx "nagbot/pkg/logx"
)

var (
	ErrEmptyTitle      = errors.New("title is empty")
	ErrTitleTooLong    = errors.New("title is too long")
	ErrDescTooLong     = errors.New("description is too long")
	ErrTooManyTasks    = errors.New("too many open tasks")
	ErrInvalidDuration = errors.New("duration must be positive")
)

// Store is the persistence the service needs; *storage.Store satisfies it.
type Store interface {
	User(ctx context.Context, id int64) (reminder.User, error)
	CreateTask(ctx context.Context, t reminder.Task) (reminder.Task, error)
	SaveTask(ctx context.Context, t reminder.Task) (reminder.Task, error)
	FindTask(ctx context.Context, userID int64, prefix string) (reminder.Task, error)
	DeleteTask(ctx context.Context, id string) error
	CountOpenTasks(ctx context.Context, userID int64) (int, error)
	AppendSnoozeRecord(ctx context.Context, rec reminder.SnoozeRecord) error
	AppendCompletionRecord(ctx context.Context, rec reminder.CompletionRecord) error
	LastNagRecord(ctx context.Context, taskID string) (reminder.NagRecord, error)
}

// StaleMarker rewrites a delivered nag; *notifier.Service satisfies it.
type StaleMarker interface {
	MarkStale(ctx context.Context, chatID, messageID int64, text string) error
}

type Limits struct {
	MaxOpenTasks int
	MaxTitle     int
	MaxDesc      int
}

func (l Limits) withDefaults() Limits {
	if l.MaxOpenTasks <= 0 {
		l.MaxOpenTasks = 500
	}
	if l.MaxTitle <= 0 {
		l.MaxTitle = 200
	}
	if l.MaxDesc <= 0 {
		l.MaxDesc = 1000
	}
	return l
}

type Service struct {
	store    Store
	profiles *escalation.Registry
	marker   StaleMarker
	clock    heartbeat.Clock
	limits   Limits
	log      logx.Logger
}

func New(store Store, profiles *escalation.Registry, marker StaleMarker, clock heartbeat.Clock, limits Limits, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = heartbeat.SystemClock{}
	}
	return &Service{
		store:    store,
		profiles: profiles,
		marker:   marker,
		clock:    clock,
		limits:   limits.withDefaults(),
		log:      log,
	}
}

// Result describes an applied transition.
type Result struct {
	Before  reminder.Task
	Task    reminder.Task // as saved
	Outcome reminder.Outcome
}

// Policy resolves the scheduling context of t for owner u. Unlike the
// heartbeat, a bad profile here is reported to the caller.
func (s *Service) Policy(t reminder.Task, u reminder.User) (reminder.Policy, error) {
	sched, err := u.Schedule()
	if err != nil {
		return reminder.Policy{}, err
	}
	prof, err := s.profiles.Resolve(t.Profile, u.DefaultProfile)
	if err != nil {
		return reminder.Policy{}, err
	}
	return reminder.Policy{Profile: prof, Quiet: sched}, nil
}

// Create validates d against the per-user limits and stores a new active
// task.
func (s *Service) Create(ctx context.Context, d reminder.Draft) (reminder.Task, error) {
	d.Title = strings.TrimSpace(d.Title)
	switch {
	case d.Title == "":
		return reminder.Task{}, ErrEmptyTitle
	case utf8.RuneCountInString(d.Title) > s.limits.MaxTitle:
		return reminder.Task{}, fmt.Errorf("%w (max %d characters)", ErrTitleTooLong, s.limits.MaxTitle)
	case utf8.RuneCountInString(d.Description) > s.limits.MaxDesc:
		return reminder.Task{}, fmt.Errorf("%w (max %d characters)", ErrDescTooLong, s.limits.MaxDesc)
	}

	u, err := s.store.User(ctx, d.UserID)
	if err != nil {
		return reminder.Task{}, err
	}
	open, err := s.store.CountOpenTasks(ctx, d.UserID)
	if err != nil {
		return reminder.Task{}, err
	}
	if open >= s.limits.MaxOpenTasks {
		return reminder.Task{}, fmt.Errorf("%w (max %d)", ErrTooManyTasks, s.limits.MaxOpenTasks)
	}

	pol, err := s.Policy(reminder.Task{Profile: d.Profile}, u)
	if err != nil {
		return reminder.Task{}, err
	}
	t, err := reminder.New(d, s.clock.Now(), pol)
	if err != nil {
		return reminder.Task{}, err
	}
	saved, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return reminder.Task{}, err
	}
	s.log.Info("task created",
		logx.String("task_id", saved.ID),
		logx.Int64("user_id", saved.UserID),
		logx.Time("due_at", saved.DueAt),
		logx.Bool("recurring", saved.IsRecurring()),
	)
	return saved, nil
}

// Find resolves a task of userID by id or unique id prefix.
func (s *Service) Find(ctx context.Context, userID int64, ref string) (reminder.Task, error) {
	return s.store.FindTask(ctx, userID, ref)
}

// Done completes the task. origin is the chat message the request came from
// (0 for commands); it loses its buttons along with the last nag.
func (s *Service) Done(ctx context.Context, userID int64, ref string, origin int64) (Result, error) {
	return s.apply(ctx, userID, ref, origin, "done",
		func(t reminder.Task, pol reminder.Policy, now time.Time) (reminder.Outcome, error) {
			return t.Complete(now, pol)
		},
		func(r Result, u reminder.User) string {
			var next *reminder.Task
			if r.Outcome.Rolled {
				next = &r.Task
			}
			return notifier.CompletedText(r.Before.Title, next, u.Location())
		})
}

func (s *Service) Skip(ctx context.Context, userID int64, ref string, origin int64) (Result, error) {
	return s.apply(ctx, userID, ref, origin, "skip",
		func(t reminder.Task, pol reminder.Policy, now time.Time) (reminder.Outcome, error) {
			return t.Skip(now, pol)
		},
		func(r Result, u reminder.User) string {
			var next *reminder.Task
			if r.Outcome.Rolled {
				next = &r.Task
			}
			return notifier.SkippedText(r.Before.Title, next, u.Location())
		})
}

func (s *Service) Snooze(ctx context.Context, userID int64, ref string, d time.Duration, origin int64) (Result, error) {
	if d <= 0 {
		return Result{}, ErrInvalidDuration
	}
	return s.apply(ctx, userID, ref, origin, "snooze",
		func(t reminder.Task, _ reminder.Policy, now time.Time) (reminder.Outcome, error) {
			return t.Snooze(now, d)
		},
		func(r Result, _ reminder.User) string {
			return notifier.SnoozedText(r.Before.Title, d)
		})
}

func (s *Service) Archive(ctx context.Context, userID int64, ref string, origin int64) (Result, error) {
	return s.apply(ctx, userID, ref, origin, "archive",
		func(t reminder.Task, _ reminder.Policy, now time.Time) (reminder.Outcome, error) {
			return t.Archive(now)
		},
		func(r Result, _ reminder.User) string {
			return notifier.ArchivedText(r.Before.Title)
		})
}

// Delete removes the task and its audit trail. A live nag is rewritten
// first since its record goes with the task.
func (s *Service) Delete(ctx context.Context, userID int64, ref string) (reminder.Task, error) {
	t, err := s.store.FindTask(ctx, userID, ref)
	if err != nil {
		return reminder.Task{}, err
	}
	if t.Status.Scheduled() && t.LastNaggedAt != nil {
		if u, err := s.store.User(ctx, userID); err == nil {
			s.markStale(ctx, t, u, 0, "🗑 <b>Deleted:</b> <s>"+html.EscapeString(t.Title)+"</s>")
		}
	}
	if err := s.store.DeleteTask(ctx, t.ID); err != nil {
		return reminder.Task{}, err
	}
	s.log.Info("task deleted", logx.String("task_id", t.ID), logx.Int64("user_id", userID))
	return t, nil
}

type transition func(t reminder.Task, pol reminder.Policy, now time.Time) (reminder.Outcome, error)

// saveAttempts bounds retries after losing an optimistic-lock race, usually
// to a heartbeat tick firing the same task.
const saveAttempts = 3

func (s *Service) apply(ctx context.Context, userID int64, ref string, origin int64, op string, fn transition, staleText func(Result, reminder.User) string) (Result, error) {
	u, err := s.store.User(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	log := s.log.With(logx.String("op", op), logx.Int64("user_id", userID))

	var res Result
	for attempt := 1; ; attempt++ {
		t, err := s.store.FindTask(ctx, userID, ref)
		if err != nil {
			return Result{}, err
		}
		pol, err := s.Policy(t, u)
		if err != nil {
			// a broken profile must not trap the user in a task they
			// cannot finish
			log.Warn("bad policy; using default profile", logx.String("task_id", t.ID), logx.Err(err))
			sched, _ := u.Schedule()
			pol = reminder.Policy{Profile: s.profiles.Default(), Quiet: sched}
		}
		out, err := fn(t, pol, s.clock.Now())
		if err != nil {
			return Result{}, err
		}
		saved, err := s.store.SaveTask(ctx, out.Task)
		if errors.Is(err, storage.ErrConflict) && attempt < saveAttempts {
			log.Debug("save conflict; retrying", logx.String("task_id", t.ID), logx.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return Result{}, err
		}
		res = Result{Before: t, Task: saved, Outcome: out}
		break
	}

	s.appendRecords(ctx, log, res.Outcome)
	if res.Outcome.StaleNag() || origin != 0 {
		s.markStale(ctx, res.Before, u, origin, staleText(res, u))
	}
	log.Info("task updated",
		logx.String("task_id", res.Task.ID),
		logx.String("from", string(res.Before.Status)),
		logx.String("to", string(res.Task.Status)),
		logx.Bool("rolled", res.Outcome.Rolled),
	)
	return res, nil
}

// appendRecords writes the audit trail. The transition is already saved, so
// failures are logged rather than returned.
func (s *Service) appendRecords(ctx context.Context, log logx.Logger, out reminder.Outcome) {
	if out.Snooze != nil {
		if err := s.store.AppendSnoozeRecord(ctx, *out.Snooze); err != nil {
			log.Warn("snooze record not written", logx.Err(err))
		}
	}
	if out.Completion != nil {
		if err := s.store.AppendCompletionRecord(ctx, *out.Completion); err != nil {
			log.Warn("completion record not written", logx.Err(err))
		}
	}
}

// markStale rewrites the last delivered nag of t and, when different, the
// message the request came from.
func (s *Service) markStale(ctx context.Context, t reminder.Task, u reminder.User, origin int64, text string) {
	if s.marker == nil {
		return
	}
	var last int64
	if t.LastNaggedAt != nil {
		rec, err := s.store.LastNagRecord(ctx, t.ID)
		switch {
		case err == nil:
			last = rec.MessageID
		case !errors.Is(err, storage.ErrNotFound):
			s.log.Warn("last nag lookup failed", logx.String("task_id", t.ID), logx.Err(err))
		}
	}
	ids := make([]int64, 0, 2)
	if last != 0 {
		ids = append(ids, last)
	}
	if origin != 0 && origin != last {
		ids = append(ids, origin)
	}
	for _, id := range ids {
		if err := s.marker.MarkStale(ctx, u.ChatID, id, text); err != nil {
			s.log.Debug("stale nag not updated", logx.String("task_id", t.ID), logx.Int64("message_id", id), logx.Err(err))
		}
	}
}
