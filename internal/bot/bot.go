// Package bot implements the chat command surface: structured commands for
// managing reminders and the callbacks behind the nag buttons.
package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/heartbeat"
	"nagbot/internal/nag/recurrence"
	"nagbot/internal/nag/reminder"
	"nagbot/internal/storage"
	"nagbot/internal/tasks"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
)

// Store is the read and settings side of persistence.
type Store interface {
	EnsureUser(ctx context.Context, id, chatID int64, username string, def storage.UserDefaults, now time.Time) (reminder.User, bool, error)
	UpdateUserSettings(ctx context.Context, id int64, in storage.UserSettings) (reminder.User, error)
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]reminder.Task, error)
	Stats(ctx context.Context, userID int64, now time.Time) (storage.Stats, error)
}

// Status feeds /status.
type Status interface {
	Healthy() bool
	ConsecutiveFailures() int
}

type Bot struct {
	store    Store
	tasks    *tasks.Service
	profiles *escalation.Registry
	clock    heartbeat.Clock
	log      logx.Logger

	mu        sync.RWMutex
	defaults  storage.UserDefaults
	status    Status
	startedAt time.Time
}

func New(store Store, svc *tasks.Service, profiles *escalation.Registry, clock heartbeat.Clock, defaults storage.UserDefaults, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = heartbeat.SystemClock{}
	}
	return &Bot{
		store:     store,
		tasks:     svc,
		profiles:  profiles,
		clock:     clock,
		log:       log,
		defaults:  defaults,
		startedAt: clock.Now(),
	}
}

// SetDefaults changes the settings given to new users (config reload).
func (b *Bot) SetDefaults(d storage.UserDefaults) {
	b.mu.Lock()
	b.defaults = d
	b.mu.Unlock()
}

// SetStatus wires the heartbeat health signal into /status.
func (b *Bot) SetStatus(s Status) { b.status = s }

// Commands lists the chat commands. /help is added by the router.
func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "register and show the welcome", Usage: "/start", Handle: b.cmdStart},
		{Name: "add", Aliases: []string{"new"}, Description: "create a reminder", Usage: "/add <YYYY-MM-DD HH:MM> <title> [| RRULE]", Access: router.AccessAllowed, Handle: b.cmdAdd},
		{Name: "list", Aliases: []string{"ls"}, Description: "open reminders", Usage: "/list [page]", Access: router.AccessAllowed, Handle: b.cmdList},
		{Name: "upcoming", Description: "reminders due in the next 7 days", Usage: "/upcoming", Access: router.AccessAllowed, Handle: b.cmdUpcoming},
		{Name: "done", Description: "mark a reminder done", Usage: "/done <id>", Access: router.AccessAllowed, Handle: b.cmdDone},
		{Name: "snooze", Description: "silence a reminder for a while", Usage: "/snooze <id> [duration]", Access: router.AccessAllowed, Handle: b.cmdSnooze},
		{Name: "skip", Description: "skip this occurrence of a recurring reminder", Usage: "/skip <id>", Access: router.AccessAllowed, Handle: b.cmdSkip},
		{Name: "archive", Description: "stop nagging without completing", Usage: "/archive <id>", Access: router.AccessAllowed, Handle: b.cmdArchive},
		{Name: "delete", Aliases: []string{"rm"}, Description: "delete a reminder and its history", Usage: "/delete <id>", Access: router.AccessAllowed, Handle: b.cmdDelete},
		{Name: "settings", Description: "show your settings", Usage: "/settings", Access: router.AccessAllowed, Handle: b.cmdSettings},
		{Name: "timezone", Aliases: []string{"tz"}, Description: "show or set your timezone", Usage: "/timezone [Area/City]", Access: router.AccessAllowed, Handle: b.cmdTimezone},
		{Name: "quiet", Description: "show or set quiet hours", Usage: "/quiet [HH:MM HH:MM | off]", Access: router.AccessAllowed, Handle: b.cmdQuiet},
		{Name: "escalation", Aliases: []string{"profile"}, Description: "show or set your escalation profile", Usage: "/escalation [profile]", Access: router.AccessAllowed, Handle: b.cmdEscalation},
		{Name: "stats", Description: "your reminder statistics", Usage: "/stats", Access: router.AccessAllowed, Handle: b.cmdStats},
		{Name: "status", Description: "service health", Usage: "/status", Access: router.AccessAllowed, Hidden: true, Handle: b.cmdStatus},
	}
}

// Callbacks lists the nag button handlers.
func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Action: "done", Access: router.AccessAllowed, Handle: b.cbDone},
		{Action: "snooze", Access: router.AccessAllowed, Handle: b.cbSnooze},
		{Action: "skip", Access: router.AccessAllowed, Handle: b.cbSkip},
	}
}

// user loads (or registers) the sender. Every request refreshes the chat
// binding so nags follow the user to the chat they last wrote from.
func (b *Bot) user(ctx context.Context, req *router.Request) (reminder.User, bool, error) {
	b.mu.RLock()
	def := b.defaults
	b.mu.RUnlock()
	return b.store.EnsureUser(ctx, req.FromID, req.Chat.ChatID, req.FromUsername, def, b.clock.Now())
}

// parseDuration accepts Go durations ("90m", "2h30m"), whole days ("2d")
// and bare minutes ("45").
func parseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// userMessage turns an error into something fit for chat. ok is false for
// internal failures, which the caller should also return for logging.
func userMessage(err error) (msg string, ok bool) {
	var cfgErr *escalation.ConfigError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "Reminder not found.", true
	case errors.Is(err, storage.ErrAmbiguous):
		return "That id matches several reminders; type more of it.", true
	case errors.Is(err, reminder.ErrNotRecurring):
		return "Only recurring reminders can be skipped.", true
	case errors.Is(err, reminder.ErrInvalidTransition):
		return "That reminder is already closed.", true
	case errors.Is(err, reminder.ErrVersionConflict):
		return "That reminder just changed, try again.", true
	case errors.As(err, &cfgErr):
		return "Unknown escalation profile. See /escalation.", true
	case errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, tasks.ErrEmptyTitle),
		errors.Is(err, tasks.ErrTitleTooLong),
		errors.Is(err, tasks.ErrDescTooLong),
		errors.Is(err, tasks.ErrTooManyTasks),
		errors.Is(err, tasks.ErrInvalidDuration):
		return capitalize(err.Error()) + ".", true
	}
	return "Something went wrong, please try again later.", false
}

// replyErr reports err to the chat and returns it when it was not the
// user's fault.
func replyErr(ctx context.Context, req *router.Request, err error) error {
	msg, ok := userMessage(err)
	_ = req.Reply(ctx, msg)
	if ok {
		return nil
	}
	return err
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// clampPage parses the optional page argument.
func clampPage(args []string, pages int) int {
	p := 1
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			p = n
		}
	}
	return max(1, min(p, max(pages, 1)))
}
