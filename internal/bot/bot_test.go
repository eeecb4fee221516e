package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/reminder"
	"nagbot/internal/storage"
	"nagbot/internal/tasks"
	kit "nagbot/internal/transport"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
)

var now0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type replies struct {
	mu   sync.Mutex
	msgs []string
}

func (r *replies) Start(context.Context, chan<- kit.Update) error { return nil }
func (r *replies) Stop(context.Context) error                     { return nil }
func (r *replies) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(r.msgs)}, nil
}
func (r *replies) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (r *replies) AnswerCallback(context.Context, string, string) error { return nil }

func (r *replies) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return ""
	}
	return r.msgs[len(r.msgs)-1]
}

type harness struct {
	bot   *Bot
	store *storage.Store
	out   *replies
}

func newHarness(t *testing.T) harness {
	t.Helper()
	st, err := storage.OpenMemory(logx.Nop())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg, err := escalation.NewRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	clock := fixedClock{now0}
	svc := tasks.New(st, reg, nil, clock, tasks.Limits{}, logx.Nop())
	defaults := storage.UserDefaults{Timezone: "UTC", QuietStart: "23:00", QuietEnd: "07:00", Profile: "standard"}
	return harness{bot: New(st, svc, reg, clock, defaults, logx.Nop()), store: st, out: &replies{}}
}

// run invokes a command handler the way the router would.
func (h harness) run(t *testing.T, fn router.HandlerFunc, text string) string {
	t.Helper()
	req := &router.Request{
		Chat:    kit.ChatTarget{ChatID: 900},
		FromID:  9,
		Text:    text,
		Args:    strings.Fields(text),
		Adapter: h.out,
		Logger:  logx.Nop(),
	}
	if err := fn(context.Background(), req); err != nil {
		t.Fatalf("handler(%q): %v", text, err)
	}
	return h.out.last()
}

func (h harness) callback(t *testing.T, fn router.HandlerFunc, payload string) string {
	t.Helper()
	req := &router.Request{
		Chat:      kit.ChatTarget{ChatID: 900},
		FromID:    9,
		Payload:   payload,
		MessageID: 55,
		Adapter:   h.out,
		Logger:    logx.Nop(),
	}
	if err := fn(context.Background(), req); err != nil {
		t.Fatalf("callback(%q): %v", payload, err)
	}
	return req.Answer
}

func (h harness) only(t *testing.T) reminder.Task {
	t.Helper()
	list, err := h.store.ListTasks(context.Background(), storage.TaskFilter{UserID: 9})
	if err != nil || len(list) != 1 {
		t.Fatalf("tasks = %d, %v", len(list), err)
	}
	return list[0]
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"45", 45 * time.Minute, true},
		{"2h", 2 * time.Hour, true},
		{"1h30m", 90 * time.Minute, true},
		{"2d", 48 * time.Hour, true},
		{"", 0, false},
		{"xd", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseDuration(%q) = %s, %v", tt.in, got, err)
		}
	}
}

func TestClampPage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		args  []string
		pages int
		want  int
	}{
		{nil, 3, 1},
		{[]string{"2"}, 3, 2},
		{[]string{"9"}, 3, 3},
		{[]string{"-1"}, 3, 1},
		{[]string{"x"}, 0, 1},
	}
	for _, tt := range tests {
		if got := clampPage(tt.args, tt.pages); got != tt.want {
			t.Errorf("clampPage(%v, %d) = %d, want %d", tt.args, tt.pages, got, tt.want)
		}
	}
}

func TestStartRegistersWithDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, h.bot.cmdStart, ""); !strings.Contains(got, "Welcome") {
		t.Fatalf("reply = %q", got)
	}
	got := h.run(t, h.bot.cmdSettings, "")
	for _, want := range []string{"<code>UTC</code>", "23:00 - 07:00", "standard"} {
		if !strings.Contains(got, want) {
			t.Errorf("settings missing %q:\n%s", want, got)
		}
	}
}

func TestAddListDone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.run(t, h.bot.cmdTimezone, "Asia/Tokyo")

	got := h.run(t, h.bot.cmdAdd, "2026-04-03 09:00 pay rent | FREQ=MONTHLY")
	if !strings.Contains(got, "Reminder created") || !strings.Contains(got, "Apr 03, 2026 at 09:00 AM") {
		t.Fatalf("add reply = %q", got)
	}
	task := h.only(t)
	if want := time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC); !task.DueAt.Equal(want) {
		t.Fatalf("due = %s, want %s (09:00 Tokyo)", task.DueAt, want)
	}

	if got := h.run(t, h.bot.cmdList, ""); !strings.Contains(got, "pay rent") || !strings.Contains(got, task.ShortID()) {
		t.Fatalf("list = %q", got)
	}
	if got := h.run(t, h.bot.cmdUpcoming, ""); !strings.Contains(got, "pay rent") {
		t.Fatalf("upcoming = %q", got)
	}

	got = h.run(t, h.bot.cmdDone, task.ShortID()[:4])
	if !strings.Contains(got, "Completed") || !strings.Contains(got, "Next occurrence: May 03, 2026") {
		t.Fatalf("done = %q", got)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tests := []struct{ text, want string }{
		{"tomorrow rent", "Usage"},
		{"2026-13-01 09:00 rent", "Invalid date"},
		{"2026-05-01 09:00 rent | FREQ=HOURLY", "Recurrence"},
	}
	for _, tt := range tests {
		if got := h.run(t, h.bot.cmdAdd, tt.text); !strings.Contains(got, tt.want) {
			t.Errorf("/add %s = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestSettingsCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, h.bot.cmdTimezone, "Mars/Olympus"); !strings.Contains(got, "Invalid timezone") {
		t.Fatalf("tz = %q", got)
	}
	if got := h.run(t, h.bot.cmdQuiet, "25:00 07:00"); !strings.Contains(got, "Invalid time") {
		t.Fatalf("quiet = %q", got)
	}
	if got := h.run(t, h.bot.cmdQuiet, "22:30 06:00"); !strings.Contains(got, "22:30 - 06:00") {
		t.Fatalf("quiet = %q", got)
	}
	if got := h.run(t, h.bot.cmdQuiet, "off"); !strings.Contains(got, "turned off") {
		t.Fatalf("quiet off = %q", got)
	}
	if got := h.run(t, h.bot.cmdEscalation, "loud"); !strings.Contains(got, "Unknown profile") {
		t.Fatalf("escalation = %q", got)
	}
	if got := h.run(t, h.bot.cmdEscalation, "Gentle"); !strings.Contains(got, "<b>gentle</b>") {
		t.Fatalf("escalation = %q", got)
	}
	if got := h.run(t, h.bot.cmdEscalation, ""); !strings.Contains(got, "aggressive") || !strings.Contains(got, "every 15 minutes") {
		t.Fatalf("profiles = %q", got)
	}
	got := h.run(t, h.bot.cmdSettings, "")
	if !strings.Contains(got, "Quiet hours: off") || !strings.Contains(got, "profile: gentle") {
		t.Fatalf("settings = %q", got)
	}
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, h.bot.cmdDone, ""); !strings.Contains(got, "Usage") {
		t.Fatalf("done = %q", got)
	}
	if got := h.run(t, h.bot.cmdDone, "ffff"); got != "Reminder not found." {
		t.Fatalf("done = %q", got)
	}
	h.run(t, h.bot.cmdAdd, "2026-04-02 09:00 dentist")
	id := h.only(t).ShortID()
	if got := h.run(t, h.bot.cmdSkip, id); !strings.Contains(got, "recurring") {
		t.Fatalf("skip = %q", got)
	}
	if got := h.run(t, h.bot.cmdSnooze, id+" never"); !strings.Contains(got, "Invalid duration") {
		t.Fatalf("snooze = %q", got)
	}
	if got := h.run(t, h.bot.cmdArchive, id); !strings.Contains(got, "Archived") {
		t.Fatalf("archive = %q", got)
	}
	if got := h.run(t, h.bot.cmdArchive, id); !strings.Contains(got, "already closed") {
		t.Fatalf("archive twice = %q", got)
	}
	if got := h.run(t, h.bot.cmdDelete, id); !strings.Contains(got, "Deleted") {
		t.Fatalf("delete = %q", got)
	}
}

func TestCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.run(t, h.bot.cmdAdd, "2026-04-02 09:00 gym | FREQ=WEEKLY")
	id := h.only(t).ID

	if got := h.callback(t, h.bot.cbSnooze, id+":90"); got != "⏸ Snoozed for 1.5 hours" {
		t.Fatalf("snooze answer = %q", got)
	}
	if h.only(t).Status != reminder.StatusSnoozed {
		t.Fatal("not snoozed")
	}
	if got := h.callback(t, h.bot.cbSnooze, id+":x"); got != "Invalid snooze." {
		t.Fatalf("bad snooze answer = %q", got)
	}
	if got := h.callback(t, h.bot.cbSkip, id); !strings.HasPrefix(got, "⏭ Skipped gym") {
		t.Fatalf("skip answer = %q", got)
	}
	if got := h.callback(t, h.bot.cbDone, id); got != "✓ Marked gym as done!" {
		t.Fatalf("done answer = %q", got)
	}
	if got := h.callback(t, h.bot.cbDone, "nope"); got != "Reminder not found." {
		t.Fatalf("missing answer = %q", got)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.run(t, h.bot.cmdAdd, "2026-04-02 09:00 gym | FREQ=WEEKLY")
	h.run(t, h.bot.cmdSnooze, h.only(t).ShortID()+" 2h")
	got := h.run(t, h.bot.cmdStats, "")
	for _, want := range []string{"Total reminders: 1", "⏸ Snoozed: 1", "Total snoozes: 1", "Average snooze: 2 hours", "🔁 Recurring: 1"} {
		if !strings.Contains(got, want) {
			t.Errorf("stats missing %q:\n%s", want, got)
		}
	}
}
