package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nagbot/internal/eventbus"
	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/heartbeat"
	"nagbot/internal/nag/recurrence"
	"nagbot/internal/nag/reminder"
	kit "nagbot/internal/transport"
	logx "nagbot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu    sync.Mutex
	sends []sent
	edits []kit.MessageRef
	texts []string
	fails int // fail the next n sends
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("telegram: too many requests")
	}
	f.sends = append(f.sends, sent{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 40 + len(f.sends)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(opt.Buttons) > 0 {
		return errors.New("stale edit kept buttons")
	}
	f.edits = append(f.edits, ref)
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

var now0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testTask(rule string) reminder.Task {
	amount := 42.5
	next := now0.Add(time.Hour)
	t := reminder.Task{
		ID:          "3f2a9c1e-0000-4000-8000-000000000001",
		UserID:      1,
		Title:       "Pay <rent>",
		Description: "landlord & co",
		Amount:      &amount,
		DueAt:       now0.Add(90 * time.Minute),
		Status:      reminder.StatusActive,
		NextFireAt:  &next,
		NagCount:    3,
	}
	if rule != "" {
		t.Rule = recurrence.MustParse(rule)
	}
	return t
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   time.Duration
		want string
	}{
		{time.Minute, "1 minute"},
		{15 * time.Minute, "15 minutes"},
		{time.Hour, "1 hour"},
		{90 * time.Minute, "1.5 hours"},
		{24 * time.Hour, "1 day"},
		{36 * time.Hour, "1.5 days"},
		{72 * time.Hour, "3 days"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatRelative(t *testing.T) {
	t.Parallel()
	tests := []struct {
		off  time.Duration
		want string
	}{
		{-5 * time.Minute, "5 minutes overdue"},
		{-time.Hour, "1 hour overdue"},
		{-50 * time.Hour, "2 days overdue"},
		{30 * time.Minute, "in 30 minutes"},
		{5 * time.Hour, "in 5 hours"},
		{30 * time.Hour, "tomorrow"},
		{80 * time.Hour, "in 3 days"},
	}
	for _, tt := range tests {
		if got := FormatRelative(now0.Add(tt.off), now0); got != tt.want {
			t.Errorf("FormatRelative(%s) = %q, want %q", tt.off, got, tt.want)
		}
	}
}

func TestTierTitleAndEmoji(t *testing.T) {
	t.Parallel()
	tests := []struct{ tier, title, emoji string }{
		{"gentle", "Gentle", "🔔"},
		{"due_soon", "Due Soon", "🚨"},
		{"critical", "CRITICAL", "🔥"},
		{"overdue", "OVERDUE", "💥"},
		{"custom", "Custom", "🔔"},
	}
	for _, tt := range tests {
		if got := tierTitle(tt.tier); got != tt.title {
			t.Errorf("tierTitle(%q) = %q", tt.tier, got)
		}
		if got := TierEmoji(tt.tier); got != tt.emoji {
			t.Errorf("TierEmoji(%q) = %q", tt.tier, got)
		}
	}
}

func TestNagTextEscapes(t *testing.T) {
	t.Parallel()
	n := heartbeat.Nag{
		Task: testTask(""),
		User: reminder.User{ID: 1, ChatID: 100, Timezone: "UTC"},
		Tier: escalation.Tier{Name: "critical"},
		At:   now0,
	}
	text := NagText(n)
	for _, want := range []string{
		"🔥 <b>CRITICAL Reminder</b> 🔥",
		"<b>Pay &lt;rent&gt;</b>",
		"(ID: <code>3f2a9c1e</code>)",
		"📅 Due: Mar 10, 2026 at 01:30 PM (in 1 hour)",
		"💰 Amount: USD 42.50",
		"landlord &amp; co",
		"Nag #3",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("nag text missing %q:\n%s", want, text)
		}
	}
}

func TestNagButtons(t *testing.T) {
	t.Parallel()
	one := NagButtons(testTask(""))
	if len(one) != 2 || len(one[0]) != 1 || one[0][0].Data != "done:"+testTask("").ID {
		t.Fatalf("one-shot buttons = %+v", one)
	}
	if got := one[1][1].Data; !strings.HasSuffix(got, ":1440") || one[1][1].Text != "Snooze 1d" {
		t.Fatalf("snooze button = %+v", one[1][1])
	}
	rec := NagButtons(testTask("FREQ=MONTHLY"))
	if len(rec[0]) != 2 || !strings.HasPrefix(rec[0][1].Data, "skip:") {
		t.Fatalf("recurring buttons = %+v", rec)
	}
}

func TestCompletedText(t *testing.T) {
	t.Parallel()
	if got := CompletedText("a<b", nil, nil); got != "✓ <b>Completed:</b> <s>a&lt;b</s>" {
		t.Fatalf("CompletedText = %q", got)
	}
	next := testTask("FREQ=MONTHLY")
	next.DueAt = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	if got := CompletedText("rent", &next, time.UTC); !strings.HasSuffix(got, "Next occurrence: Apr 10, 2026") {
		t.Fatalf("recurring CompletedText = %q", got)
	}
	if got := SnoozedText("rent", 90*time.Minute); !strings.Contains(got, "again in 1.5 hours.") {
		t.Fatalf("SnoozedText = %q", got)
	}
}

func TestSendNag(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{RatePerSec: 100}, ad, logx.Nop(), nil)
	ctx := context.Background()

	n := heartbeat.Nag{Task: testTask(""), User: reminder.User{ID: 1, ChatID: 100}, Tier: escalation.Tier{Name: "urgent"}, At: now0}
	rc, err := s.Send(ctx, n)
	if err != nil || rc.MessageID != 41 {
		t.Fatalf("Send = %+v, %v", rc, err)
	}
	got := ad.sends[0]
	if got.to.ChatID != 100 || got.opt.ParseMode != "HTML" || len(got.opt.Buttons) != 2 {
		t.Fatalf("sent = %+v", got)
	}

	if _, err := s.Send(ctx, heartbeat.Nag{Task: testTask("")}); !errors.Is(err, ErrNoChat) {
		t.Fatalf("missing chat err = %v", err)
	}

	ad.fails = 1
	if _, err := s.Send(ctx, n); err == nil {
		t.Fatal("expected delivery error")
	}
	if ad.sentCount() != 1 {
		t.Fatal("nag was retried")
	}
	h := s.Snapshot()
	if len(h) != 2 || h[1].Error == "" || h[0].Kind != "nag" {
		t.Fatalf("history = %+v", h)
	}
}

func TestMarkStale(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{}, ad, logx.Nop(), nil)
	if err := s.MarkStale(context.Background(), 100, 0, "x"); err != nil || len(ad.edits) != 0 {
		t.Fatalf("zero message id should be a no-op: %v", err)
	}
	if err := s.MarkStale(context.Background(), 100, 7, "✓ done"); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}
	if ad.edits[0] != (kit.MessageRef{ChatID: 100, MessageID: 7}) || ad.texts[0] != "✓ done" {
		t.Fatalf("edit = %+v %q", ad.edits, ad.texts)
	}
}

func TestAlertPipeline(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fails: 1}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s := New(Config{
		AlertsEnabled: true,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}, ad, logx.Nop(), bus)
	ctx := context.Background()

	if err := s.Alert(ctx, Alert{Text: "early"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("alert before Start = %v", err)
	}
	s.Start(ctx)

	a := Alert{Priority: 9, Target: kit.ChatTarget{ChatID: 5}, Text: "heartbeat stalled"}
	if err := s.Alert(ctx, a); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if err := s.Alert(ctx, a); err != nil {
		t.Fatalf("duplicate Alert: %v", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(sctx)

	if ad.sentCount() != 1 {
		t.Fatalf("sends = %d, want 1 after retry and dedup", ad.sentCount())
	}
	if txt := ad.sends[0].text; txt != "🚨 heartbeat stalled" {
		t.Fatalf("alert text = %q", txt)
	}

	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	for _, typ := range []string{EventAlertQueued, EventAlertDeduped, EventAlertSent} {
		if !seen[typ] {
			t.Errorf("missing event %s (got %v)", typ, seen)
		}
	}
}

func TestAlertsDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeAdapter{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Alert(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
	if s.Supervisor() != nil {
		t.Fatal("workers started while disabled")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter band", d)
	}
}
