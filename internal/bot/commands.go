package bot

import (
	"context"
	"fmt"
	"html"
	"runtime"
	"strings"
	"time"

	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/quiet"
	"nagbot/internal/nag/recurrence"
	"nagbot/internal/nag/reminder"
	"nagbot/internal/notifier"
	"nagbot/internal/storage"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
)

const (
	pageSize    = 10
	dateLayout  = "2006-01-02 15:04"
	upcomingFor = 7 * 24 * time.Hour
	snoozeDef   = time.Hour
)

var openStatuses = []reminder.Status{reminder.StatusActive, reminder.StatusSnoozed}

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	u, created, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if created {
		req.Logger.Info("user registered", logx.Int64("user_id", u.ID))
	}
	return req.Reply(ctx, welcomeText)
}

const welcomeText = `<b>Welcome to nagbot!</b>

I'll nag you about bills, deadlines and events with escalating frequency until you mark them done.

<b>Quick start:</b>
• <code>/add 2026-05-01 09:00 pay rent | FREQ=MONTHLY</code>
• /list to see your reminders
• /settings for timezone and quiet hours
• /help for every command`

// cmdAdd: /add <YYYY-MM-DD HH:MM> <title> [| RRULE]. The date is read in
// the user's timezone.
func (b *Bot) cmdAdd(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	head, ruleText, _ := strings.Cut(req.Text, "|")
	fields := strings.Fields(head)
	if len(fields) < 3 {
		return req.Reply(ctx, "Usage: <code>/add YYYY-MM-DD HH:MM title [| RRULE]</code>")
	}
	loc := u.Location()
	due, err := time.ParseInLocation(dateLayout, fields[0]+" "+fields[1], loc)
	if err != nil {
		return req.Reply(ctx, "Invalid date. Use <code>YYYY-MM-DD HH:MM</code> (24-hour, your timezone "+html.EscapeString(loc.String())+").")
	}
	rule, err := recurrence.Parse(strings.TrimSpace(ruleText))
	if err != nil {
		return replyErr(ctx, req, err)
	}

	t, err := b.tasks.Create(ctx, reminder.Draft{
		UserID: u.ID,
		Title:  strings.Join(fields[2:], " "),
		DueAt:  due,
		Rule:   rule,
	})
	if err != nil {
		return replyErr(ctx, req, err)
	}
	return req.Reply(ctx, "✓ Reminder created\n\n"+notifier.FormatTask(t, loc, b.clock.Now()))
}

func (b *Bot) cmdList(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	list, err := b.store.ListTasks(ctx, storage.TaskFilter{UserID: u.ID, Statuses: openStatuses})
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if len(list) == 0 {
		return req.Reply(ctx, "You have no open reminders.")
	}

	pages := (len(list) + pageSize - 1) / pageSize
	page := clampPage(req.Args, pages)
	start := (page - 1) * pageSize
	end := min(start+pageSize, len(list))

	msg := fmt.Sprintf("<b>Your reminders (%d)</b>\n\n", len(list)) + b.lines(list[start:end], u)
	if pages > 1 {
		msg += fmt.Sprintf("\n\n<b>Page %d of %d</b>", page, pages)
		if page < pages {
			msg += fmt.Sprintf("\nUse <code>/list %d</code> for the next page", page+1)
		}
	}
	return req.Reply(ctx, msg)
}

func (b *Bot) cmdUpcoming(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	now := b.clock.Now()
	list, err := b.store.ListTasks(ctx, storage.TaskFilter{UserID: u.ID, Statuses: openStatuses, DueBefore: now.Add(upcomingFor)})
	if err != nil {
		return replyErr(ctx, req, err)
	}
	upcoming := list[:0]
	for _, t := range list {
		if !t.DueAt.Before(now) {
			upcoming = append(upcoming, t)
		}
	}
	if len(upcoming) == 0 {
		return req.Reply(ctx, "No reminders due in the next 7 days.")
	}
	return req.Reply(ctx, "<b>Upcoming (next 7 days)</b>\n\n"+b.lines(upcoming, u))
}

func (b *Bot) lines(list []reminder.Task, u reminder.User) string {
	now := b.clock.Now()
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = notifier.FormatTaskLine(t, u.Location(), now)
	}
	return strings.Join(out, "\n\n")
}

// needID replies with usage when the id argument is missing.
func needID(ctx context.Context, req *router.Request, usage string) (string, bool) {
	if len(req.Args) == 0 || strings.TrimSpace(req.Args[0]) == "" {
		_ = req.Reply(ctx, "Usage: <code>"+html.EscapeString(usage)+"</code>")
		return "", false
	}
	return req.Args[0], true
}

func (b *Bot) cmdDone(ctx context.Context, req *router.Request) error {
	id, ok := needID(ctx, req, "/done <id>")
	if !ok {
		return nil
	}
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	res, err := b.tasks.Done(ctx, u.ID, id, 0)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	var next *reminder.Task
	if res.Outcome.Rolled {
		next = &res.Task
	}
	return req.Reply(ctx, notifier.CompletedText(res.Before.Title, next, u.Location()))
}

func (b *Bot) cmdSnooze(ctx context.Context, req *router.Request) error {
	id, ok := needID(ctx, req, "/snooze <id> [duration]")
	if !ok {
		return nil
	}
	d := snoozeDef
	if len(req.Args) > 1 {
		var err error
		if d, err = parseDuration(req.Args[1]); err != nil || d <= 0 {
			return req.Reply(ctx, "Invalid duration. Examples: <code>30</code> (minutes), <code>2h</code>, <code>1d</code>.")
		}
	}
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	res, err := b.tasks.Snooze(ctx, u.ID, id, d, 0)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	return req.Reply(ctx, notifier.SnoozedText(res.Before.Title, d))
}

func (b *Bot) cmdSkip(ctx context.Context, req *router.Request) error {
	id, ok := needID(ctx, req, "/skip <id>")
	if !ok {
		return nil
	}
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	res, err := b.tasks.Skip(ctx, u.ID, id, 0)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	var next *reminder.Task
	if res.Outcome.Rolled {
		next = &res.Task
	}
	return req.Reply(ctx, notifier.SkippedText(res.Before.Title, next, u.Location()))
}

func (b *Bot) cmdArchive(ctx context.Context, req *router.Request) error {
	id, ok := needID(ctx, req, "/archive <id>")
	if !ok {
		return nil
	}
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	res, err := b.tasks.Archive(ctx, u.ID, id, 0)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	return req.Reply(ctx, notifier.ArchivedText(res.Before.Title))
}

func (b *Bot) cmdDelete(ctx context.Context, req *router.Request) error {
	id, ok := needID(ctx, req, "/delete <id>")
	if !ok {
		return nil
	}
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	t, err := b.tasks.Delete(ctx, u.ID, id)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	return req.Reply(ctx, "🗑 Deleted: <b>"+html.EscapeString(t.Title)+"</b>")
}

func quietText(u reminder.User) string {
	if u.QuietStart == "" && u.QuietEnd == "" {
		return "off"
	}
	return u.QuietStart + " - " + u.QuietEnd
}

func (b *Bot) cmdSettings(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	return req.Reply(ctx, fmt.Sprintf(`<b>Your settings</b>

🌍 Timezone: <code>%s</code>
🌙 Quiet hours: %s
📊 Escalation profile: %s

<b>Change with:</b>
• /timezone <code>America/Toronto</code>
• /quiet <code>23:00 07:00</code> or <code>/quiet off</code>
• /escalation <code>%s</code>`,
		html.EscapeString(u.Timezone), quietText(u), html.EscapeString(u.DefaultProfile),
		html.EscapeString(strings.Join(b.profiles.Names(), "|"))))
}

func (b *Bot) cmdTimezone(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, "<b>Current timezone:</b> "+html.EscapeString(u.Timezone)+
			"\n\nTo change: <code>/timezone America/Toronto</code>")
	}
	tz := req.Args[0]
	if _, err := time.LoadLocation(tz); err != nil || tz == "Local" {
		return req.Reply(ctx, "Invalid timezone: "+html.EscapeString(tz)+"\n\nUse a name like <code>Europe/London</code>.")
	}
	if _, err := b.store.UpdateUserSettings(ctx, u.ID, storage.UserSettings{Timezone: &tz}); err != nil {
		return replyErr(ctx, req, err)
	}
	return req.Reply(ctx, "✓ Timezone updated to <b>"+html.EscapeString(tz)+"</b>\n\nYour reminders and quiet hours now use this timezone.")
}

func (b *Bot) cmdQuiet(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	var start, end string
	switch {
	case len(req.Args) == 1 && strings.EqualFold(req.Args[0], "off"):
	case len(req.Args) >= 2:
		if _, err := quiet.ParseWindow(req.Args[0], req.Args[1]); err != nil {
			return req.Reply(ctx, "Invalid time format. Use HH:MM (24-hour), e.g. <code>/quiet 23:00 07:00</code>")
		}
		start, end = req.Args[0], req.Args[1]
	default:
		return req.Reply(ctx, "<b>Current quiet hours:</b> "+quietText(u)+
			"\n\nTo change: <code>/quiet 23:00 07:00</code> or <code>/quiet off</code>")
	}
	u, err = b.store.UpdateUserSettings(ctx, u.ID, storage.UserSettings{QuietStart: &start, QuietEnd: &end})
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if start == "" {
		return req.Reply(ctx, "✓ Quiet hours turned off.")
	}
	return req.Reply(ctx, "✓ Quiet hours updated to <b>"+quietText(u)+"</b>\n\nI won't nag you during these hours.")
}

func (b *Bot) cmdEscalation(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if len(req.Args) == 0 {
		var sb strings.Builder
		sb.WriteString("<b>Current profile:</b> " + html.EscapeString(u.DefaultProfile) + "\n")
		for _, name := range b.profiles.Names() {
			p, _ := b.profiles.Lookup(name)
			sb.WriteString("\n<b>" + html.EscapeString(name) + "</b>\n" + describeProfile(p))
		}
		sb.WriteString("\nTo change: <code>/escalation gentle</code>")
		return req.Reply(ctx, sb.String())
	}
	name := strings.ToLower(req.Args[0])
	if _, ok := b.profiles.Lookup(name); !ok {
		return req.Reply(ctx, "Unknown profile. Choose one of: "+html.EscapeString(strings.Join(b.profiles.Names(), ", ")))
	}
	if _, err := b.store.UpdateUserSettings(ctx, u.ID, storage.UserSettings{DefaultProfile: &name}); err != nil {
		return replyErr(ctx, req, err)
	}
	return req.Reply(ctx, "✓ Escalation profile set to <b>"+html.EscapeString(name)+"</b>\n\nReminders without their own profile follow it from the next nag.")
}

func describeProfile(p escalation.Profile) string {
	var sb strings.Builder
	for _, t := range p.Tiers {
		when := "overdue"
		switch {
		case t.Before > 0:
			when = notifier.FormatDuration(t.Before) + " before"
		case t.Before < 0:
			when = notifier.FormatDuration(-t.Before) + " after"
		}
		fmt.Fprintf(&sb, "• %s %s: every %s (from %s)\n", notifier.TierEmoji(t.Name), html.EscapeString(t.Name), notifier.FormatDuration(t.Interval), when)
	}
	return sb.String()
}

func (b *Bot) cmdStats(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	st, err := b.store.Stats(ctx, u.ID, b.clock.Now())
	if err != nil {
		return replyErr(ctx, req, err)
	}
	return req.Reply(ctx, statsText(st))
}

func statsText(st storage.Stats) string {
	lines := []string{
		"<b>📊 Your statistics</b>",
		"",
		"<b>📋 Overview</b>",
		fmt.Sprintf("Total reminders: %d", st.Total),
		fmt.Sprintf("✓ Completed: %d", st.ByStatus[reminder.StatusDone]),
		fmt.Sprintf("🔔 Active: %d", st.ByStatus[reminder.StatusActive]),
		fmt.Sprintf("⏸ Snoozed: %d", st.ByStatus[reminder.StatusSnoozed]),
		fmt.Sprintf("⏭ Skipped: %d", st.ByStatus[reminder.StatusSkipped]),
		fmt.Sprintf("📦 Archived: %d", st.ByStatus[reminder.StatusArchived]),
		fmt.Sprintf("💥 Overdue: %d", st.Overdue),
		"",
		"<b>🐰 Nagging</b>",
		fmt.Sprintf("Completions credited: %d", st.Completions),
		fmt.Sprintf("Total nags sent: %d", st.TotalNags-st.FailedNags),
	}
	if st.FailedNags > 0 {
		lines = append(lines, fmt.Sprintf("Failed deliveries: %d", st.FailedNags))
	}
	if st.MostNaggedCount > 0 {
		lines = append(lines, fmt.Sprintf("Most nagged: <i>%s</i> (%d nags)", html.EscapeString(st.MostNaggedTitle), st.MostNaggedCount))
	}
	if st.Snoozes > 0 {
		lines = append(lines, "",
			"<b>⏸ Snoozes</b>",
			fmt.Sprintf("Total snoozes: %d", st.Snoozes),
			"Average snooze: "+notifier.FormatDuration(st.AvgSnooze),
		)
	}
	lines = append(lines, "",
		"<b>🔄 Reminder types</b>",
		fmt.Sprintf("🔁 Recurring: %d", st.Recurring),
		fmt.Sprintf("1️⃣ One-time: %d", st.Total-st.Recurring),
	)
	return strings.Join(lines, "\n")
}

func (b *Bot) cmdStatus(ctx context.Context, req *router.Request) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	state := "unknown"
	if b.status != nil {
		state = "healthy"
		if !b.status.Healthy() {
			state = fmt.Sprintf("degraded (%d failed ticks)", b.status.ConsecutiveFailures())
		}
	}
	return req.Reply(ctx, fmt.Sprintf("<b>Status</b>\nUptime: %s\nHeartbeat: %s\nGoroutines: %d\nHeap: %.1f MiB",
		b.clock.Now().Sub(b.startedAt).Truncate(time.Second), state, runtime.NumGoroutine(), float64(m.HeapAlloc)/(1<<20)))
}
