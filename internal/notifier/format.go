package notifier

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"nagbot/internal/nag/heartbeat"
	"nagbot/internal/nag/reminder"
	kit "nagbot/internal/transport"
)

const (
	dueLayout   = "Jan 02, 2006 at 03:04 PM"
	clockLayout = "03:04 PM"
	dayLayout   = "Jan 02, 2006"
)

// Snooze lengths offered on nag buttons.
var SnoozeChoices = []time.Duration{time.Hour, 24 * time.Hour}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

// FormatDuration renders a duration at minute resolution:
// 15m "15 minutes", 1h "1 hour", 90m "1.5 hours", 24h "1 day".
func FormatDuration(d time.Duration) string {
	m := int(d / time.Minute)
	switch {
	case m < 60:
		return plural(m, "minute")
	case m < 1440:
		if m%60 == 0 {
			return plural(m/60, "hour")
		}
		return strconv.FormatFloat(float64(m)/60, 'f', 1, 64) + " hours"
	default:
		if m%1440 == 0 {
			return plural(m/1440, "day")
		}
		return strconv.FormatFloat(float64(m)/1440, 'f', 1, 64) + " days"
	}
}

// FormatRelative describes at relative to now: "in 5 minutes", "in 2 hours",
// "tomorrow", "in 3 days", or "N minutes|hours|days overdue".
func FormatRelative(at, now time.Time) string {
	d := at.Sub(now)
	if d < 0 {
		d = -d
		switch {
		case d < time.Hour:
			return plural(int(d/time.Minute), "minute") + " overdue"
		case d < 24*time.Hour:
			return plural(int(d/time.Hour), "hour") + " overdue"
		default:
			return plural(int(d/(24*time.Hour)), "day") + " overdue"
		}
	}
	switch {
	case d < time.Hour:
		return "in " + plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return "in " + plural(int(d/time.Hour), "hour")
	case d < 48*time.Hour:
		return "tomorrow"
	default:
		return "in " + strconv.Itoa(int(d/(24*time.Hour))) + " days"
	}
}

// TierEmoji maps tier names of the built-in profiles to an urgency marker.
func TierEmoji(tier string) string {
	switch strings.ToLower(tier) {
	case "moderate", "approaching":
		return "⚠️"
	case "urgent", "due_soon":
		return "🚨"
	case "critical":
		return "🔥"
	case "overdue":
		return "💥"
	default:
		return "🔔"
	}
}

func tierTitle(tier string) string {
	switch t := strings.ToLower(tier); t {
	case "critical", "overdue":
		return strings.ToUpper(t)
	case "":
		return ""
	default:
		words := strings.Fields(strings.ReplaceAll(t, "_", " "))
		for i, w := range words {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
		return strings.Join(words, " ")
	}
}

// FormatAmount renders "USD 12.50"; currency defaults to USD.
func FormatAmount(amount float64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %.2f", currency, amount)
}

var statusEmoji = map[reminder.Status]string{
	reminder.StatusActive:   "🔔",
	reminder.StatusSnoozed:  "⏸",
	reminder.StatusDone:     "✓",
	reminder.StatusArchived: "📦",
	reminder.StatusSkipped:  "⏭",
}

// FormatTask renders a task's details in HTML, times in loc.
func FormatTask(t reminder.Task, loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	lines := []string{
		fmt.Sprintf("<b>%s</b> (ID: <code>%s</code>)", html.EscapeString(t.Title), t.ShortID()),
		fmt.Sprintf("📅 Due: %s (%s)", t.DueAt.In(loc).Format(dueLayout), FormatRelative(t.DueAt, now)),
	}
	if t.IsRecurring() {
		lines = append(lines, "🔁 Recurring: "+html.EscapeString(t.Rule.Describe()))
	}
	if t.Amount != nil {
		lines = append(lines, "💰 Amount: "+html.EscapeString(FormatAmount(*t.Amount, t.Currency)))
	}
	if t.Description != "" {
		lines = append(lines, "", html.EscapeString(t.Description))
	}
	if t.Status == reminder.StatusSnoozed && t.SnoozedUntil != nil {
		lines = append(lines, "", "⏸ Snoozed until "+t.SnoozedUntil.In(loc).Format(clockLayout))
	}
	return strings.Join(lines, "\n")
}

// FormatTaskLine is the one-entry form used in lists.
func FormatTaskLine(t reminder.Task, loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	line := fmt.Sprintf("%s <b>%s</b> <code>%s</code>\n   Due: %s (%s)",
		statusEmoji[t.Status], html.EscapeString(t.Title), t.ShortID(),
		t.DueAt.In(loc).Format("Jan 02 15:04"), FormatRelative(t.DueAt, now))
	if t.IsRecurring() {
		line += " 🔁"
	}
	return line
}

// NagText renders a nag message.
func NagText(n heartbeat.Nag) string {
	emoji := TierEmoji(n.Tier.Name)
	header := fmt.Sprintf("%s <b>%s Reminder</b> %s", emoji, html.EscapeString(tierTitle(n.Tier.Name)), emoji)
	body := FormatTask(n.Task, n.User.Location(), n.At)
	return header + "\n\n" + body + fmt.Sprintf("\n\n<i>Nag #%d</i>", n.Task.NagCount)
}

// NagButtons is the keyboard under a nag: done, snoozes, and skip for
// recurring tasks.
func NagButtons(t reminder.Task) [][]kit.Button {
	id := t.ID
	rows := [][]kit.Button{{{Text: "✓ Done", Data: "done:" + id}}}
	var snooze []kit.Button
	for _, d := range SnoozeChoices {
		snooze = append(snooze, kit.Button{
			Text: "Snooze " + shortDuration(d),
			Data: "snooze:" + id + ":" + strconv.Itoa(int(d/time.Minute)),
		})
	}
	rows = append(rows, snooze)
	if t.IsRecurring() {
		rows[0] = append(rows[0], kit.Button{Text: "⏭ Skip", Data: "skip:" + id})
	}
	return rows
}

func shortDuration(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	case d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	default:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	}
}

// CompletedText replaces a nag once the task is done. next is the rolled
// forward task of a recurring reminder, nil otherwise.
func CompletedText(title string, next *reminder.Task, loc *time.Location) string {
	s := "✓ <b>Completed:</b> <s>" + html.EscapeString(title) + "</s>"
	if next != nil && next.Status.Scheduled() {
		if loc == nil {
			loc = time.UTC
		}
		s += "\n\n🔁 Next occurrence: " + next.DueAt.In(loc).Format(dayLayout)
	}
	return s
}

func SkippedText(title string, next *reminder.Task, loc *time.Location) string {
	s := "⏭ <b>Skipped:</b> <s>" + html.EscapeString(title) + "</s>"
	if next != nil && next.Status.Scheduled() {
		if loc == nil {
			loc = time.UTC
		}
		s += "\n\n🔁 Next occurrence: " + next.DueAt.In(loc).Format(dayLayout)
	}
	return s
}

func SnoozedText(title string, d time.Duration) string {
	return "⏸ <b>Snoozed:</b> <s>" + html.EscapeString(title) + "</s>\n\nWill remind you again in " + FormatDuration(d) + "."
}

func ArchivedText(title string) string {
	return "📦 <b>Archived:</b> <s>" + html.EscapeString(title) + "</s>"
}
