package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"nagbot/internal/notifier"
	"nagbot/internal/transport/telegram/router"
)

// Callback payloads: done:<id>, snooze:<id>:<minutes>, skip:<id>. The
// clicked message is rewritten by the task service along with the last nag,
// so handlers only set the toast.

func (b *Bot) cbDone(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return b.answerErr(req, err)
	}
	res, err := b.tasks.Done(ctx, u.ID, req.Payload, int64(req.MessageID))
	if err != nil {
		return b.answerErr(req, err)
	}
	req.Answer = "✓ Marked " + res.Before.Title + " as done!"
	return nil
}

func (b *Bot) cbSnooze(ctx context.Context, req *router.Request) error {
	id, mins, ok := strings.Cut(req.Payload, ":")
	n, err := strconv.Atoi(mins)
	if !ok || err != nil || n <= 0 {
		req.Answer = "Invalid snooze."
		return nil
	}
	d := time.Duration(n) * time.Minute

	u, _, err := b.user(ctx, req)
	if err != nil {
		return b.answerErr(req, err)
	}
	if _, err := b.tasks.Snooze(ctx, u.ID, id, d, int64(req.MessageID)); err != nil {
		return b.answerErr(req, err)
	}
	req.Answer = "⏸ Snoozed for " + notifier.FormatDuration(d)
	return nil
}

func (b *Bot) cbSkip(ctx context.Context, req *router.Request) error {
	u, _, err := b.user(ctx, req)
	if err != nil {
		return b.answerErr(req, err)
	}
	res, err := b.tasks.Skip(ctx, u.ID, req.Payload, int64(req.MessageID))
	if err != nil {
		return b.answerErr(req, err)
	}
	req.Answer = "⏭ Skipped " + res.Before.Title
	return nil
}

// answerErr puts the error in the callback toast (plain text, no HTML).
func (b *Bot) answerErr(req *router.Request, err error) error {
	msg, ok := userMessage(err)
	req.Answer = msg
	if ok {
		return nil
	}
	return err
}
