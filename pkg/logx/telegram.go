package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	kit "nagbot/internal/transport"

	"github.com/rs/zerolog"
)

const (
	operatorMaxLen = 3500
	fieldMaxLen    = 300
	stackMaxLen    = 900
)

type telegramItem struct {
	chatID int64
	msg    string
}

func (s *Service) telegramWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.tgQueue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = sender.SendText(sctx, kit.ChatTarget{ChatID: it.chatID}, it.msg, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

// telegramWriter mirrors log lines into the operator chat.
type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel never blocks logging: lines below the minimum level, over the
// rate limit, or arriving while the queue is full are dropped.
func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	chatID := s.cfg.Telegram.ChatID
	lim := s.limiter
	minLevel := s.minLevel
	bound := s.sender != nil
	s.mu.Unlock()

	if chatID == 0 || !bound || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if msg := operatorMessage(p); msg != "" {
		select {
		case s.tgQueue <- telegramItem{chatID: chatID, msg: msg}:
		default:
		}
	}
	return len(p), nil
}

// operatorMessage renders a JSON log line for a chat:
//
//	WARN heartbeat: store fetch failed
//	task: 1f3a
//	err: database is locked
//
// The component leads the header; caller and time are left out.
func operatorMessage(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), operatorMaxLen)
	}
	str := func(k string) string {
		v, _ := m[k].(string)
		delete(m, k)
		return v
	}
	lvl, msg, comp, stack := str(zerolog.LevelFieldName), str(zerolog.MessageFieldName), str("comp"), str("stack")
	delete(m, zerolog.TimestampFieldName)
	delete(m, zerolog.CallerFieldName)

	var b strings.Builder
	if lvl != "" {
		b.WriteString(strings.ToUpper(lvl) + " ")
	}
	if comp != "" {
		b.WriteString(comp + ": ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(m[k]), fieldMaxLen))
	}
	if stack != "" {
		b.WriteString("\n\n" + clip(stack, stackMaxLen))
	}
	return clip(b.String(), operatorMaxLen)
}

// clip cuts s to at most n bytes on a rune boundary, marking the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const mark = "..."
	cut := max(n-len(mark), 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + mark
}
