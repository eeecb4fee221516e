package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

var ridSeq atomic.Uint64

// newReqID returns a short id for correlating a request's log lines.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" +
		strconv.FormatUint(n, 36) + strconv.FormatUint(rand.Uint64N(36*36), 36)
}

// splitCommand splits "/cmd@bot rest" into the sanitized command word and
// the remaining text. ok is false for non-command messages.
func splitCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	word = sanitizeCommand(head)
	return word, strings.TrimSpace(rest), word != ""
}

// tokenize splits arguments on whitespace, keeping quoted runs together.
//
//	a "b c" 'd' -> [a, b c, d]
func tokenize(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		quote rune
		open  bool
	)
	flush := func() {
		if buf.Len() > 0 || open {
			out = append(out, buf.String())
			buf.Reset()
		}
		open = false
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			buf.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			open = true
		case unicode.IsSpace(r):
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	return out
}

// sanitizeCommand maps a name onto Telegram's command alphabet
// [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	last := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == ' ':
			c = '_'
			if last == '_' || b.Len() == 0 {
				continue
			}
		default:
			continue
		}
		b.WriteByte(c)
		last = c
	}
	out := strings.TrimRight(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
