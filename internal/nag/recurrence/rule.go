// Package recurrence implements the subset of RFC 5545 recurrence rules used
// for repeating tasks and computes the next occurrence of a rule.
//
// Unlike RFC 5545, a day that does not exist in a month (the 31st in April,
// Feb 29 in a non-leap year) is clamped to the month's last day instead of
// being skipped. The nominal day re-applies in later months.
package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRule classifies malformed rule text.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

const (
	stampLayout = "20060102T150405Z"
	dateLayout  = "20060102"
)

type Freq int

const (
	Daily Freq = iota + 1
	Weekly
	Monthly
	Yearly
)

var freqNames = map[Freq]string{Daily: "DAILY", Weekly: "WEEKLY", Monthly: "MONTHLY", Yearly: "YEARLY"}

func (f Freq) String() string {
	if s, ok := freqNames[f]; ok {
		return s
	}
	return "Freq(" + strconv.Itoa(int(f)) + ")"
}

// WeekdayNum is a BYDAY entry. N is the ordinal within the month (or year):
// 0 means every such weekday, 2 the second, -1 the last.
type WeekdayNum struct {
	N   int
	Day time.Weekday
}

var dayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

func (w WeekdayNum) String() string {
	if w.N == 0 {
		return dayCodes[w.Day]
	}
	return strconv.Itoa(w.N) + dayCodes[w.Day]
}

// Rule is a parsed recurrence rule. The zero Rule means "does not recur".
type Rule struct {
	Freq       Freq
	Interval   int
	Count      int       // 0 = unbounded
	Until      time.Time // zero = unbounded
	ByDay      []WeekdayNum
	ByMonthDay []int
	ByMonth    []time.Month

	// DTStart anchors the series. COUNT is counted from it and the nominal
	// day of month is taken from it. Zero means the series is anchored at
	// whatever instant NextOccurrence is asked about.
	DTStart time.Time
}

// IsZero reports whether r is the empty (non-recurring) rule.
func (r Rule) IsZero() bool { return r.Freq == 0 }

// Anchored returns a copy of r with DTSTART pinned to at, unless r already
// carries an anchor.
func (r Rule) Anchored(at time.Time) Rule {
	if r.IsZero() || !r.DTStart.IsZero() {
		return r
	}
	r.DTStart = at.UTC()
	return r
}

func (r Rule) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

// String renders the rule in canonical form. Parse(r.String()) == r.
func (r Rule) String() string {
	if r.IsZero() {
		return ""
	}
	parts := []string{"FREQ=" + r.Freq.String()}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if !r.Until.IsZero() {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format(stampLayout))
	}
	if len(r.ByMonth) > 0 {
		s := make([]string, len(r.ByMonth))
		for i, m := range r.ByMonth {
			s[i] = strconv.Itoa(int(m))
		}
		parts = append(parts, "BYMONTH="+strings.Join(s, ","))
	}
	if len(r.ByMonthDay) > 0 {
		s := make([]string, len(r.ByMonthDay))
		for i, d := range r.ByMonthDay {
			s[i] = strconv.Itoa(d)
		}
		parts = append(parts, "BYMONTHDAY="+strings.Join(s, ","))
	}
	if len(r.ByDay) > 0 {
		s := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			s[i] = d.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(s, ","))
	}
	body := strings.Join(parts, ";")
	if r.DTStart.IsZero() {
		return body
	}
	return "DTSTART:" + r.DTStart.UTC().Format(stampLayout) + "\nRRULE:" + body
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Parse reads rule text: an optional "DTSTART:" line followed by the rule
// itself, with or without the "RRULE:" prefix. Empty text yields the zero Rule.
func Parse(text string) (Rule, error) {
	var r Rule
	var body string
	for _, line := range strings.FieldsFunc(text, func(c rune) bool { return c == '\n' || c == '\r' }) {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case line == "":
		case strings.HasPrefix(upper, "DTSTART:"):
			t, err := parseStamp(line[len("DTSTART:"):])
			if err != nil {
				return Rule{}, invalid("DTSTART: %v", err)
			}
			r.DTStart = t
		case strings.HasPrefix(upper, "RRULE:"):
			body = line[len("RRULE:"):]
		default:
			if body != "" {
				return Rule{}, invalid("unexpected line %q", line)
			}
			body = line
		}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		if !r.DTStart.IsZero() {
			return Rule{}, invalid("DTSTART without RRULE")
		}
		return Rule{}, nil
	}

	seen := map[string]bool{}
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, invalid("malformed part %q", part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		val = strings.ToUpper(strings.TrimSpace(val))
		if seen[key] {
			return Rule{}, invalid("duplicate %s", key)
		}
		seen[key] = true
		if err := r.set(key, val); err != nil {
			return Rule{}, err
		}
	}
	if r.Freq == 0 {
		return Rule{}, invalid("FREQ is required")
	}
	if r.Interval == 1 {
		r.Interval = 0
	}
	if r.Count > 0 && !r.Until.IsZero() {
		return Rule{}, invalid("COUNT and UNTIL are mutually exclusive")
	}
	if r.Freq == Weekly && len(r.ByMonthDay) > 0 {
		return Rule{}, invalid("BYMONTHDAY is not allowed with FREQ=WEEKLY")
	}
	if r.Freq != Monthly && r.Freq != Yearly {
		for _, d := range r.ByDay {
			if d.N != 0 {
				return Rule{}, invalid("BYDAY ordinal %s needs FREQ=MONTHLY or YEARLY", d)
			}
		}
	}
	return r, nil
}

// MustParse is Parse for constant rule text; it panics on error.
func MustParse(text string) Rule {
	r, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rule) set(key, val string) error {
	switch key {
	case "FREQ":
		for f, name := range freqNames {
			if name == val {
				r.Freq = f
				return nil
			}
		}
		return invalid("unsupported FREQ %q", val)
	case "INTERVAL":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return invalid("INTERVAL %q", val)
		}
		r.Interval = n
	case "COUNT":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return invalid("COUNT %q", val)
		}
		r.Count = n
	case "UNTIL":
		t, err := parseStamp(val)
		if err != nil {
			return invalid("UNTIL: %v", err)
		}
		r.Until = t
	case "BYDAY":
		for _, item := range strings.Split(val, ",") {
			wd, err := parseWeekdayNum(strings.TrimSpace(item))
			if err != nil {
				return err
			}
			r.ByDay = append(r.ByDay, wd)
		}
	case "BYMONTHDAY":
		for _, item := range strings.Split(val, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(item))
			if err != nil || n == 0 || n < -31 || n > 31 {
				return invalid("BYMONTHDAY %q", item)
			}
			r.ByMonthDay = append(r.ByMonthDay, n)
		}
	case "BYMONTH":
		for _, item := range strings.Split(val, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(item))
			if err != nil || n < 1 || n > 12 {
				return invalid("BYMONTH %q", item)
			}
			r.ByMonth = append(r.ByMonth, time.Month(n))
		}
	case "WKST":
		if val != "MO" {
			return invalid("only WKST=MO is supported")
		}
	default:
		return invalid("unsupported part %s", key)
	}
	return nil
}

func parseWeekdayNum(s string) (WeekdayNum, error) {
	if len(s) < 2 {
		return WeekdayNum{}, invalid("BYDAY %q", s)
	}
	code := s[len(s)-2:]
	day := slices.Index(dayCodes[:], code)
	if day < 0 {
		return WeekdayNum{}, invalid("BYDAY %q", s)
	}
	wd := WeekdayNum{Day: time.Weekday(day)}
	if prefix := s[:len(s)-2]; prefix != "" {
		n, err := strconv.Atoi(prefix)
		if err != nil || n == 0 || n < -53 || n > 53 {
			return WeekdayNum{}, invalid("BYDAY ordinal %q", s)
		}
		wd.N = n
	}
	return wd, nil
}

func parseStamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(stampLayout, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q", s)
}

// Describe renders a short human summary such as "every 2 weeks".
func (r Rule) Describe() string {
	if r.IsZero() {
		return "once"
	}
	unit := map[Freq]string{Daily: "day", Weekly: "week", Monthly: "month", Yearly: "year"}[r.Freq]
	s := "every " + unit
	if n := r.interval(); n > 1 {
		s = fmt.Sprintf("every %d %ss", n, unit)
	}
	if r.Count > 0 {
		s += fmt.Sprintf(", %d times", r.Count)
	}
	if !r.Until.IsZero() {
		s += ", until " + r.Until.Format("2006-01-02")
	}
	return s
}
