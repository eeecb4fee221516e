// Package quiet defers fire instants that fall inside a user's local quiet
// window to the end of that window.
package quiet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// ErrInvalidClock is returned for malformed HH:MM values.
var ErrInvalidClock = errors.New("quiet: invalid HH:MM")

// Window is a daily [Start, End) range in minutes after local midnight.
// Start > End wraps past midnight; Start == End disables the window.
type Window struct {
	Start int
	End   int
}

// Disabled reports whether the window never matches.
func (w Window) Disabled() bool { return w.Start == w.End }

func (w Window) String() string {
	if w.Disabled() {
		return "off"
	}
	return FormatClock(w.Start) + "-" + FormatClock(w.End)
}

// contains reports whether m (minutes after midnight) lies in the window.
func (w Window) contains(m int) bool {
	switch {
	case w.Disabled():
		return false
	case w.Start < w.End:
		return m >= w.Start && m < w.End
	default:
		return m >= w.Start || m < w.End
	}
}

// ParseWindow parses a pair of HH:MM values. Both empty means disabled.
func ParseWindow(start, end string) (Window, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return Window{}, nil
	}
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// ParseClock parses "HH:MM" (24h) into minutes after midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes after midnight as HH:MM.
func FormatClock(m int) string {
	m = ((m % minutesPerDay) + minutesPerDay) % minutesPerDay
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Adjust returns t unchanged when its wall clock in loc is outside w, and the
// window's end otherwise. For a wrapping window the end belongs to the next
// local day when t is at or after Start. The result is always outside the
// window, so Adjust is idempotent.
//
// DST gaps are handled by time.Date normalisation: an end that does not exist
// on the target day resolves to the first valid instant after it.
func Adjust(t time.Time, loc *time.Location, w Window) time.Time {
	if w.Disabled() {
		return t
	}
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()
	if !w.contains(m) {
		return t
	}
	y, mo, d := local.Date()
	if w.Start > w.End && m >= w.Start {
		d++
	}
	end := time.Date(y, mo, d, w.End/60, w.End%60, 0, 0, loc)
	if !end.After(t) {
		// Only reachable across a DST fold; never move backwards.
		return t
	}
	return end.UTC()
}

// Schedule bundles a user's zone and quiet window.
type Schedule struct {
	Loc    *time.Location
	Window Window
}

// Adjust applies the schedule to t.
func (s Schedule) Adjust(t time.Time) time.Time { return Adjust(t, s.Loc, s.Window) }

// Location returns the schedule's zone, UTC when unset.
func (s Schedule) Location() *time.Location {
	if s.Loc == nil {
		return time.UTC
	}
	return s.Loc
}

// Load builds a schedule from stored user settings. An unknown zone or a
// malformed window still returns a usable schedule (UTC, disabled window)
// together with the error so the caller can log it.
func Load(tz, start, end string) (Schedule, error) {
	var errs []error
	s := Schedule{Loc: time.UTC}
	if tz = strings.TrimSpace(tz); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("quiet: timezone %q: %w", tz, err))
		} else {
			s.Loc = loc
		}
	}
	w, err := ParseWindow(start, end)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.Window = w
	}
	return s, errors.Join(errs...)
}
