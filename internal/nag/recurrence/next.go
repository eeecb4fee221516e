package recurrence

import (
	"slices"
	"time"
)

// maxPeriods bounds the search so a rule whose filters never match cannot
// spin forever.
const maxPeriods = 100_000

// NextOccurrence returns the earliest occurrence of rule strictly after from,
// and false when the series has no further occurrences (COUNT or UNTIL
// exhausted, or the rule is empty).
//
// Occurrences are computed in UTC and carry the anchor's time of day.
func NextOccurrence(rule Rule, from time.Time) (time.Time, bool) {
	if rule.IsZero() {
		return time.Time{}, false
	}
	from = from.UTC()
	anchor := rule.DTStart
	if anchor.IsZero() {
		anchor = from
	}
	anchor = anchor.UTC()

	k := 0
	if rule.Count == 0 && from.After(anchor) {
		k = max(0, periodsBetween(rule, anchor, from)-1)
	}

	emitted := 0
	for end := k + maxPeriods; k < end; k++ {
		for _, occ := range rule.expand(anchor, k) {
			if occ.Before(anchor) {
				continue
			}
			if !rule.Until.IsZero() && occ.After(rule.Until) {
				return time.Time{}, false
			}
			emitted++
			if rule.Count > 0 && emitted > rule.Count {
				return time.Time{}, false
			}
			if occ.After(from) {
				return occ, true
			}
		}
	}
	return time.Time{}, false
}

// periodsBetween returns how many whole rule periods separate a from b.
func periodsBetween(r Rule, a, b time.Time) int {
	step := r.interval()
	switch r.Freq {
	case Daily:
		return int(b.Sub(a).Hours()/24) / step
	case Weekly:
		return int(b.Sub(a).Hours()/24) / 7 / step
	case Monthly:
		return ((b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())) / step
	case Yearly:
		return (b.Year() - a.Year()) / step
	}
	return 0
}

// expand lists the occurrences of the k-th period in ascending order.
func (r Rule) expand(anchor time.Time, k int) []time.Time {
	h, mi, s := anchor.Clock()
	at := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), h, mi, s, 0, time.UTC)
	}
	ay, am, ad := anchor.Date()
	step := r.interval()

	var days []time.Time
	switch r.Freq {
	case Daily:
		d := time.Date(ay, am, ad+k*step, 0, 0, 0, 0, time.UTC)
		if r.dayMatches(d) {
			days = append(days, d)
		}
	case Weekly:
		monday := time.Date(ay, am, ad-(int(anchor.Weekday())+6)%7+7*k*step, 0, 0, 0, 0, time.UTC)
		weekdays := []time.Weekday{anchor.Weekday()}
		if len(r.ByDay) > 0 {
			weekdays = weekdays[:0]
			for _, wd := range r.ByDay {
				weekdays = append(weekdays, wd.Day)
			}
		}
		for _, wd := range weekdays {
			d := monday.AddDate(0, 0, (int(wd)+6)%7)
			if r.monthAllowed(d.Month()) {
				days = append(days, d)
			}
		}
	case Monthly:
		first := time.Date(ay, am+time.Month(k*step), 1, 0, 0, 0, 0, time.UTC)
		if r.monthAllowed(first.Month()) {
			days = r.monthDays(first, ad)
		}
	case Yearly:
		year := ay + k*step
		if len(r.ByDay) > 0 && len(r.ByMonth) == 0 && len(r.ByMonthDay) == 0 {
			start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
			days = weekdaysIn(start, start.AddDate(1, 0, 0), r.ByDay)
			break
		}
		months := r.ByMonth
		if len(months) == 0 {
			months = []time.Month{am}
		}
		for _, m := range months {
			days = append(days, r.monthDays(time.Date(year, m, 1, 0, 0, 0, 0, time.UTC), ad)...)
		}
	}

	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		out = append(out, at(d))
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return slices.CompactFunc(out, func(a, b time.Time) bool { return a.Equal(b) })
}

// monthDays lists the matching days of the month starting at first.
// nominal is the anchor's day of month, used when no BY* part narrows it.
func (r Rule) monthDays(first time.Time, nominal int) []time.Time {
	last := daysIn(first)
	switch {
	case len(r.ByMonthDay) > 0:
		var out []time.Time
		for _, n := range r.ByMonthDay {
			d := first.AddDate(0, 0, clampDay(n, last)-1)
			if len(r.ByDay) == 0 || hasWeekday(r.ByDay, d.Weekday()) {
				out = append(out, d)
			}
		}
		return out
	case len(r.ByDay) > 0:
		return weekdaysIn(first, first.AddDate(0, 1, 0), r.ByDay)
	default:
		return []time.Time{first.AddDate(0, 0, clampDay(nominal, last)-1)}
	}
}

// weekdaysIn expands BYDAY entries over [start, end). Ordinals count from
// the start (positive) or the end (negative) of the range.
func weekdaysIn(start, end time.Time, byDay []WeekdayNum) []time.Time {
	var out []time.Time
	for _, wd := range byDay {
		var all []time.Time
		first := start.AddDate(0, 0, (int(wd.Day)-int(start.Weekday())+7)%7)
		for d := first; d.Before(end); d = d.AddDate(0, 0, 7) {
			all = append(all, d)
		}
		switch {
		case wd.N == 0:
			out = append(out, all...)
		case wd.N > 0 && wd.N <= len(all):
			out = append(out, all[wd.N-1])
		case wd.N < 0 && -wd.N <= len(all):
			out = append(out, all[len(all)+wd.N])
		}
	}
	return out
}

func (r Rule) dayMatches(d time.Time) bool {
	if !r.monthAllowed(d.Month()) {
		return false
	}
	if len(r.ByDay) > 0 && !hasWeekday(r.ByDay, d.Weekday()) {
		return false
	}
	if len(r.ByMonthDay) > 0 {
		last := daysIn(d)
		for _, n := range r.ByMonthDay {
			if clampDay(n, last) == d.Day() {
				return true
			}
		}
		return false
	}
	return true
}

func (r Rule) monthAllowed(m time.Month) bool {
	return len(r.ByMonth) == 0 || slices.Contains(r.ByMonth, m)
}

func hasWeekday(byDay []WeekdayNum, wd time.Weekday) bool {
	for _, d := range byDay {
		if d.Day == wd {
			return true
		}
	}
	return false
}

// clampDay resolves a (possibly negative) day of month against a month of
// length last, clamping into [1, last].
func clampDay(n, last int) int {
	if n < 0 {
		n = last + n + 1
	}
	return min(max(n, 1), last)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
