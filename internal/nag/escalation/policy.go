package escalation

import "time"

// SelectTier returns the tier owning delta = due - now, and its index.
//
// The profile must be valid (see Profile.Validate); an empty profile yields the
// zero Tier and index -1.
func SelectTier(p Profile, now, due time.Time) (Tier, int) {
	if len(p.Tiers) == 0 {
		return Tier{}, -1
	}
	delta := due.Sub(now)
	// Scan from the most aggressive tier back; the first whose lower bound is
	// at or below delta owns it. The last tier has no lower bound.
	last := len(p.Tiers) - 1
	for i := last; i > 0; i-- {
		if delta < p.Tiers[i].Before {
			return p.Tiers[i], i
		}
	}
	return p.Tiers[0], 0
}

// boundary returns the instant at which the tier after idx takes over, and
// false when idx is the last tier.
func boundary(p Profile, due time.Time, idx int) (time.Time, bool) {
	if idx < 0 || idx+1 >= len(p.Tiers) {
		return time.Time{}, false
	}
	return due.Add(-p.Tiers[idx+1].Before), true
}

// NextFire computes when the next nag should go out for a task currently in
// tier idx: now + interval, clamped so it never overshoots the start of the
// next, more urgent tier and never lands before now.
func NextFire(p Profile, now, due time.Time, idx int) time.Time {
	if idx < 0 || idx >= len(p.Tiers) {
		return now
	}
	next := now.Add(p.Tiers[idx].Interval)
	if b, ok := boundary(p, due, idx); ok && b.Before(next) {
		next = b
	}
	if next.Before(now) {
		return now
	}
	return next
}

// StartAt is the first fire time of a fresh occurrence: the moment the first
// tier's threshold is crossed, or now if that moment has already passed.
func StartAt(p Profile, now, due time.Time) time.Time {
	if len(p.Tiers) == 0 {
		return now
	}
	start := due.Add(-p.Tiers[0].Before)
	if start.Before(now) {
		return now
	}
	return start
}
