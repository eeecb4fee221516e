// Package escalation selects how aggressively a reminder should nag.
//
// A Profile is an ordered list of tiers. Each tier takes over once the signed
// time remaining until the due instant (the delta) drops below its Before
// threshold, and hands over to the next tier once the delta drops below that
// tier's threshold:
//
//	tier i owns delta in [Before(i+1), Before(i))
//
// The first tier additionally owns every delta above its own threshold and the
// last tier owns every delta below its lower neighbour, so any delta maps to
// exactly one tier. A profile whose thresholds are not strictly decreasing is
// rejected with a ConfigError.
//
// The package is pure: it never reads the clock and never performs I/O.
package escalation
