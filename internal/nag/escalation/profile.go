package escalation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tier is one escalation level.
//
// Before is the delta (due - now) below which the tier becomes active. It may
// be zero (overdue tier) or negative (tiers that only kick in well after the
// deadline). Interval is the gap between consecutive nags inside the tier.
type Tier struct {
	Name     string
	Before   time.Duration
	Interval time.Duration
}

type tierJSON struct {
	Name     string `json:"name"`
	Before   string `json:"before"`
	Interval string `json:"interval"`
}

// MarshalJSON encodes durations as Go duration strings ("72h", "30m").
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(tierJSON{Name: t.Name, Before: t.Before.String(), Interval: t.Interval.String()})
}

func (t *Tier) UnmarshalJSON(b []byte) error {
	var raw tierJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	before, err := time.ParseDuration(strings.TrimSpace(raw.Before))
	if err != nil {
		return fmt.Errorf("tier %q: before: %w", raw.Name, err)
	}
	interval, err := time.ParseDuration(strings.TrimSpace(raw.Interval))
	if err != nil {
		return fmt.Errorf("tier %q: interval: %w", raw.Name, err)
	}
	*t = Tier{Name: strings.TrimSpace(raw.Name), Before: before, Interval: interval}
	return nil
}

// Profile is an ordered tier table, least aggressive first.
type Profile struct {
	Name  string `json:"name,omitempty"`
	Tiers []Tier `json:"tiers"`
}

// Validate rejects profiles whose tier windows would overlap or be empty.
func (p Profile) Validate() error {
	if len(p.Tiers) == 0 {
		return configErr(p.Name, "no tiers")
	}
	seen := make(map[string]struct{}, len(p.Tiers))
	for i, t := range p.Tiers {
		if strings.TrimSpace(t.Name) == "" {
			return configErr(p.Name, "tier %d has no name", i)
		}
		if _, dup := seen[t.Name]; dup {
			return configErr(p.Name, "duplicate tier %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Interval <= 0 {
			return configErr(p.Name, "tier %q: interval must be > 0", t.Name)
		}
		if i > 0 && t.Before >= p.Tiers[i-1].Before {
			return configErr(p.Name, "tier %q: before (%s) must be below %q (%s)",
				t.Name, t.Before, p.Tiers[i-1].Name, p.Tiers[i-1].Before)
		}
	}
	return nil
}

// Tier returns the tier with the given name.
func (p Profile) Tier(name string) (Tier, bool) {
	for _, t := range p.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Ref points a task at a profile: either a named entry in the Registry or an
// inline tier table carried on the task itself. Inline wins when both are set.
type Ref struct {
	Name   string
	Inline *Profile
}

// Named returns a reference to a shared profile.
func Named(name string) Ref { return Ref{Name: strings.TrimSpace(name)} }

// IsZero reports whether the reference names nothing (the user default applies).
func (r Ref) IsZero() bool { return r.Inline == nil && strings.TrimSpace(r.Name) == "" }

func (r Ref) String() string {
	if r.Inline != nil {
		if r.Inline.Name != "" {
			return "inline:" + r.Inline.Name
		}
		return "inline"
	}
	return r.Name
}

// EncodeInline renders the inline override for storage ("" when absent).
func (r Ref) EncodeInline() (string, error) {
	if r.Inline == nil {
		return "", nil
	}
	b, err := json.Marshal(r.Inline)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeRef rebuilds a Ref from its stored columns.
func DecodeRef(name, inline string) (Ref, error) {
	ref := Ref{Name: strings.TrimSpace(name)}
	inline = strings.TrimSpace(inline)
	if inline == "" {
		return ref, nil
	}
	var p Profile
	if err := json.Unmarshal([]byte(inline), &p); err != nil {
		return ref, configErr(ref.Name, "inline override: %v", err)
	}
	ref.Inline = &p
	return ref, nil
}
