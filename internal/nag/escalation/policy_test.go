package escalation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var due = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func TestSelectTierStandard(t *testing.T) {
	t.Parallel()
	p := Builtin()["standard"]
	tests := []struct {
		name  string
		delta time.Duration
		want  string
	}{
		{"far before due", 30 * day, "gentle"},
		{"inside gentle", 5 * day, "gentle"},
		{"moderate upper edge", 3*day - time.Nanosecond, "moderate"},
		{"moderate lower edge", 1 * day, "moderate"},
		{"urgent", 12 * time.Hour, "urgent"},
		{"critical", 30 * time.Minute, "critical"},
		{"exactly due", 0, "critical"},
		{"just overdue", -time.Nanosecond, "overdue"},
		{"long overdue", -400 * day, "overdue"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, _ := SelectTier(p, due.Add(-tt.delta), due)
			if got.Name != tt.want {
				t.Fatalf("SelectTier(delta=%s) = %q, want %q", tt.delta, got.Name, tt.want)
			}
		})
	}
}

// Every delta must map to exactly one tier: the owning tier's window contains
// delta and no other tier's window does.
func TestSelectTierPartitionsDelta(t *testing.T) {
	t.Parallel()
	owns := func(p Profile, i int, delta time.Duration) bool {
		last := len(p.Tiers) - 1
		upperOK := i == 0 || delta < p.Tiers[i].Before
		lowerOK := i == last || delta >= p.Tiers[i+1].Before
		return upperOK && lowerOK
	}
	for name, p := range Builtin() {
		for delta := -30 * day; delta <= 30*day; delta += 7 * time.Minute {
			_, idx := SelectTier(p, due.Add(-delta), due)
			matches := 0
			for i := range p.Tiers {
				if owns(p, i, delta) {
					matches++
					if i != idx {
						t.Fatalf("%s: delta %s owned by tier %d but selected %d", name, delta, i, idx)
					}
				}
			}
			if matches != 1 {
				t.Fatalf("%s: delta %s owned by %d tiers", name, delta, matches)
			}
		}
	}
}

func TestNextFireBounds(t *testing.T) {
	t.Parallel()
	for name, p := range Builtin() {
		for delta := -3 * day; delta <= 20*day; delta += 13 * time.Minute {
			now := due.Add(-delta)
			_, idx := SelectTier(p, now, due)
			next := NextFire(p, now, due, idx)
			if next.Before(now) {
				t.Fatalf("%s: next %s before now %s", name, next, now)
			}
			if next.After(now.Add(p.Tiers[idx].Interval)) {
				t.Fatalf("%s: next %s beyond interval", name, next)
			}
			if idx+1 < len(p.Tiers) {
				b := due.Add(-p.Tiers[idx+1].Before)
				if next.After(b) {
					t.Fatalf("%s: next %s overshoots boundary %s", name, next, b)
				}
			}
		}
	}
}

func TestNextFireClampsToBoundary(t *testing.T) {
	t.Parallel()
	p := Builtin()["standard"]
	// 90 minutes before due: urgent tier (2h interval) would overshoot the
	// critical tier that starts 1h before due.
	now := due.Add(-90 * time.Minute)
	tier, idx := SelectTier(p, now, due)
	if tier.Name != "urgent" {
		t.Fatalf("tier = %q, want urgent", tier.Name)
	}
	got := NextFire(p, now, due, idx)
	want := due.Add(-time.Hour)
	if !got.Equal(want) {
		t.Fatalf("NextFire = %s, want %s", got, want)
	}
}

func TestNextFireOverdueUsesInterval(t *testing.T) {
	t.Parallel()
	p := Builtin()["standard"]
	now := due.Add(time.Hour)
	_, idx := SelectTier(p, now, due)
	if got, want := NextFire(p, now, due, idx), now.Add(15*time.Minute); !got.Equal(want) {
		t.Fatalf("NextFire = %s, want %s", got, want)
	}
}

func TestStartAt(t *testing.T) {
	t.Parallel()
	p := Builtin()["standard"]
	now := due.Add(-30 * day)
	if got, want := StartAt(p, now, due), due.Add(-7*day); !got.Equal(want) {
		t.Fatalf("StartAt = %s, want %s", got, want)
	}
	late := due.Add(-time.Hour)
	if got := StartAt(p, late, due); !got.Equal(late) {
		t.Fatalf("StartAt = %s, want now", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    Profile
		ok   bool
	}{
		{"empty", Profile{Name: "x"}, false},
		{"zero interval", Profile{Name: "x", Tiers: []Tier{{Name: "a", Before: day}}}, false},
		{"overlap", Profile{Name: "x", Tiers: []Tier{
			{Name: "a", Before: day, Interval: time.Hour},
			{Name: "b", Before: day, Interval: time.Minute},
		}}, false},
		{"out of order", Profile{Name: "x", Tiers: []Tier{
			{Name: "a", Before: 0, Interval: time.Hour},
			{Name: "b", Before: day, Interval: time.Minute},
		}}, false},
		{"duplicate name", Profile{Name: "x", Tiers: []Tier{
			{Name: "a", Before: day, Interval: time.Hour},
			{Name: "a", Before: 0, Interval: time.Minute},
		}}, false},
		{"single tier", Profile{Name: "x", Tiers: []Tier{{Name: "a", Before: 0, Interval: time.Hour}}}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Validate = %v, want ErrConfiguration", err)
			}
		})
	}
	for name, p := range Builtin() {
		if err := p.Validate(); err != nil {
			t.Fatalf("builtin %s: %v", name, err)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	custom := Profile{Tiers: []Tier{
		{Name: "soon", Before: 2 * day, Interval: 6 * time.Hour},
		{Name: "late", Before: 0, Interval: time.Hour},
	}}
	r, err := NewRegistry(map[string]Profile{"bills": custom})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, err := r.Resolve(Named("bills"), "")
	if err != nil || p.Name != "bills" {
		t.Fatalf("Resolve(bills) = %v, %v", p.Name, err)
	}
	p, err = r.Resolve(Ref{}, "gentle")
	if err != nil || p.Name != "gentle" {
		t.Fatalf("Resolve(user default) = %v, %v", p.Name, err)
	}
	inline := custom
	p, err = r.Resolve(Ref{Name: "standard", Inline: &inline}, "")
	if err != nil || p.Name != "inline" || len(p.Tiers) != 2 {
		t.Fatalf("Resolve(inline) = %+v, %v", p, err)
	}

	if _, err := r.Resolve(Named("nope"), ""); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unknown profile err = %v", err)
	}
	if _, err := r.Resolve(Ref{}, ""); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("empty ref err = %v", err)
	}
	if got := r.Default(); got.Name != DefaultProfileName {
		t.Fatalf("Default = %q", got.Name)
	}
}

func TestRegistryReplaceRejectsInvalid(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	bad := map[string]Profile{"bad": {}}
	if err := r.Replace(bad); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := r.Lookup("standard"); !ok {
		t.Fatal("registry lost builtins after failed replace")
	}
}

func TestInlineRefRoundTrip(t *testing.T) {
	t.Parallel()
	raw := `{"name":"rent","tiers":[{"name":"soon","before":"72h","interval":"12h"},{"name":"late","before":"0s","interval":"30m"}]}`
	ref, err := DecodeRef("standard", raw)
	if err != nil {
		t.Fatalf("DecodeRef: %v", err)
	}
	if ref.Inline == nil || len(ref.Inline.Tiers) != 2 || ref.Inline.Tiers[0].Before != 72*time.Hour {
		t.Fatalf("decoded inline = %+v", ref.Inline)
	}
	enc, err := ref.EncodeInline()
	if err != nil {
		t.Fatalf("EncodeInline: %v", err)
	}
	var back Profile
	if err := json.Unmarshal([]byte(enc), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Tiers[1].Interval != 30*time.Minute {
		t.Fatalf("interval = %s", back.Tiers[1].Interval)
	}

	if _, err := DecodeRef("x", "{not json"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("bad inline err = %v", err)
	}
}
