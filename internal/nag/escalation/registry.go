package escalation

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const day = 24 * time.Hour

// DefaultProfileName is the fallback used when a reference cannot be resolved.
const DefaultProfileName = "standard"

// Builtin returns the stock profiles.
func Builtin() map[string]Profile {
	return map[string]Profile{
		"standard": {Name: "standard", Tiers: []Tier{
			{Name: "gentle", Before: 7 * day, Interval: 24 * time.Hour},
			{Name: "moderate", Before: 3 * day, Interval: 12 * time.Hour},
			{Name: "urgent", Before: 1 * day, Interval: 2 * time.Hour},
			{Name: "critical", Before: time.Hour, Interval: 30 * time.Minute},
			{Name: "overdue", Before: 0, Interval: 15 * time.Minute},
		}},
		"gentle": {Name: "gentle", Tiers: []Tier{
			{Name: "reminder", Before: 7 * day, Interval: 48 * time.Hour},
			{Name: "approaching", Before: 2 * day, Interval: 24 * time.Hour},
			{Name: "due_soon", Before: 1 * day, Interval: 6 * time.Hour},
			{Name: "overdue", Before: 0, Interval: 3 * time.Hour},
		}},
		"aggressive": {Name: "aggressive", Tiers: []Tier{
			{Name: "early", Before: 14 * day, Interval: 24 * time.Hour},
			{Name: "moderate", Before: 7 * day, Interval: 8 * time.Hour},
			{Name: "urgent", Before: 3 * day, Interval: 2 * time.Hour},
			{Name: "critical", Before: 1 * day, Interval: 30 * time.Minute},
			{Name: "overdue", Before: 0, Interval: 10 * time.Minute},
		}},
	}
}

// Registry holds the named profiles. It is safe for concurrent use so config
// hot-reload can swap the table while a heartbeat tick reads it.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry builds a registry from the built-ins plus extra profiles.
// Extra profiles override built-ins of the same name.
func NewRegistry(extra map[string]Profile) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(extra); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates extra and swaps it in atomically; on error nothing changes.
func (r *Registry) Replace(extra map[string]Profile) error {
	next := Builtin()
	for name, p := range extra {
		name = strings.TrimSpace(name)
		p.Name = name
		if err := p.Validate(); err != nil {
			return err
		}
		next[name] = p
	}
	r.mu.Lock()
	r.profiles = next
	r.mu.Unlock()
	return nil
}

// Lookup returns a named profile.
func (r *Registry) Lookup(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[strings.TrimSpace(name)]
	return p, ok
}

// Names lists the registered profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Default returns the fallback profile.
func (r *Registry) Default() Profile {
	if p, ok := r.Lookup(DefaultProfileName); ok {
		return p
	}
	return Builtin()[DefaultProfileName]
}

// Resolve turns a reference into a tier table. A zero reference resolves to
// userDefault (the owning user's default profile name). Unknown names, empty
// references and invalid inline overrides fail with a ConfigError.
func (r *Registry) Resolve(ref Ref, userDefault string) (Profile, error) {
	if ref.Inline != nil {
		p := *ref.Inline
		if p.Name == "" {
			p.Name = "inline"
		}
		if err := p.Validate(); err != nil {
			return Profile{}, err
		}
		return p, nil
	}
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		name = strings.TrimSpace(userDefault)
	}
	if name == "" {
		return Profile{}, configErr("", "empty profile reference")
	}
	p, ok := r.Lookup(name)
	if !ok {
		return Profile{}, configErr(name, "unknown profile")
	}
	return p, nil
}
