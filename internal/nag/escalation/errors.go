package escalation

import (
	"errors"
	"fmt"
)

// ErrConfiguration classifies malformed or unknown escalation profiles.
// Callers must not retry; they fall back to Registry.Default().
var ErrConfiguration = errors.New("escalation: configuration error")

// ConfigError describes why a profile (or profile reference) is unusable.
type ConfigError struct {
	Profile string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Profile == "" {
		return fmt.Sprintf("escalation profile: %s", e.Reason)
	}
	return fmt.Sprintf("escalation profile %q: %s", e.Profile, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func configErr(profile, format string, args ...any) error {
	return &ConfigError{Profile: profile, Reason: fmt.Sprintf(format, args...)}
}
