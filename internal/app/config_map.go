package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"nagbot/internal/config"
	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/heartbeat"
	"nagbot/internal/nag/quiet"
	"nagbot/internal/notifier"
	"nagbot/internal/observability/debug"
	"nagbot/internal/storage"
	"nagbot/internal/tasks"
	logx "nagbot/pkg/logx"
)

// Defaults for a new user when the config leaves them empty.
const (
	defaultTimezone   = "UTC"
	defaultQuietStart = "23:00"
	defaultQuietEnd   = "07:00"
	defaultProfile    = "standard"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: "./nagbot.db"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: driver}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHeartbeatConfig(cfg *config.Config) (heartbeat.Config, error) {
	var out heartbeat.Config
	if h := cfg.Heartbeat; h != nil {
		if h.Workers < 0 {
			return out, fmt.Errorf("heartbeat.workers must be >= 0")
		}
		if h.UnhealthyAfter < 0 {
			return out, fmt.Errorf("heartbeat.unhealthy_after must be >= 0")
		}
		iv, err := config.ParseDurationOrDefault("heartbeat.interval", h.Interval, time.Minute)
		if err != nil {
			return out, err
		}
		if iv < time.Second {
			return out, fmt.Errorf("heartbeat.interval must be at least 1s")
		}
		out.Interval = iv
		out.Workers = h.Workers
		out.UnhealthyAfter = h.UnhealthyAfter
	}
	if n := cfg.Notifier; n != nil {
		to, err := config.ParseDurationOrDefault("notifier.timeout", n.Timeout, 10*time.Second)
		if err != nil {
			return out, err
		}
		out.SendTimeout = to
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	// Alerts stay on unless a config explicitly turns them off.
	out := notifier.Config{AlertsEnabled: true}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.RatePerSec < 0 {
		return out, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	out.RatePerSec = n.RatePerSec
	if _, err := config.ParseDurationField("notifier.timeout", n.Timeout); err != nil {
		return out, err
	}

	a := n.Alerts
	if a == nil {
		return out, nil
	}
	if a.Workers < 0 || a.QueueSize < 0 || a.RetryMax < 0 || a.DedupMaxEntries < 0 {
		return out, fmt.Errorf("notifier.alerts: counts must be >= 0")
	}
	out.AlertsEnabled = a.Enabled
	out.Workers = a.Workers
	out.QueueSize = a.QueueSize
	out.RetryMax = a.RetryMax
	out.DedupMaxEntries = a.DedupMaxEntries

	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.alerts.retry_base", a.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.alerts.retry_max_delay", a.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.alerts.dedup_window", a.DedupWindow, 5*time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

func mapDefaults(cfg *config.Config) (storage.UserDefaults, error) {
	d := cfg.Defaults
	out := storage.UserDefaults{
		Timezone:   orDefault(d.Timezone, defaultTimezone),
		QuietStart: orDefault(d.QuietStart, defaultQuietStart),
		QuietEnd:   orDefault(d.QuietEnd, defaultQuietEnd),
		Profile:    orDefault(d.Profile, defaultProfile),
	}
	if _, err := time.LoadLocation(out.Timezone); err != nil {
		return out, fmt.Errorf("defaults.timezone: invalid %q: %w", out.Timezone, err)
	}
	if _, err := quiet.ParseWindow(out.QuietStart, out.QuietEnd); err != nil {
		return out, fmt.Errorf("defaults.quiet: %w", err)
	}
	return out, nil
}

func mapLimits(cfg *config.Config) (tasks.Limits, error) {
	l := cfg.Limits
	if l.MaxOpenTasks < 0 || l.MaxTitle < 0 || l.MaxDescription < 0 {
		return tasks.Limits{}, fmt.Errorf("limits must be >= 0")
	}
	return tasks.Limits{MaxOpenTasks: l.MaxOpenTasks, MaxTitle: l.MaxTitle, MaxDesc: l.MaxDescription}, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	addr := strings.TrimSpace(d.Addr)
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return debug.Config{}, fmt.Errorf("debug.addr: %w", err)
		}
	}
	return debug.Config{Enabled: d.Enabled, Addr: addr, Token: strings.TrimSpace(d.Token)}, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

// validateConfig rejects a config before it is committed, on load and on
// every hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	for _, lvl := range []struct{ path, v string }{
		{"logging.level", cfg.Logging.Level},
		{"logging.telegram.min_level", cfg.Logging.Telegram.MinLevel},
	} {
		if strings.TrimSpace(lvl.v) != "" && !logx.ValidLevel(lvl.v) {
			return fmt.Errorf("%s: unknown level %q", lvl.path, lvl.v)
		}
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return fmt.Errorf("logging.telegram.chat_id is required when logging.telegram.enabled is true")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHeartbeatConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLimits(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	reg, err := escalation.NewRegistry(cfg.Profiles)
	if err != nil {
		return err
	}
	d, err := mapDefaults(cfg)
	if err != nil {
		return err
	}
	if _, ok := reg.Lookup(d.Profile); !ok {
		return fmt.Errorf("defaults.profile: unknown profile %q", d.Profile)
	}
	return nil
}
