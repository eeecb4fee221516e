package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "nagbot/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns log
// fields describing the new values. Secrets (the bot token) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!slices.Equal(ot.AllowedUserIDs, nt.AllowedUserIDs) ||
		ot.AdminChatID != nt.AdminChatID ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.allowed_count", len(nt.AllowedUserIDs)),
			logx.Bool("telegram.admin_chat_set", nt.AdminChatID != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if ost, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage); ost != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(ns.BusyTimeout)),
		)
	}

	if oh, nh := derefHeartbeat(oldCfg.Heartbeat), derefHeartbeat(newCfg.Heartbeat); oh != nh {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.String("heartbeat.interval", strings.TrimSpace(nh.Interval)),
			logx.Int("heartbeat.workers", nh.Workers),
			logx.Int("heartbeat.unhealthy_after", nh.UnhealthyAfter),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := NotifierConfig{}
		if newCfg.Notifier != nil {
			n = *newCfg.Notifier
		}
		attrs = append(attrs,
			logx.String("notifier.timeout", strings.TrimSpace(n.Timeout)),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.alerts_enabled", n.Alerts == nil || n.Alerts.Enabled),
		)
	}

	if oldCfg.Defaults != newCfg.Defaults {
		changed = append(changed, "defaults")
		attrs = append(attrs,
			logx.String("defaults.timezone", newCfg.Defaults.Timezone),
			logx.String("defaults.profile", newCfg.Defaults.Profile),
		)
	}

	if oldCfg.Limits != newCfg.Limits {
		changed = append(changed, "limits")
		attrs = append(attrs, logx.Int("limits.max_open_tasks", newCfg.Limits.MaxOpenTasks))
	}

	if names := diffProfiles(oldCfg, newCfg); len(names) > 0 {
		changed = append(changed, "profiles")
		attrs = append(attrs, logx.String("profiles.changed", strings.Join(names, ",")))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefHeartbeat(h *HeartbeatConfig) HeartbeatConfig {
	if h == nil {
		return HeartbeatConfig{}
	}
	return *h
}

// diffProfiles names the custom profiles that were added, removed or edited.
func diffProfiles(oldCfg, newCfg *Config) []string {
	var out []string
	for name, p := range newCfg.Profiles {
		if q, ok := oldCfg.Profiles[name]; !ok || !reflect.DeepEqual(p, q) {
			out = append(out, name)
		}
	}
	for name := range oldCfg.Profiles {
		if _, ok := newCfg.Profiles[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
