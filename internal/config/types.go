package config

import (
	"nagbot/internal/nag/escalation"
)

// TokenEnv overrides telegram.token when set, so the token can stay out of
// the config file.
const TokenEnv = "NAGBOT_TELEGRAM_TOKEN"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage defaults to sqlite at ./nagbot.db when omitted.
	Storage *StorageConfig `json:"storage,omitempty"`

	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
	Notifier  *NotifierConfig  `json:"notifier,omitempty"`

	Defaults DefaultsConfig `json:"defaults"`
	Limits   LimitsConfig   `json:"limits"`

	// Profiles adds escalation profiles to the built-in ones (standard,
	// gentle, aggressive). A profile with a built-in name replaces it.
	Profiles map[string]escalation.Profile `json:"profiles,omitempty"`

	Systemd SystemdConfig `json:"systemd"`
	Debug   DebugConfig   `json:"debug"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AllowedUserIDs restricts who may use reminder commands. Empty allows
	// everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`

	// AdminChatID receives operator alerts (heartbeat health changes).
	AdminChatID int64 `json:"admin_chat_id,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./nagbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// HeartbeatConfig drives the nag loop.
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s"
//   - workers: 4
//   - unhealthy_after: 5 consecutive ticks with store errors
type HeartbeatConfig struct {
	Interval       string `json:"interval,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	UnhealthyAfter int    `json:"unhealthy_after,omitempty"`
}

// NotifierConfig controls nag delivery and the operator alert pipeline.
//
// All durations are Go duration strings. If the whole section is omitted,
// nags are sent with the defaults and alerts are enabled.
type NotifierConfig struct {
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	Alerts *AlertsConfig `json:"alerts,omitempty"`
}

type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// DefaultsConfig seeds the settings of newly registered users.
type DefaultsConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	QuietStart string `json:"quiet_start,omitempty"`
	QuietEnd   string `json:"quiet_end,omitempty"`
	Profile    string `json:"profile,omitempty"`
}

// LimitsConfig bounds what a single user can store.
type LimitsConfig struct {
	MaxOpenTasks   int `json:"max_open_tasks,omitempty"`
	MaxTitle       int `json:"max_title,omitempty"`
	MaxDescription int `json:"max_description,omitempty"`
}

// SystemdConfig enables sd_notify integration. Both are no-ops outside a
// systemd unit.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// DebugConfig controls the operator HTTP endpoints (/healthz, /statusz and
// /debug/pprof/). Addr defaults to 127.0.0.1:6060; binding elsewhere
// requires Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
