package notifier

import (
	"time"

	kit "nagbot/internal/transport"
)

// Config controls delivery. Durations are already parsed.
type Config struct {
	// RatePerSec bounds all outgoing messages; burst equals the rate.
	RatePerSec int

	// Alert pipeline.
	AlertsEnabled   bool
	Workers         int
	QueueSize       int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Alert is an operator notification.
type Alert struct {
	Priority int // 0 low .. 10 high
	Target   kit.ChatTarget
	Text     string
}

type HistoryItem struct {
	At     time.Time
	Kind   string // "nag" or "alert"
	ChatID int64
	Text   string
	Error  string
}

// AlertEvent is published on the bus for alert lifecycle events.
type AlertEvent struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

const (
	EventAlertQueued  = "alert.queued"
	EventAlertDeduped = "alert.deduped"
	EventAlertDropped = "alert.dropped"
	EventAlertSent    = "alert.sent"
	EventAlertFailed  = "alert.failed"
)
