package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: file-token
  allowed_user_ids: [11, 12]
  admin_chat_id: -1001
  poll_timeout: 15s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./nagbot.db
heartbeat:
  interval: 30s
  workers: 2
notifier:
  timeout: 5s
  rate_per_sec: 10
  alerts:
    enabled: true
    retry_max: 2
defaults:
  timezone: Europe/Berlin
  quiet_start: "22:00"
  quiet_end: "08:00"
  profile: gentle
profiles:
  relaxed:
    tiers:
      - {name: soon, before: 24h, interval: 12h}
      - {name: late, before: 0s, interval: 2h}
systemd:
  notify: true
  watchdog: true
debug:
  enabled: true
  addr: 127.0.0.1:6061
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func noEnv(string) string { return "" }

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "nagbot.yaml", sampleYAML))
	m.getenv = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || len(cfg.Telegram.AllowedUserIDs) != 2 || cfg.Telegram.AdminChatID != -1001 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Heartbeat == nil || cfg.Heartbeat.Interval != "30s" || cfg.Notifier.Alerts.RetryMax != 2 {
		t.Fatalf("heartbeat/notifier = %+v %+v", cfg.Heartbeat, cfg.Notifier)
	}
	if !cfg.Debug.Enabled || cfg.Debug.Addr != "127.0.0.1:6061" {
		t.Fatalf("debug = %+v", cfg.Debug)
	}
	if cfg.Defaults.QuietStart != "22:00" || cfg.Defaults.Profile != "gentle" {
		t.Fatalf("defaults = %+v", cfg.Defaults)
	}
	p, ok := cfg.Profiles["relaxed"]
	if !ok || len(p.Tiers) != 2 || p.Tiers[0].Before != 24*time.Hour || p.Tiers[1].Interval != 2*time.Hour {
		t.Fatalf("profiles = %+v", cfg.Profiles)
	}
	if !cfg.Systemd.Notify || !cfg.Systemd.Watchdog {
		t.Fatalf("systemd = %+v", cfg.Systemd)
	}
}

func TestParseTokenFromEnv(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "nagbot.json", `{"telegram":{"token":"file-token"}}`))
	m.getenv = func(k string) string {
		if k == TokenEnv {
			return " env-token "
		}
		return ""
	}
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown key", "c.json", `{"telegram":{"token":"x","owner_user_ids":[1]}}`, "unknown field"},
		{"trailing data", "c.json", `{"telegram":{}} {"x":1}`, "trailing data"},
		{"bad yaml", "c.yml", "telegram: [", "yaml:"},
		{"two documents", "c.yaml", "telegram: {}\n---\nlogging: {}\n", "one document"},
		{"complex key", "c.yaml", "? [a, b]\n: 1\n", "mapping keys"},
		{"bad tier duration", "c.yaml", "profiles:\n  p:\n    tiers:\n      - {name: a, before: soon, interval: 1h}\n", "before"},
	}
	for _, tt := range tests {
		m := NewManager(writeFile(t, tt.file, tt.body))
		m.getenv = noEnv
		if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestParseYAMLAliasesAndEmpty(t *testing.T) {
	t.Parallel()
	body := `
profiles:
  bills:
    tiers:
      - &soon {name: soon, before: 24h, interval: 4h}
      - <<: *soon
        name: late
        before: 0s
`
	m := NewManager(writeFile(t, "c.yaml", body))
	m.getenv = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tiers := cfg.Profiles["bills"].Tiers
	if len(tiers) != 2 || tiers[1].Name != "late" || tiers[1].Before != 0 || tiers[1].Interval != 4*time.Hour {
		t.Fatalf("tiers = %+v", tiers)
	}

	m = NewManager(writeFile(t, "empty.yaml", "# nothing yet\n"))
	m.getenv = noEnv
	if _, err := m.Parse(); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", time.Minute, time.Minute, false},
		{"0s", time.Minute, time.Minute, false},
		{" 90s ", time.Minute, 90 * time.Second, false},
		{"-1s", time.Minute, 0, true},
		{"often", time.Minute, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("heartbeat.interval", tt.raw, tt.def)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDurationOrDefault(%q) = %s, %v", tt.raw, got, err)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "nagbot.yaml", sampleYAML))
	m.getenv = noEnv
	a, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Parse()

	if sections, _ := SummarizeConfigChange(a, b); len(sections) != 0 {
		t.Fatalf("identical configs changed %v", sections)
	}

	b.Telegram.Token = "rotated"
	b.Heartbeat.Workers = 8
	delete(b.Profiles, "relaxed")
	b.Systemd.Watchdog = false
	sections, attrs := SummarizeConfigChange(a, b)
	want := []string{"heartbeat", "profiles", "systemd", "telegram"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	if sections, _ := SummarizeConfigChange(nil, b); len(sections) == 0 {
		t.Fatal("nil old config reported no change")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "nagbot.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	m.getenv = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "bogus" {
			return errors.New("bad level")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"bogus"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config published: %+v", cfg.Logging)
	case <-time.After(600 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" || m.Get().Logging.Level != "debug" {
			t.Fatalf("published %+v", cfg.Logging)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}
