package storage

import (
	"errors"
	"strings"

	logx "nagbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return OpenMemory(log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
