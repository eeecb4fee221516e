package app

import (
	"errors"

	"nagbot/internal/config"
	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/heartbeat"
	"nagbot/internal/storage"
	"nagbot/internal/tasks"
	logx "nagbot/pkg/logx"
)

// Local is the store-side half of the app, used by the CLI to manage
// reminders without connecting to Telegram. Changes made here do not edit
// already delivered nags.
type Local struct {
	Config   *config.Config
	Store    *storage.Store
	Profiles *escalation.Registry
	Tasks    *tasks.Service
	Clock    heartbeat.Clock
}

// OpenLocal parses and validates the config file and opens its store.
func OpenLocal(cfgPath string, log logx.Logger) (*Local, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if sc.Driver == "memory" {
		return nil, errors.New("storage.driver=memory keeps no data between runs")
	}
	limits, err := mapLimits(cfg)
	if err != nil {
		return nil, err
	}
	profiles, err := escalation.NewRegistry(cfg.Profiles)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	clock := heartbeat.SystemClock{}
	return &Local{
		Config:   cfg,
		Store:    store,
		Profiles: profiles,
		Tasks:    tasks.New(store, profiles, nil, clock, limits, log.With(logx.String("comp", "tasks"))),
		Clock:    clock,
	}, nil
}

func (l *Local) Close() error { return l.Store.Close() }
