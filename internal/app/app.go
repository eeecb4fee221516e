// Package app wires the reminder service: config, logging, storage, the
// Telegram transport, the nag engine and process health.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nagbot/internal/bot"
	"nagbot/internal/config"
	"nagbot/internal/eventbus"
	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/heartbeat"
	"nagbot/internal/notifier"
	"nagbot/internal/observability/debug"
	rtsup "nagbot/internal/runtime/supervisor"
	"nagbot/internal/storage"
	"nagbot/internal/tasks"
	kit "nagbot/internal/transport"
	telegram "nagbot/internal/transport/telegram/adapter"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
	"nagbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.Store
	profiles *escalation.Registry
	adapter  *telegram.Adapter
	router   *router.Router
	notif    *notifier.Service
	bot      *bot.Bot
	sched    *heartbeat.Scheduler
	beat     *heartbeat.Service
	sd       *systemd.Notifier
	debug    *debug.Service
	probe    *probe

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := build(cfg, logs, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(cfg *config.Config, logs *logx.Service, log logx.Logger) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	hb, err := mapHeartbeatConfig(cfg)
	if err != nil {
		return nil, err
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	defaults, err := mapDefaults(cfg)
	if err != nil {
		return nil, err
	}
	limits, err := mapLimits(cfg)
	if err != nil {
		return nil, err
	}
	dc, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	profiles, err := escalation.NewRegistry(cfg.Profiles)
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		RequestTimeout: hb.SendTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logs.SetSender(ad)

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	clock := heartbeat.SystemClock{}
	bus := eventbus.New()
	notif := notifier.New(nc, ad, log.With(logx.String("comp", "notifier")), bus)

	svc := tasks.New(store, profiles, notif, clock, limits, log.With(logx.String("comp", "tasks")))

	sched := heartbeat.NewScheduler(hb, store, notif, profiles, clock, log.With(logx.String("comp", "heartbeat")), bus)
	rec := heartbeat.NewReconciler(store, clock, log.With(logx.String("comp", "reconciler")))
	beat := heartbeat.NewService(sched, rec, log.With(logx.String("comp", "heartbeat")))

	b := bot.New(store, svc, profiles, clock, defaults, log.With(logx.String("comp", "bot")))
	b.SetStatus(sched.Health())

	r := router.New(log.With(logx.String("comp", "router")), ad, cfg.Telegram.AllowedUserIDs)
	r.SetRegistry(b.Commands(), b.Callbacks())

	a := &App{
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      bus,
		store:    store,
		profiles: profiles,
		adapter:  ad,
		router:   r,
		notif:    notif,
		bot:      b,
		sched:    sched,
		beat:     beat,
		sd:       systemd.New(cfg.Systemd.Notify, log.With(logx.String("comp", "systemd"))),
		updates:  make(chan kit.Update, 256),
	}
	a.probe = &probe{a: a, startedAt: clock.Now()}
	a.debug = debug.New(dc, a.probe, log.With(logx.String("comp", "debug")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	a.debug.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.startEventLog()
	a.startHealthAlerts()
	a.startSystemdStatus()

	// Reconciliation runs inside Start, before the first tick.
	if err := a.beat.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg.Systemd.Watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.Watchdog(c, a.beat.Healthy)
		})
	}

	a.sd.Ready()
	a.log.Info("app started", logx.Any("profiles", a.profiles.Names()))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug level: ticks fire every interval.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// startHealthAlerts forwards heartbeat health transitions to the admin chat.
func (a *App) startHealthAlerts() {
	events, unsub := a.bus.SubscribeTypes(8, heartbeat.EventHealthChanged)
	a.sup.Go0("health.alerts", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				ev, ok := e.Data.(heartbeat.HealthEvent)
				if !ok {
					continue
				}
				chatID := a.cfgm.Get().Telegram.AdminChatID
				if chatID == 0 {
					continue
				}
				alert := notifier.Alert{Priority: 8, Target: kit.ChatTarget{ChatID: chatID}}
				if ev.Healthy {
					alert.Priority = 3
					alert.Text = "Reminder store recovered; nags are flowing again."
				} else {
					alert.Text = fmt.Sprintf("Reminder store unhealthy: %d consecutive ticks failed.", ev.FailedTicks)
				}
				if err := a.notif.Alert(c, alert); err != nil {
					a.log.Warn("health alert not queued", logx.Err(err))
				}
			}
		}
	})
}

// startSystemdStatus mirrors the last tick into the unit's STATUS line and
// /statusz.
func (a *App) startSystemdStatus() {
	events, unsub := a.bus.SubscribeTypes(4, heartbeat.EventTick)
	a.sup.Go0("systemd.status", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if rep, ok := e.Data.(heartbeat.Report); ok {
					a.probe.lastTick.Store(&rep)
					a.sd.Status(fmt.Sprintf("due %d, delivered %d, failed %d", rep.Due, rep.Delivered, rep.DeliveryFailed))
				}
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.sd.Reloading()
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
			a.sd.Ready()
		}
	}
}

// apply pushes a validated config into the running components.
func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if s == "systemd" {
			a.log.Warn("systemd config changed; restart required for changes to take effect")
		}
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		a.log.Warn("telegram connection settings changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.router.SetAllowed(newCfg.Telegram.AllowedUserIDs)

	if err := a.profiles.Replace(newCfg.Profiles); err != nil {
		a.log.Warn("invalid profiles; keeping previous", logx.Err(err))
	}
	if d, err := mapDefaults(newCfg); err != nil {
		a.log.Warn("invalid defaults; keeping previous", logx.Err(err))
	} else {
		a.bot.SetDefaults(d)
	}
	if hb, err := mapHeartbeatConfig(newCfg); err != nil {
		a.log.Warn("invalid heartbeat config; keeping previous", logx.Err(err))
	} else {
		a.beat.Apply(hb)
	}

	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev, _ := mapNotifierConfig(oldCfg)
		a.notif.Apply(nc)
		switch {
		case prev.AlertsEnabled && !nc.AlertsEnabled:
			a.log.Info("alerts disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev.AlertsEnabled && nc.AlertsEnabled:
			a.log.Info("alerts enabled via config")
			a.notif.Start(c)
		}
	}

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Stop the heartbeat before cancelling so the running tick can finish its
	// in-flight sends on a live adapter.
	step := a.stepper(ctx)
	step("heartbeat", 5*time.Second, func(c context.Context) error { a.beat.Stop(c); return nil })

	a.sup.Cancel()

	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// stepper returns a helper that runs one shutdown step with an upper bound,
// so one component cannot stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}
}
