package heartbeat

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"nagbot/internal/eventbus"
	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/reminder"
	logx "nagbot/pkg/logx"

	"golang.org/x/sync/errgroup"
)

// Event types published on the bus.
const (
	EventNagSent       = "nag.sent"
	EventNagFailed     = "nag.failed"
	EventTick          = "heartbeat.tick"
	EventHealthChanged = "health.changed"
)

// Config tunes a Scheduler. Zero values take defaults.
type Config struct {
	Interval       time.Duration
	Workers        int
	SendTimeout    time.Duration
	UnhealthyAfter int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 5
	}
	return c
}

// Report summarises one tick.
type Report struct {
	At             time.Time
	Due            int
	Fired          int
	Delivered      int
	DeliveryFailed int
	Deferred       int
	Conflicts      int
	StoreErrors    int
	// Abandoned counts tasks not dispatched because shutdown began.
	Abandoned int
	Took      time.Duration
}

type outcome int

const (
	outcomeDelivered outcome = iota + 1
	outcomeDeliveryFailed
	outcomeDeferred
	outcomeConflict
	outcomeStoreError
	outcomeSkipped
	outcomeAbandoned
)

// Scheduler runs heartbeat ticks. It holds no per-task state; everything a
// tick needs comes from the store and the clock.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	notifier Notifier
	profiles *escalation.Registry
	clock    Clock
	bus      eventbus.Bus
	log      logx.Logger
	health   *Health
}

func NewScheduler(cfg Config, store Store, notifier Notifier, profiles *escalation.Registry, clock Clock, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		profiles: profiles,
		clock:    clock,
		bus:      bus,
		log:      log,
		health:   NewHealth(cfg.UnhealthyAfter),
	}
}

// Apply swaps the tuning knobs; the next tick picks them up.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.health.SetThreshold(cfg.UnhealthyAfter)
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Health exposes the store health signal.
func (s *Scheduler) Health() *Health { return s.health }

// Tick processes every due task once. Once ctx is cancelled no further task
// is dispatched; tasks already dispatched run to completion on a context that
// ignores the cancellation so no task is left half-advanced.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	start := time.Now()
	cfg := s.config()
	now := s.clock.Now().UTC()
	rep := Report{At: now}

	tasks, err := s.store.FetchDueTasks(ctx, now)
	if err != nil {
		rep.StoreErrors = 1
		rep.Took = time.Since(start)
		s.finish(rep)
		return rep, &StoreError{Op: "fetch due tasks", Err: err}
	}
	slices.SortStableFunc(tasks, func(a, b reminder.Task) int {
		return fireTime(a).Compare(fireTime(b))
	})
	rep.Due = len(tasks)

	work := context.WithoutCancel(ctx)
	results := make([]outcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for i, t := range tasks {
		if ctx.Err() != nil {
			for j := i; j < len(tasks); j++ {
				results[j] = outcomeAbandoned
			}
			break
		}
		g.Go(func() error {
			// g.Go blocks for a free worker; shutdown may have begun meanwhile.
			if ctx.Err() != nil {
				results[i] = outcomeAbandoned
				return nil
			}
			results[i] = s.process(work, cfg, now, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r {
		case outcomeDelivered:
			rep.Fired++
			rep.Delivered++
		case outcomeDeliveryFailed:
			rep.Fired++
			rep.DeliveryFailed++
		case outcomeDeferred:
			rep.Deferred++
		case outcomeConflict:
			rep.Conflicts++
		case outcomeStoreError:
			rep.StoreErrors++
		case outcomeAbandoned:
			rep.Abandoned++
		}
	}
	if rep.Abandoned > 0 {
		s.log.Info("shutdown requested; remaining tasks left for the next start", logx.Int("abandoned", rep.Abandoned))
	}
	rep.Took = time.Since(start)
	s.finish(rep)
	return rep, nil
}

func (s *Scheduler) finish(rep Report) {
	if changed, healthy := s.health.Observe(rep.StoreErrors > 0); changed {
		if healthy {
			s.log.Info("store recovered")
		} else {
			s.log.Error("store unhealthy", logx.Int("failed_ticks", s.health.ConsecutiveFailures()))
		}
		s.publish(EventHealthChanged, HealthEvent{Healthy: healthy, FailedTicks: s.health.ConsecutiveFailures()})
	}
	if rep.Due > 0 || rep.StoreErrors > 0 {
		s.log.Debug("tick done",
			logx.Int("due", rep.Due),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.DeliveryFailed),
			logx.Int("deferred", rep.Deferred),
			logx.Int("conflicts", rep.Conflicts),
			logx.Int("store_errors", rep.StoreErrors),
			logx.Duration("took", rep.Took),
		)
	}
	s.publish(EventTick, rep)
}

// process handles one task in isolation; it never returns an error so one
// task cannot abort the batch.
func (s *Scheduler) process(ctx context.Context, cfg Config, now time.Time, t reminder.Task) outcome {
	log := s.log.With(logx.String("task", t.ID), logx.Int64("user", t.UserID))

	user, err := s.store.User(ctx, t.UserID)
	if err != nil {
		log.Warn("skip task: load user", logx.Err(&StoreError{Op: "load user", TaskID: t.ID, Err: err}))
		return outcomeStoreError
	}
	pol := s.policy(log, t, user)

	// A fire that comes due inside quiet hours (after a snooze or a restart)
	// is deferred, never sent.
	if at := pol.Quiet.Adjust(now); at.After(now) {
		n, err := t.Reschedule(at, now)
		if err != nil {
			log.Error("defer failed", logx.Err(err))
			return outcomeSkipped
		}
		return s.save(ctx, log, n, outcomeDeferred)
	}

	out, err := t.Fire(now, pol)
	if err != nil {
		log.Error("fire failed", logx.Err(err))
		return outcomeSkipped
	}
	saved := s.save(ctx, log, out.Task, outcomeDelivered)
	if saved != outcomeDelivered {
		return saved
	}

	nag := Nag{Task: out.Task, User: user, Tier: out.Tier, Level: tierLevel(pol.Profile, out.Tier), At: now}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	receipt, sendErr := s.notifier.Send(sctx, nag)
	cancel()

	rec := *out.Nag
	rec.Delivered = sendErr == nil
	if sendErr == nil {
		rec.MessageID = receipt.MessageID
	}
	if err := s.store.AppendNagRecord(ctx, rec); err != nil {
		// The task already advanced; only the audit trail is short one entry.
		log.Error("append nag record", logx.Err(&StoreError{Op: "append nag record", TaskID: t.ID, Err: err}))
	}

	ev := NagEvent{TaskID: t.ID, UserID: t.UserID, Tier: out.Tier.Name, NagCount: rec.NagCount, At: now}
	if sendErr != nil {
		derr := &DeliveryError{TaskID: t.ID, Err: sendErr}
		ev.Error = derr.Error()
		log.Warn("nag delivery failed", logx.String("tier", out.Tier.Name), logx.Err(derr))
		s.publish(EventNagFailed, ev)
		return outcomeDeliveryFailed
	}
	log.Debug("nag sent",
		logx.String("tier", out.Tier.Name),
		logx.Int("count", rec.NagCount),
		logx.Time("next", *out.Task.NextFireAt),
	)
	s.publish(EventNagSent, ev)
	return outcomeDelivered
}

func (s *Scheduler) save(ctx context.Context, log logx.Logger, t reminder.Task, ok outcome) outcome {
	if _, err := s.store.SaveTask(ctx, t); err != nil {
		if errors.Is(err, reminder.ErrVersionConflict) {
			log.Debug("task changed concurrently; skipped")
			return outcomeConflict
		}
		log.Warn("skip task: save", logx.Err(&StoreError{Op: "save task", TaskID: t.ID, Err: err}))
		return outcomeStoreError
	}
	return ok
}

// policy resolves the task's profile and the owner's quiet schedule. Bad
// configuration never stops a nag: it falls back to the default profile and
// to UTC without quiet hours, and logs loudly.
func (s *Scheduler) policy(log logx.Logger, t reminder.Task, u reminder.User) reminder.Policy {
	sched, err := u.Schedule()
	if err != nil {
		log.Error("bad user schedule; using fallback", logx.Err(err))
	}
	prof, err := s.profiles.Resolve(t.Profile, u.DefaultProfile)
	if err != nil {
		prof = s.profiles.Default()
		log.Error("bad escalation profile; using default",
			logx.String("profile", t.Profile.String()),
			logx.String("fallback", prof.Name),
			logx.Err(err),
		)
	}
	return reminder.Policy{Profile: prof, Quiet: sched}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func fireTime(t reminder.Task) time.Time {
	if t.NextFireAt == nil {
		return time.Time{}
	}
	return *t.NextFireAt
}

func tierLevel(p escalation.Profile, t escalation.Tier) int {
	for i := range p.Tiers {
		if p.Tiers[i].Name == t.Name {
			return i
		}
	}
	return 0
}

// NagEvent is the payload of nag.sent and nag.failed.
type NagEvent struct {
	TaskID   string    `json:"task_id"`
	UserID   int64     `json:"user_id"`
	Tier     string    `json:"tier"`
	NagCount int       `json:"nag_count"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
