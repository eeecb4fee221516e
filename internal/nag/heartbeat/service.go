package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "nagbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Service owns the periodic trigger. Ticks never overlap: a tick that is
// still running when the next one is due causes that trigger to be dropped.
type Service struct {
	mu sync.Mutex

	sched *Scheduler
	rec   *Reconciler
	log   logx.Logger

	interval time.Duration
	c        *cron.Cron
	entry    cron.EntryID

	runCtx context.Context
	cancel context.CancelFunc
}

func NewService(sched *Scheduler, rec *Reconciler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{sched: sched, rec: rec, log: log}
}

// Start reconciles stale fire times, then starts the trigger. The first tick
// runs one interval after Start.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.rec != nil {
		if _, err := s.rec.Reconcile(ctx); err != nil {
			// Partial repair is fine: the unrepaired tasks are still due and
			// the first tick picks them up.
			s.log.Warn("reconcile incomplete", logx.Err(err))
		}
	}

	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.interval = s.sched.config().Interval
	s.entry = s.c.Schedule(cron.Every(s.interval), cron.FuncJob(s.runTick))
	s.c.Start()
	s.log.Info("heartbeat started", logx.Duration("interval", s.interval))
	return nil
}

// Stop cancels dispatch of new tasks and waits for the running tick, if any,
// to finish its in-flight tasks.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("heartbeat stop timed out; a tick is still running")
	}
	s.log.Info("heartbeat stopped", logx.Duration("took", time.Since(start)))
}

// Apply pushes new tuning to the scheduler and re-registers the trigger when
// the interval changed.
func (s *Service) Apply(cfg Config) {
	s.sched.Apply(cfg)
	interval := s.sched.config().Interval

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || interval == s.interval {
		return
	}
	s.c.Remove(s.entry)
	s.entry = s.c.Schedule(cron.Every(interval), cron.FuncJob(s.runTick))
	s.log.Info("heartbeat interval changed", logx.Duration("from", s.interval), logx.Duration("to", interval))
	s.interval = interval
}

// Healthy reports the store health signal.
func (s *Service) Healthy() bool { return s.sched.Health().Healthy() }

func (s *Service) runTick() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.sched.Tick(ctx); err != nil {
		s.log.Warn("tick failed", logx.Err(err))
	}
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
