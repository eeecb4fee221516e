package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"nagbot/internal/eventbus"
	"nagbot/internal/nag/heartbeat"
	rtsup "nagbot/internal/runtime/supervisor"
	kit "nagbot/internal/transport"
	logx "nagbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoChat    = errors.New("user has no chat")
)

type job struct {
	a Alert
	// key is computed at enqueue time.
	key string
}

// Service delivers nags synchronously and operator alerts through a queue
// with workers, retry and dedup. Both share one rate limiter.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

var _ heartbeat.Notifier = (*Service)(nil)

// Supervisor returns the alert pipeline's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	// keep the limiter across reloads unless the rate changed
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

func (s *Service) snapshot() (Config, *rate.Limiter, kit.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter, s.adapter
}

// Send delivers one nag to its user's chat with the action keyboard. There is
// no retry: a failed nag is recorded and the next one follows the policy.
func (s *Service) Send(ctx context.Context, n heartbeat.Nag) (heartbeat.Receipt, error) {
	_, lim, ad := s.snapshot()
	if ad == nil {
		return heartbeat.Receipt{}, ErrStopped
	}
	if n.User.ChatID == 0 {
		return heartbeat.Receipt{}, ErrNoChat
	}
	if err := lim.Wait(ctx); err != nil {
		return heartbeat.Receipt{}, err
	}
	text := NagText(n)
	ref, err := ad.SendText(ctx, kit.ChatTarget{ChatID: n.User.ChatID}, text, &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Buttons:        NagButtons(n.Task),
	})
	s.appendHistory("nag", n.User.ChatID, text, err)
	if err != nil {
		return heartbeat.Receipt{}, err
	}
	return heartbeat.Receipt{MessageID: int64(ref.MessageID)}, nil
}

// MarkStale rewrites an earlier nag and drops its keyboard so the old buttons
// cannot act on the task again.
func (s *Service) MarkStale(ctx context.Context, chatID, messageID int64, text string) error {
	if chatID == 0 || messageID == 0 {
		return nil
	}
	_, lim, ad := s.snapshot()
	if ad == nil {
		return ErrStopped
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	return ad.EditText(ctx, kit.MessageRef{ChatID: chatID, MessageID: int(messageID)}, text,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

// Start runs the alert workers. It is idempotent and a no-op while alerts
// are disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.AlertsEnabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("alert.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("alert worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains queued alerts until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Alert queues an operator message. Identical alerts inside the dedup window
// are dropped silently.
func (s *Service) Alert(ctx context.Context, a Alert) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	if !s.cfg.AlertsEnabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		s.publish(EventAlertDeduped, a.Target.ChatID, key, nil)
		return nil
	}

	select {
	case q <- job{a: a, key: key}:
		s.publish(EventAlertQueued, a.Target.ChatID, key, nil)
		return nil
	default:
		s.publish(EventAlertDropped, a.Target.ChatID, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, chatID int64, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := AlertEvent{ChatID: chatID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(kind string, chatID int64, text string, err error) {
	it := HistoryItem{At: time.Now(), Kind: kind, ChatID: chatID, Text: text}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	cfg, lim, ad := s.snapshot()
	if ad == nil {
		return
	}
	text := prefixForPriority(j.a.Priority) + j.a.Text
	if text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := ad.SendText(callCtx, j.a.Target, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		cancel()
		if err == nil {
			s.appendHistory("alert", j.a.Target.ChatID, text, nil)
			s.publish(EventAlertSent, j.a.Target.ChatID, j.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.appendHistory("alert", j.a.Target.ChatID, text, lastErr)
	s.publish(EventAlertFailed, j.a.Target.ChatID, j.key, lastErr)
	s.log.Warn("alert not delivered", logx.Int64("chat_id", j.a.Target.ChatID), logx.Err(lastErr))
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|", a.Target.ChatID, a.Priority)
	_, _ = h.Write([]byte(a.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Evict earliest expiries until within cap.
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
