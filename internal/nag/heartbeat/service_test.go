package heartbeat

import (
	"context"
	"testing"
	"time"
)

func TestHealthThreshold(t *testing.T) {
	t.Parallel()
	h := NewHealth(3)
	for i := 0; i < 2; i++ {
		if changed, _ := h.Observe(true); changed {
			t.Fatalf("flipped after %d failures", i+1)
		}
	}
	if changed, healthy := h.Observe(true); !changed || healthy {
		t.Fatalf("third failure: changed=%v healthy=%v", changed, healthy)
	}
	if h.ConsecutiveFailures() != 3 {
		t.Fatalf("consecutive = %d", h.ConsecutiveFailures())
	}
	if changed, healthy := h.Observe(false); !changed || !healthy {
		t.Fatalf("recovery: changed=%v healthy=%v", changed, healthy)
	}
}

func TestServiceStartReconcilesAndApplies(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	store := newMemStore(utcUser())
	store.put(dueTask("late", now.Add(24*time.Hour), now.Add(-48*time.Hour)))
	clock := &fakeClock{now: now}
	sched := newTestScheduler(t, Config{Interval: time.Hour}, store, &fakeNotifier{}, clock, nil)
	svc := NewService(sched, NewReconciler(store, clock, nopLog()), nopLog())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	if got := store.get("late").NextFireAt; !got.Equal(now) {
		t.Fatalf("Start did not reconcile: next fire %s", got)
	}
	if !svc.Healthy() {
		t.Fatal("fresh service unhealthy")
	}

	svc.Apply(Config{Interval: 2 * time.Hour, Workers: 8})
	svc.mu.Lock()
	interval := svc.interval
	svc.mu.Unlock()
	if interval != 2*time.Hour || sched.config().Workers != 8 {
		t.Fatalf("Apply not picked up: interval=%s cfg=%+v", interval, sched.config())
	}
}

func TestServiceStopIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	sched := newTestScheduler(t, Config{}, store, &fakeNotifier{}, &fakeClock{now: t0}, nil)
	svc := NewService(sched, nil, nopLog())
	svc.Stop(context.Background())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop(context.Background())
	svc.Stop(context.Background())
}
