package heartbeat

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"nagbot/internal/eventbus"
	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/reminder"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func utcUser() reminder.User {
	return reminder.User{ID: 1, ChatID: 1001, Timezone: "UTC", DefaultProfile: "standard"}
}

func dueTask(id string, due, next time.Time) reminder.Task {
	n := next
	return reminder.Task{
		ID:         id,
		UserID:     1,
		Title:      "task " + id,
		DueAt:      due,
		Status:     reminder.StatusActive,
		NextFireAt: &n,
		CreatedAt:  next.Add(-time.Hour),
	}
}

func newTestScheduler(t *testing.T, cfg Config, store *memStore, n *fakeNotifier, clock *fakeClock, bus eventbus.Bus) *Scheduler {
	t.Helper()
	reg, err := escalation.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewScheduler(cfg, store, n, reg, clock, nopLog(), bus)
}

func TestTickFiresDueTasksInOrder(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	store.put(dueTask("b", t0.Add(12*time.Hour), t0.Add(-time.Minute)))
	store.put(dueTask("a", t0.Add(12*time.Hour), t0.Add(-time.Hour)))
	store.put(dueTask("c", t0.Add(12*time.Hour), t0))
	store.put(dueTask("later", t0.Add(12*time.Hour), t0.Add(time.Minute)))
	n := &fakeNotifier{}
	s := newTestScheduler(t, Config{Workers: 1}, store, n, &fakeClock{now: t0}, nil)

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Due != 3 || rep.Delivered != 3 || rep.Fired != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if got, want := n.sentIDs(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for _, id := range []string{"a", "b", "c"} {
		got := store.get(id)
		if got.NagCount != 1 || !got.LastNaggedAt.Equal(t0) || !got.NextFireAt.After(t0) {
			t.Fatalf("task %s not advanced: %+v", id, got)
		}
		if got.Version != 1 {
			t.Fatalf("task %s version = %d", id, got.Version)
		}
	}
	if store.get("later").NagCount != 0 {
		t.Fatal("task not yet due was fired")
	}
	recs := store.records()
	if len(recs) != 3 || !recs[0].Delivered || recs[0].MessageID == 0 || recs[0].Tier != "urgent" {
		t.Fatalf("records = %+v", recs)
	}

	// Same instant again: nothing is due any more.
	rep, _ = s.Tick(context.Background())
	if rep.Due != 0 || len(n.sentIDs()) != 3 {
		t.Fatalf("second tick re-sent: %+v", rep)
	}
}

func TestTickDeliveryFailureStillAdvances(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	store.put(dueTask("x", t0.Add(2*time.Hour), t0))
	n := &fakeNotifier{fail: map[string]bool{"x": true}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := newTestScheduler(t, Config{}, store, n, &fakeClock{now: t0}, bus)

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.DeliveryFailed != 1 || rep.Fired != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := store.get("x")
	if got.NagCount != 1 || !got.NextFireAt.After(t0) {
		t.Fatalf("task not advanced after failed delivery: %+v", got)
	}
	recs := store.records()
	if len(recs) != 1 || recs[0].Delivered || recs[0].MessageID != 0 {
		t.Fatalf("records = %+v", recs)
	}

	var sawFailed bool
	for len(events) > 0 {
		if e := <-events; e.Type == EventNagFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatal("no nag.failed event")
	}
}

func TestTickStoreFailuresSkipTaskAndTripHealth(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	store.put(dueTask("ok", t0.Add(2*time.Hour), t0))
	store.put(dueTask("broken", t0.Add(2*time.Hour), t0))
	store.failSave["broken"] = true
	n := &fakeNotifier{}
	s := newTestScheduler(t, Config{UnhealthyAfter: 2}, store, n, &fakeClock{now: t0}, nil)

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.StoreErrors != 1 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := n.sentIDs(); !reflect.DeepEqual(got, []string{"ok"}) {
		t.Fatalf("sent %v", got)
	}
	if store.get("broken").NagCount != 0 {
		t.Fatal("broken task advanced")
	}
	if !s.Health().Healthy() {
		t.Fatal("unhealthy after a single failing tick")
	}

	store.failFetch = true
	if _, err := s.Tick(context.Background()); !IsStoreError(err) {
		t.Fatalf("fetch failure err = %v", err)
	}
	if s.Health().Healthy() {
		t.Fatal("still healthy after two failing ticks")
	}

	store.failFetch = false
	store.failSave = map[string]bool{}
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !s.Health().Healthy() {
		t.Fatal("health did not recover after a clean tick")
	}
}

func TestTickSkipsOnVersionConflict(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	store.put(dueTask("raced", t0.Add(2*time.Hour), t0))
	store.conflictOnce["raced"] = true
	n := &fakeNotifier{}
	s := newTestScheduler(t, Config{}, store, n, &fakeClock{now: t0}, nil)

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Conflicts != 1 || len(n.sentIDs()) != 0 || len(store.records()) != 0 {
		t.Fatalf("conflicting task was nagged: %+v", rep)
	}
}

func TestTickSnoozeExpiryRestoresActive(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	base := dueTask("s", t0.Add(5*time.Hour), t0.Add(-2*time.Hour))
	base.NagCount = 3
	out, err := base.Snooze(t0.Add(-time.Hour), 60*time.Minute)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	store.put(out.Task)
	s := newTestScheduler(t, Config{}, store, &fakeNotifier{}, &fakeClock{now: t0}, nil)

	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := store.get("s")
	if got.Status != reminder.StatusActive || got.SnoozedUntil != nil || got.NagCount != 4 {
		t.Fatalf("after expiry = %+v", got)
	}
}

func TestTickDefersInsideQuietHours(t *testing.T) {
	t.Parallel()
	u := utcUser()
	u.QuietStart, u.QuietEnd = "23:00", "07:00"
	store := newMemStore(u)
	now := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	store.put(dueTask("q", now.Add(24*time.Hour), now.Add(-time.Minute)))
	n := &fakeNotifier{}
	s := newTestScheduler(t, Config{}, store, n, &fakeClock{now: now}, nil)

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Deferred != 1 || len(n.sentIDs()) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	got := store.get("q")
	if want := time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC); !got.NextFireAt.Equal(want) || got.NagCount != 0 {
		t.Fatalf("deferred task = %+v", got)
	}
}

func TestTickUnknownProfileFallsBackToDefault(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	task := dueTask("p", t0.Add(30*time.Minute), t0)
	task.Profile = escalation.Named("does-not-exist")
	store.put(task)
	n := &fakeNotifier{}
	s := newTestScheduler(t, Config{}, store, n, &fakeClock{now: t0}, nil)

	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(n.sent) != 1 || n.sent[0].Tier.Name != "critical" {
		t.Fatalf("sent = %+v", n.sent)
	}
}

func TestTickInlineProfile(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	task := dueTask("inline", t0.Add(time.Hour), t0)
	task.Profile = escalation.Ref{Inline: &escalation.Profile{Tiers: []escalation.Tier{
		{Name: "calm", Before: 48 * time.Hour, Interval: 24 * time.Hour},
		{Name: "panic", Before: 2 * time.Hour, Interval: 5 * time.Minute},
	}}}
	store.put(task)
	n := &fakeNotifier{}
	s := newTestScheduler(t, Config{}, store, n, &fakeClock{now: t0}, nil)

	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(n.sent) != 1 || n.sent[0].Tier.Name != "panic" || n.sent[0].Level != 1 {
		t.Fatalf("sent = %+v", n.sent)
	}
	if want := t0.Add(5 * time.Minute); !store.get("inline").NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %s, want %s", store.get("inline").NextFireAt, want)
	}
}

func TestTickStopsDispatchOnCancel(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	store.put(dueTask("first", t0.Add(2*time.Hour), t0.Add(-time.Minute)))
	store.put(dueTask("second", t0.Add(2*time.Hour), t0))
	n := &fakeNotifier{block: make(chan struct{}), entered: make(chan string, 2)}
	s := newTestScheduler(t, Config{Workers: 1}, store, n, &fakeClock{now: t0}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Report, 1)
	go func() {
		rep, _ := s.Tick(ctx)
		done <- rep
	}()

	if id := <-n.entered; id != "first" {
		t.Fatalf("first dispatched task = %s", id)
	}
	cancel()
	close(n.block)

	var rep Report
	select {
	case rep = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not return")
	}
	if rep.Delivered != 1 || rep.Abandoned != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if store.get("first").NagCount != 1 {
		t.Fatal("in-flight task did not complete")
	}
	if store.get("second").NagCount != 0 {
		t.Fatal("task dispatched after shutdown began")
	}
	if recs := store.records(); len(recs) != 1 || !recs[0].Delivered {
		t.Fatalf("records = %+v", recs)
	}
}

func TestTickSendTimeoutIsDeliveryFailure(t *testing.T) {
	t.Parallel()
	store := newMemStore(utcUser())
	store.put(dueTask("slow", t0.Add(2*time.Hour), t0))
	n := &fakeNotifier{block: make(chan struct{})}
	s := newTestScheduler(t, Config{SendTimeout: 20 * time.Millisecond}, store, n, &fakeClock{now: t0}, nil)

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.DeliveryFailed != 1 || store.get("slow").NagCount != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestDeliveryErrorUnwraps(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	var err error = &DeliveryError{TaskID: "x", Err: base}
	if !errors.Is(err, base) {
		t.Fatal("DeliveryError does not unwrap")
	}
	if IsStoreError(err) {
		t.Fatal("delivery error classified as store error")
	}
}
