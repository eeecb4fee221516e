package heartbeat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"nagbot/internal/nag/reminder"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type memStore struct {
	mu    sync.Mutex
	tasks map[string]reminder.Task
	users map[int64]reminder.User
	nags  []reminder.NagRecord

	failFetch bool
	failSave  map[string]bool
	// conflictOnce makes the next save of the task fail with a version
	// conflict, as if a user action raced the tick.
	conflictOnce map[string]bool
}

func newMemStore(users ...reminder.User) *memStore {
	s := &memStore{
		tasks:        map[string]reminder.Task{},
		users:        map[int64]reminder.User{},
		failSave:     map[string]bool{},
		conflictOnce: map[string]bool{},
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) put(t reminder.Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
}

func (s *memStore) get(id string) reminder.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *memStore) records() []reminder.NagRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reminder.NagRecord(nil), s.nags...)
}

func (s *memStore) selectTasks(keep func(reminder.Task) bool) []reminder.Task {
	var out []reminder.Task
	for _, t := range s.tasks {
		if t.Status.Scheduled() && t.NextFireAt != nil && keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(*out[j].NextFireAt) })
	return out
}

func (s *memStore) FetchDueTasks(_ context.Context, now time.Time) ([]reminder.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFetch {
		return nil, errors.New("disk on fire")
	}
	return s.selectTasks(func(t reminder.Task) bool { return !t.NextFireAt.After(now) }), nil
}

func (s *memStore) FetchStaleTasks(_ context.Context, now time.Time) ([]reminder.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectTasks(func(t reminder.Task) bool { return t.NextFireAt.Before(now) }), nil
}

func (s *memStore) SaveTask(_ context.Context, t reminder.Task) (reminder.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave[t.ID] {
		return reminder.Task{}, errors.New("write failed")
	}
	if s.conflictOnce[t.ID] {
		delete(s.conflictOnce, t.ID)
		return reminder.Task{}, reminder.ErrVersionConflict
	}
	if cur, ok := s.tasks[t.ID]; ok && cur.Version != t.Version {
		return reminder.Task{}, reminder.ErrVersionConflict
	}
	t.Version++
	s.tasks[t.ID] = t
	return t, nil
}

func (s *memStore) AppendNagRecord(_ context.Context, rec reminder.NagRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nags = append(s.nags, rec)
	return nil
}

func (s *memStore) User(_ context.Context, id int64) (reminder.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return reminder.User{}, errors.New("no such user")
	}
	return u, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []Nag
	fail    map[string]bool
	block   chan struct{}
	entered chan string
	next    int64
}

func (n *fakeNotifier) Send(ctx context.Context, nag Nag) (Receipt, error) {
	if n.entered != nil {
		n.entered <- nag.Task.ID
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[nag.Task.ID] {
		return Receipt{}, errors.New("chat unreachable")
	}
	n.sent = append(n.sent, nag)
	n.next++
	return Receipt{MessageID: 100 + n.next}, nil
}

func (n *fakeNotifier) sentIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Task.ID
	}
	return out
}
