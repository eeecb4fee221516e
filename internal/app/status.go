package app

import (
	"sync/atomic"
	"time"

	"nagbot/internal/nag/heartbeat"
	"nagbot/internal/notifier"
	rtsup "nagbot/internal/runtime/supervisor"
)

// Status is the /statusz document.
type Status struct {
	StartedAt     time.Time                 `json:"started_at"`
	Healthy       bool                      `json:"healthy"`
	FailedTicks   int                       `json:"failed_ticks"`
	LastTick      *heartbeat.Report         `json:"last_tick,omitempty"`
	EventsDropped uint64                    `json:"events_dropped"`
	Supervisors   map[string]rtsup.Snapshot `json:"supervisors"`
	Deliveries    []notifier.HistoryItem    `json:"deliveries,omitempty"`
}

// probe adapts the app to debug.Probe.
type probe struct {
	a         *App
	startedAt time.Time
	lastTick  atomic.Pointer[heartbeat.Report]
}

func (p *probe) Healthy() bool { return p.a.beat.Healthy() }

func (p *probe) Status() any {
	a := p.a
	h := a.sched.Health()
	st := Status{
		StartedAt:     p.startedAt,
		Healthy:       h.Healthy(),
		FailedTicks:   h.ConsecutiveFailures(),
		LastTick:      p.lastTick.Load(),
		EventsDropped: a.bus.Dropped(),
		Supervisors:   map[string]rtsup.Snapshot{},
		Deliveries:    a.notif.Snapshot(),
	}
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":              a.sup,
		"telegram.adapter": a.adapter.Supervisor(),
		"telegram.router":  a.router.Supervisor(),
		"notifier":         a.notif.Supervisor(),
		"debug":            a.debug.Supervisor(),
	} {
		if sup != nil {
			st.Supervisors[name] = sup.Snapshot()
		}
	}
	return st
}
