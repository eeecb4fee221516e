package heartbeat

import "sync"

// Health turns per-tick store failures into a process-level signal: after
// threshold consecutive ticks with store errors it reports unhealthy, and the
// first clean tick restores it.
type Health struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	healthy     bool
}

// HealthEvent is the payload of health.changed.
type HealthEvent struct {
	Healthy     bool `json:"healthy"`
	FailedTicks int  `json:"failed_ticks"`
}

func NewHealth(threshold int) *Health {
	if threshold <= 0 {
		threshold = 1
	}
	return &Health{threshold: threshold, healthy: true}
}

func (h *Health) SetThreshold(n int) {
	if n <= 0 {
		n = 1
	}
	h.mu.Lock()
	h.threshold = n
	h.mu.Unlock()
}

// Observe records one tick and reports whether the health state flipped.
func (h *Health) Observe(failed bool) (changed, healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if failed {
		h.consecutive++
	} else {
		h.consecutive = 0
	}
	next := h.consecutive < h.threshold
	changed = next != h.healthy
	h.healthy = next
	return changed, next
}

func (h *Health) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *Health) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutive
}
