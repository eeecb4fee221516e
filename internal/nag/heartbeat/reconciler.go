package heartbeat

import (
	"context"
	"errors"

	"nagbot/internal/nag/reminder"
	logx "nagbot/pkg/logx"
)

// Reconciler pulls every overdue fire time up to now, so the first tick after
// a restart nags each affected task exactly once instead of replaying every
// missed tick.
type Reconciler struct {
	store Store
	clock Clock
	log   logx.Logger
}

func NewReconciler(store Store, clock Clock, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Reconciler{store: store, clock: clock, log: log}
}

// Reconcile returns how many tasks were repaired. Per-task failures are
// joined into the error; the remaining tasks are still processed.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	now := r.clock.Now().UTC()
	tasks, err := r.store.FetchStaleTasks(ctx, now)
	if err != nil {
		return 0, &StoreError{Op: "fetch stale tasks", Err: err}
	}
	var (
		fixed int
		errs  []error
	)
	for _, t := range tasks {
		n, err := t.Reschedule(now, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := r.store.SaveTask(ctx, n); err != nil {
			if errors.Is(err, reminder.ErrVersionConflict) {
				continue
			}
			errs = append(errs, &StoreError{Op: "save task", TaskID: t.ID, Err: err})
			continue
		}
		fixed++
	}
	if fixed > 0 || len(errs) > 0 {
		r.log.Info("reconciled stale fire times", logx.Int("fixed", fixed), logx.Int("failed", len(errs)))
	}
	return fixed, errors.Join(errs...)
}
