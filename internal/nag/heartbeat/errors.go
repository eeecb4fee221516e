package heartbeat

import (
	"errors"
	"fmt"
)

// DeliveryError wraps a failed notifier send. The task has already been
// advanced; the nag is not retried within the tick.
type DeliveryError struct {
	TaskID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver nag for task %s: %v", e.TaskID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StoreError wraps a failed store call. Op names the call.
type StoreError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *StoreError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s (task %s): %v", e.Op, e.TaskID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err carries a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
