package protocol

import "fmt"

// ValidationError represents a malformed submission. It is rejected before
// queueing and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s %s", e.Field, e.Reason)
}

// ResourceUnavailableError represents a transient scheduling obstacle (no
// eligible worker, directory lock held). The task stays pending and is
// retried next cycle; it does not count against retry_count.
type ResourceUnavailableError struct {
	TaskID int64
	Reason string
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("task %d cannot be scheduled: %s", e.TaskID, e.Reason)
}

// LockHeldError reports that a directory lease is held by (or was lost to)
// another holder. Transient: the affected task stays pending.
type LockHeldError struct {
	Directory string
	Holder    string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("directory %s is not leased to %s", e.Directory, e.Holder)
}

// DeliveryError represents a transport or session failure while injecting a
// task into a worker pane. Counted against retry_count.
type DeliveryError struct {
	TaskID int64
	Worker string
	Reason string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to worker %s failed (task %d): %s", e.Worker, e.TaskID, e.Reason)
}

// WorkerFaultError represents a worker-reported internal error. Counted
// against retry_count.
type WorkerFaultError struct {
	TaskID int64
	Worker string
	Output string
}

func (e *WorkerFaultError) Error() string {
	return fmt.Sprintf("worker %s reported an error on task %d: %s", e.Worker, e.TaskID, e.Output)
}

// TimeoutError represents an assigned/in_progress task that exceeded its
// timeout_at deadline. Counted against retry_count.
type TimeoutError struct {
	TaskID int64
	Worker string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %d timed out on worker %s", e.TaskID, e.Worker)
}

// RetriesExhaustedError marks a terminally failed task. Surfaced to the
// operator query interface with the last recorded error.
type RetriesExhaustedError struct {
	TaskID     int64
	RetryCount int
	LastError  string
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("task %d failed after %d retries: %s", e.TaskID, e.RetryCount, e.LastError)
}
