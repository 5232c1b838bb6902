// Package dispatch resolves pending tasks to workers and delivers them.
// Scheduling order, directory exclusivity, and worker eligibility all live
// here; the durable store remains the sole source of truth for every state
// transition, so multiple dispatcher processes can run against one
// database.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"architect/pkg/eventlog"
	"architect/pkg/lockmgr"
	"architect/pkg/protocol"
	"architect/pkg/queue"
)

// Result classifies the outcome of one dispatch attempt.
type Result int

const (
	// Sent: the task was claimed and delivered to a worker.
	Sent Result = iota
	// NoWorkerAvailable: no idle worker accepts the task's work type.
	NoWorkerAvailable
	// LockHeld: another task holds the working directory lease.
	LockHeld
	// TransportError: delivery failed after claiming; the task was
	// reverted and the failure counted against its retry budget.
	TransportError
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case NoWorkerAvailable:
		return "no_worker_available"
	case LockHeld:
		return "lock_held"
	case TransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Config tunes the dispatcher.
type Config struct {
	// TaskTimeout is the deadline applied at claim time; the monitor
	// reverts tasks that pass it.
	TaskTimeout time.Duration
	// LockTTL bounds directory leases.
	LockTTL time.Duration
	// DeliveryTimeout bounds the tmux/ssh round trip for one delivery.
	DeliveryTimeout time.Duration
	// PollInterval drives the fallback scheduling ticker.
	PollInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:     30 * time.Minute,
		LockTTL:         lockmgr.DefaultTTL,
		DeliveryTimeout: 10 * time.Second,
		PollInterval:    5 * time.Second,
	}
}

// Dispatcher pulls pending tasks and pushes them into worker panes.
type Dispatcher struct {
	store    *queue.Store
	locks    *lockmgr.Manager
	registry *Registry
	injector Injector
	events   *eventlog.Recorder
	log      *zap.Logger
	cfg      Config
}

func New(store *queue.Store, locks *lockmgr.Manager, registry *Registry, injector Injector, events *eventlog.Recorder, log *zap.Logger, cfg Config) *Dispatcher {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lockmgr.DefaultTTL
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Dispatcher{
		store:    store,
		locks:    locks,
		registry: registry,
		injector: injector,
		events:   events,
		log:      log,
		cfg:      cfg,
	}
}

// Dispatch attempts to hand one pending task to a worker. The order of
// operations matters: lease the directory, claim the row, then deliver.
// The network call happens after the state transition so no lock is held
// across it; on delivery failure the claim is unwound.
func (d *Dispatcher) Dispatch(ctx context.Context, task *protocol.Task) (Result, error) {
	worker, err := d.registry.PickIdle(ctx, task.WorkType, task.TargetWorker)
	if err != nil {
		return NoWorkerAvailable, err
	}
	if worker == nil {
		return NoWorkerAvailable, nil
	}

	ok, err := d.locks.Acquire(ctx, task.WorkingDirectory, worker.Name, d.cfg.LockTTL)
	if err != nil {
		return LockHeld, err
	}
	if !ok {
		// Transient: the task stays pending and is retried next cycle.
		return LockHeld, nil
	}

	won, err := d.store.Claim(ctx, task.ID, worker.Name, d.cfg.TaskTimeout)
	if err != nil || !won {
		// Someone else claimed it, or the task left pending.
		_, _ = d.locks.Release(ctx, task.WorkingDirectory, worker.Name)
		return LockHeld, err
	}
	if grabbed, err := d.registry.MarkBusy(ctx, worker.Name, task.ID); err != nil || !grabbed {
		// The worker was taken between PickIdle and here. Unwind.
		d.revert(ctx, task, worker.Name, "worker grabbed concurrently")
		return NoWorkerAvailable, err
	}

	deliverCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()
	if err := d.injector.Inject(deliverCtx, *worker, task.Content); err != nil {
		d.log.Warn("delivery failed",
			zap.Int64("task", task.ID),
			zap.String("worker", worker.Name),
			zap.Error(err))
		_ = d.registry.MarkIdle(ctx, worker.Name)
		d.revertCounted(ctx, task, worker.Name, err)
		_ = d.events.Record(ctx, "dispatch_failed", task.ID, worker.Name, "error="+err.Error())
		return TransportError, nil
	}

	d.log.Info("task dispatched",
		zap.Int64("task", task.ID),
		zap.String("worker", worker.Name),
		zap.String("dir", task.WorkingDirectory),
		zap.String("work_type", string(task.WorkType)))
	_ = d.events.Record(ctx, "dispatch_sent", task.ID, worker.Name, "dir="+task.WorkingDirectory)
	return Sent, nil
}

// revert unwinds a claim without touching the retry budget, for failures
// internal to the dispatcher rather than the transport.
func (d *Dispatcher) revert(ctx context.Context, task *protocol.Task, worker, reason string) {
	_, _ = d.locks.Release(ctx, task.WorkingDirectory, worker)
	if _, err := d.store.ReturnToPending(ctx, task.ID); err != nil {
		d.log.Error("revert failed", zap.Int64("task", task.ID), zap.Error(err))
	}
	d.log.Debug("claim reverted", zap.Int64("task", task.ID), zap.String("reason", reason))
}

// revertCounted unwinds a claim after a delivery failure, counting it
// against the retry budget.
func (d *Dispatcher) revertCounted(ctx context.Context, task *protocol.Task, worker string, cause error) {
	_, _ = d.locks.Release(ctx, task.WorkingDirectory, worker)
	status, err := d.store.RetryOrFail(ctx, task.ID, cause.Error())
	if err != nil && status != protocol.TaskFailed {
		d.log.Error("retry bookkeeping failed", zap.Int64("task", task.ID), zap.Error(err))
		return
	}
	if status == protocol.TaskFailed {
		d.log.Warn("task failed terminally after delivery errors", zap.Int64("task", task.ID))
	}
}

// RunPending makes one scheduling pass: renew leases of in-flight tasks,
// then walk pending tasks in stable order and dispatch each. A LockHeld or
// NoWorkerAvailable outcome leaves the task pending for the next pass; it
// is never skipped permanently.
func (d *Dispatcher) RunPending(ctx context.Context) error {
	if err := d.renewHeldLocks(ctx); err != nil {
		d.log.Warn("lease renewal pass failed", zap.Error(err))
	}

	pending, err := d.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending tasks: %w", err)
	}
	for i := range pending {
		task := &pending[i]
		res, err := d.Dispatch(ctx, task)
		if err != nil {
			d.log.Warn("dispatch error",
				zap.Int64("task", task.ID),
				zap.String("result", res.String()),
				zap.Error(err))
			continue
		}
		if res == LockHeld || res == NoWorkerAvailable {
			d.log.Debug("task deferred",
				zap.Int64("task", task.ID),
				zap.String("result", res.String()))
		}
	}
	return nil
}

// renewHeldLocks extends directory leases for every in-flight task so a
// long-running task does not lose its directory mid-work.
func (d *Dispatcher) renewHeldLocks(ctx context.Context) error {
	active, err := d.store.List(ctx, queue.ListOpts{Status: protocol.TaskInProgress})
	if err != nil {
		return err
	}
	assigned, err := d.store.List(ctx, queue.ListOpts{Status: protocol.TaskAssigned})
	if err != nil {
		return err
	}
	for _, task := range append(active, assigned...) {
		if task.AssignedWorker == "" {
			continue
		}
		if err := d.locks.Renew(ctx, task.WorkingDirectory, task.AssignedWorker, d.cfg.LockTTL); err != nil {
			d.log.Warn("lease renewal lost",
				zap.Int64("task", task.ID),
				zap.String("dir", task.WorkingDirectory),
				zap.Error(err))
		}
	}
	return nil
}
