// Package monitor watches busy workers, classifies their recent output,
// and feeds recovery actions back into the queue: corrective keystrokes
// for blocked prompts, requeue for stalled or timed-out tasks, terminal
// transitions for reported outcomes, and forced cancellation for
// abort_task directives.
package monitor

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"architect/pkg/cooldown"
	"architect/pkg/dispatch"
	"architect/pkg/eventlog"
	"architect/pkg/lockmgr"
	"architect/pkg/oversight"
	"architect/pkg/protocol"
	"architect/pkg/queue"
)

// ObservationSource captures worker output and delivers keys back. The
// tmux injector satisfies it; tests substitute a fake.
type ObservationSource interface {
	Capture(ctx context.Context, w protocol.Worker, lines int) (string, error)
	SendKey(ctx context.Context, w protocol.Worker, key string) error
}

// Config tunes the monitor.
type Config struct {
	// PollInterval between monitor cycles.
	PollInterval time.Duration
	// StaleThreshold: output unchanged for this long marks a worker stale.
	StaleThreshold time.Duration
	// CaptureLines of pane output examined per cycle.
	CaptureLines int
	// CooldownDuration gates repeated corrective keystrokes.
	CooldownDuration time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     15 * time.Second,
		StaleThreshold:   10 * time.Minute,
		CaptureLines:     40,
		CooldownDuration: cooldown.DefaultDuration,
	}
}

// track is per-worker observation state between cycles. It is in-memory
// deliberately: a monitor restart only delays stale detection by one
// threshold window, and the durable cooldown table prevents keystroke
// storms.
type track struct {
	lastOutput string
	lastChange time.Time
	nudged     bool
}

// Monitor runs the health-check loop.
type Monitor struct {
	store      *queue.Store
	locks      *lockmgr.Manager
	registry   *dispatch.Registry
	cooldowns  *cooldown.Manager
	directives *oversight.Channel
	source     ObservationSource
	classifier *Classifier
	events     *eventlog.Recorder
	log        *zap.Logger
	cfg        Config

	tracks  map[string]*track
	nowFunc func() time.Time
}

func New(store *queue.Store, locks *lockmgr.Manager, registry *dispatch.Registry,
	cooldowns *cooldown.Manager, directives *oversight.Channel,
	source ObservationSource, classifier *Classifier,
	events *eventlog.Recorder, log *zap.Logger, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = 40
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = cooldown.DefaultDuration
	}
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Monitor{
		store:      store,
		locks:      locks,
		registry:   registry,
		cooldowns:  cooldowns,
		directives: directives,
		source:     source,
		classifier: classifier,
		events:     events,
		log:        log,
		cfg:        cfg,
		tracks:     make(map[string]*track),
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (m *Monitor) SetNowFunc(f func() time.Time) { m.nowFunc = f }

// Run drives monitor cycles until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs a single monitor cycle: apply pending directives, sweep
// timeouts, then observe and classify every busy worker.
func (m *Monitor) CheckOnce(ctx context.Context) {
	m.applyDirectives(ctx)
	m.sweepTimeouts(ctx)

	busy, err := m.registry.Busy(ctx)
	if err != nil {
		m.log.Error("list busy workers", zap.Error(err))
		return
	}
	for i := range busy {
		m.checkWorker(ctx, &busy[i])
	}
}

// applyDirectives walks every pending directive, whatever its target.
// abort_task is mandatory and idempotent: an already cancelled task only
// acknowledges the directive. priority_change is acknowledged here, which
// atomically rewrites the task's priority. Advisory types (guidance,
// constraint, escalation_rule) stay pending for workers to consult.
func (m *Monitor) applyDirectives(ctx context.Context) {
	pending, err := m.directives.Pending(ctx)
	if err != nil {
		m.log.Error("load directives", zap.Error(err))
		return
	}
	for _, d := range pending {
		switch d.Type {
		case protocol.DirectiveAbortTask:
			taskID, err := oversight.ParseTaskRef(d.Content)
			if err != nil {
				m.log.Warn("malformed abort directive", zap.String("id", d.ID), zap.Error(err))
				continue
			}
			m.abort(ctx, d.ID, taskID)
		case protocol.DirectivePriorityChange:
			if err := m.directives.Acknowledge(ctx, d.ID, "monitor"); err != nil {
				m.log.Warn("apply priority change", zap.String("directive", d.ID), zap.Error(err))
				continue
			}
			taskID, _, _ := oversight.ParsePriorityChange(d.Content)
			m.log.Info("priority change applied",
				zap.String("directive", d.ID), zap.Int64("task", taskID))
			_ = m.events.Record(ctx, "priority_changed", taskID, "", "directive="+d.ID)
		}
	}
}

func (m *Monitor) abort(ctx context.Context, directiveID string, taskID int64) {
	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		m.log.Warn("abort target missing", zap.Int64("task", taskID), zap.Error(err))
		return
	}
	worker := task.AssignedWorker

	changed, err := m.store.Abort(ctx, taskID)
	if err != nil {
		m.log.Error("abort failed", zap.Int64("task", taskID), zap.Error(err))
		return
	}
	if changed {
		if worker != "" {
			m.releaseWorker(ctx, task, worker)
		}
		m.log.Info("task aborted by directive",
			zap.Int64("task", taskID), zap.String("directive", directiveID))
		_ = m.events.Record(ctx, "task_aborted", taskID, worker, "directive="+directiveID)
	}
	if err := m.directives.Acknowledge(ctx, directiveID, "monitor"); err != nil {
		m.log.Warn("acknowledge abort", zap.String("directive", directiveID), zap.Error(err))
	}
}

// sweepTimeouts reverts tasks past their deadline and frees their workers
// and directory leases.
func (m *Monitor) sweepTimeouts(ctx context.Context) {
	timedOut, err := m.store.SweepTimeouts(ctx)
	if err != nil {
		m.log.Error("timeout sweep", zap.Error(err))
		return
	}
	for _, to := range timedOut {
		_, _ = m.locks.Release(ctx, to.WorkingDirectory, to.Worker)
		if err := m.registry.MarkIdle(ctx, to.Worker); err != nil {
			m.log.Warn("free timed-out worker", zap.String("worker", to.Worker), zap.Error(err))
		}
		delete(m.tracks, to.Worker)
		m.log.Warn("task timed out",
			zap.Int64("task", to.TaskID),
			zap.String("worker", to.Worker),
			zap.String("new_status", string(to.NewStatus)))
		_ = m.events.Record(ctx, "task_timeout", to.TaskID, to.Worker, "new_status="+string(to.NewStatus))
	}
}

func (m *Monitor) checkWorker(ctx context.Context, w *protocol.Worker) {
	task := m.currentTask(ctx, w)
	if task == nil {
		return
	}

	output, err := m.source.Capture(ctx, *w, m.cfg.CaptureLines)
	if err != nil {
		m.handleUnreachable(ctx, w, task, err)
		return
	}

	state, pattern, response := m.classifier.Classify(output)
	state = m.applyStaleness(w.Name, output, state)

	switch state {
	case StateReportedDone:
		m.handleDone(ctx, w, task)
	case StateReportedError:
		m.handleError(ctx, w, task, output)
	case StateBlocked:
		m.handleBlocked(ctx, w, task, output, pattern, response)
	case StateStale:
		m.handleStale(ctx, w, task)
	case StateActive:
		_ = m.registry.Touch(ctx, w.Name)
		if task.Status == protocol.TaskAssigned {
			_ = m.store.MarkInProgress(ctx, task.ID)
		}
	case StateIdle:
		// Prompt-ready with no recognized markers; informational only.
		// The timeout sweep catches the pathological case.
	}
}

// currentTask resolves the busy worker's task row. A worker whose task
// already reached a terminal state (completed by another path) is returned
// to the pool.
func (m *Monitor) currentTask(ctx context.Context, w *protocol.Worker) *protocol.Task {
	if w.CurrentTaskID == 0 {
		_ = m.registry.MarkIdle(ctx, w.Name)
		return nil
	}
	task, err := m.store.Get(ctx, w.CurrentTaskID)
	if err != nil {
		m.log.Warn("busy worker references missing task",
			zap.String("worker", w.Name), zap.Int64("task", w.CurrentTaskID))
		_ = m.registry.MarkIdle(ctx, w.Name)
		return nil
	}
	if task.Status.Terminal() || task.AssignedWorker != w.Name {
		_ = m.registry.MarkIdle(ctx, w.Name)
		delete(m.tracks, w.Name)
		return nil
	}
	return task
}

// applyStaleness overrides an Active or Idle classification with Stale
// when the worker's output has not changed for StaleThreshold. Frozen
// output containing a stale "running" line must not pass for activity.
func (m *Monitor) applyStaleness(worker, output string, state State) State {
	now := m.nowFunc()
	tr, ok := m.tracks[worker]
	if !ok || tr.lastOutput != output {
		m.tracks[worker] = &track{lastOutput: output, lastChange: now}
		return state
	}
	if state != StateActive && state != StateIdle {
		return state
	}
	if now.Sub(tr.lastChange) >= m.cfg.StaleThreshold {
		return StateStale
	}
	return state
}

func (m *Monitor) handleDone(ctx context.Context, w *protocol.Worker, task *protocol.Task) {
	if err := m.store.Complete(ctx, task.ID); err != nil {
		m.log.Error("complete task", zap.Int64("task", task.ID), zap.Error(err))
		return
	}
	m.releaseWorker(ctx, task, w.Name)
	m.log.Info("task completed", zap.Int64("task", task.ID), zap.String("worker", w.Name))
	_ = m.events.Record(ctx, "task_completed", task.ID, w.Name, "")
}

func (m *Monitor) handleError(ctx context.Context, w *protocol.Worker, task *protocol.Task, output string) {
	fault := &protocol.WorkerFaultError{TaskID: task.ID, Worker: w.Name, Output: lastLine(output)}
	status, err := m.store.RetryOrFail(ctx, task.ID, fault.Error())
	if err != nil && status != protocol.TaskFailed {
		m.log.Error("record worker fault", zap.Int64("task", task.ID), zap.Error(err))
		return
	}
	m.releaseWorker(ctx, task, w.Name)
	m.log.Warn("worker reported an error",
		zap.Int64("task", task.ID),
		zap.String("worker", w.Name),
		zap.String("new_status", string(status)))
	_ = m.events.Record(ctx, "task_error", task.ID, w.Name, "new_status="+string(status))
}

func (m *Monitor) handleBlocked(ctx context.Context, w *protocol.Worker, task *protocol.Task, output, pattern, response string) {
	if task.Status == protocol.TaskAssigned {
		_ = m.store.MarkInProgress(ctx, task.ID)
	}

	prompt := lastLine(output)
	gated, err := m.cooldowns.InCooldown(ctx, w.Name, prompt)
	if err != nil {
		m.log.Error("cooldown lookup", zap.String("worker", w.Name), zap.Error(err))
		return
	}
	if gated {
		m.log.Debug("corrective response gated by cooldown",
			zap.String("worker", w.Name), zap.String("pattern", pattern))
		return
	}

	if err := m.source.SendKey(ctx, *w, response); err != nil {
		m.log.Warn("corrective keystroke failed", zap.String("worker", w.Name), zap.Error(err))
		return
	}
	if response != "Enter" {
		if err := m.source.SendKey(ctx, *w, "Enter"); err != nil {
			m.log.Warn("corrective enter failed", zap.String("worker", w.Name), zap.Error(err))
		}
	}
	if err := m.cooldowns.Set(ctx, w.Name, prompt, m.cfg.CooldownDuration); err != nil {
		m.log.Warn("set cooldown", zap.String("worker", w.Name), zap.Error(err))
	}
	m.log.Info("corrective response sent",
		zap.Int64("task", task.ID),
		zap.String("worker", w.Name),
		zap.String("pattern", pattern),
		zap.String("response", response))
	_ = m.events.Record(ctx, "corrective_sent", task.ID, w.Name, "pattern="+pattern+" response="+response)
}

// handleStale escalates in two steps: a lightweight nudge first, then a
// requeue if the worker is still frozen on the next stale observation.
func (m *Monitor) handleStale(ctx context.Context, w *protocol.Worker, task *protocol.Task) {
	tr := m.tracks[w.Name]
	if tr != nil && !tr.nudged {
		tr.nudged = true
		if err := m.source.SendKey(ctx, *w, "Enter"); err != nil {
			m.log.Warn("stale nudge failed", zap.String("worker", w.Name), zap.Error(err))
		}
		m.log.Info("stale worker nudged", zap.Int64("task", task.ID), zap.String("worker", w.Name))
		_ = m.events.Record(ctx, "stale_nudge", task.ID, w.Name, "")
		return
	}

	status, err := m.store.RetryOrFail(ctx, task.ID, "worker stalled with no output change")
	if err != nil && status != protocol.TaskFailed {
		m.log.Error("requeue stale task", zap.Int64("task", task.ID), zap.Error(err))
		return
	}
	m.releaseWorker(ctx, task, w.Name)
	m.log.Warn("stale task requeued",
		zap.Int64("task", task.ID),
		zap.String("worker", w.Name),
		zap.String("new_status", string(status)))
	_ = m.events.Record(ctx, "stale_requeue", task.ID, w.Name, "new_status="+string(status))
}

func (m *Monitor) handleUnreachable(ctx context.Context, w *protocol.Worker, task *protocol.Task, cause error) {
	m.log.Warn("worker unreachable", zap.String("worker", w.Name), zap.Error(cause))
	if err := m.registry.MarkUnreachable(ctx, w.Name); err != nil {
		m.log.Error("mark unreachable", zap.String("worker", w.Name), zap.Error(err))
	}
	status, err := m.store.RetryOrFail(ctx, task.ID,
		(&protocol.DeliveryError{TaskID: task.ID, Worker: w.Name, Reason: cause.Error()}).Error())
	if err != nil && status != protocol.TaskFailed {
		m.log.Error("requeue task from unreachable worker", zap.Int64("task", task.ID), zap.Error(err))
		return
	}
	_, _ = m.locks.Release(ctx, task.WorkingDirectory, w.Name)
	delete(m.tracks, w.Name)
	_ = m.events.Record(ctx, "worker_unreachable", task.ID, w.Name, "new_status="+string(status))
}

// releaseWorker frees the directory lease and returns the worker to the
// idle pool after its task left the assigned/in_progress pair.
func (m *Monitor) releaseWorker(ctx context.Context, task *protocol.Task, worker string) {
	_, _ = m.locks.Release(ctx, task.WorkingDirectory, worker)
	if err := m.registry.MarkIdle(ctx, worker); err != nil {
		m.log.Warn("return worker to pool", zap.String("worker", worker), zap.Error(err))
	}
	delete(m.tracks, worker)
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
