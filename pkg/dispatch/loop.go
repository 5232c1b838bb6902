package dispatch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Run drives the scheduling loop until ctx is cancelled. The spool
// directory is watched with fsnotify so dropped files dispatch promptly; a
// fallback ticker at PollInterval is the safety net for missed events and
// for tasks deferred by LockHeld or NoWorkerAvailable.
func (d *Dispatcher) Run(ctx context.Context, spool *Spool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("fsnotify unavailable, polling only", zap.Error(err))
		d.runPoll(ctx, spool)
		return nil
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(spool.Dir()); err != nil {
		d.log.Warn("spool watch failed, polling only",
			zap.String("dir", spool.Dir()), zap.Error(err))
		d.runPoll(ctx, spool)
		return nil
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.pass(ctx, spool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watcher.Events:
			d.pass(ctx, spool)
		case err := <-watcher.Errors:
			if err != nil {
				d.log.Warn("spool watcher error", zap.Error(err))
			}
		case <-ticker.C:
			d.pass(ctx, spool)
		}
	}
}

func (d *Dispatcher) runPoll(ctx context.Context, spool *Spool) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pass(ctx, spool)
		}
	}
}

// pass is one scheduling cycle: drain the spool, then dispatch pending
// tasks in stable order.
func (d *Dispatcher) pass(ctx context.Context, spool *Spool) {
	if spool != nil {
		if n, err := spool.Drain(ctx); err != nil {
			d.log.Warn("spool drain failed", zap.Error(err))
		} else if n > 0 {
			d.log.Info("spool drained", zap.Int("submitted", n))
		}
	}
	if err := d.RunPending(ctx); err != nil {
		d.log.Warn("scheduling pass failed", zap.Error(err))
	}
}
