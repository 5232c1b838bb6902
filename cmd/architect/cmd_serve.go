package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"architect/pkg/dispatch"
	"architect/pkg/eventlog"
	"architect/pkg/gateway"
	"architect/pkg/monitor"
)

// newServeCmd creates the "architect serve" subcommand: the long-running
// daemon hosting the dispatcher loop, the health monitor, the HTTP
// gateway, and the maintenance schedule.
func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, monitor, and gateway",
		Long:  "Starts the scheduling loop, the worker health monitor, the\noperator HTTP gateway, and periodic maintenance sweeps.\nRuns until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()
			return runServe(cmd.Context(), e)
		},
	}
}

func runServe(parent context.Context, e *engine) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(e.cfg.SpoolDir, 0o755); err != nil {
		return err
	}

	injector := dispatch.NewTmuxInjector(&dispatch.ExecRunner{})

	disp := dispatch.New(e.store, e.locks, e.registry, injector,
		eventlog.NewRecorder(e.db, "dispatcher"), e.log, dispatch.Config{
			TaskTimeout:     e.cfg.taskTimeout(),
			LockTTL:         e.cfg.lockTTL(),
			PollInterval:    e.cfg.pollInterval(),
			DeliveryTimeout: 10 * time.Second,
		})
	spool := dispatch.NewSpool(e.cfg.SpoolDir, e.cfg.DefaultWorkDir, e.store, e.classifier, e.log)

	mon := monitor.New(e.store, e.locks, e.registry, e.cooldowns, e.directives,
		injector, nil, eventlog.NewRecorder(e.db, "monitor"), e.log, monitor.Config{
			PollInterval:     e.cfg.monitorInterval(),
			StaleThreshold:   e.cfg.staleThreshold(),
			CooldownDuration: e.cfg.cooldownDuration(),
		})

	gw := gateway.New(e.cfg.ListenAddr, e.store, e.registry, e.locks,
		e.directives, e.classifier, e.log)

	// Housekeeping: dedup expiry, cooldown purge, and lock sweep do not
	// affect correctness (lookups filter on expiry), they bound table
	// growth.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 1h", func() {
		if n, err := e.store.SweepExpiredDedup(ctx); err != nil {
			e.log.Warn("dedup sweep failed", zap.Error(err))
		} else if n > 0 {
			e.log.Info("dedup entries swept", zap.Int64("removed", n))
		}
		if n, err := e.cooldowns.Purge(ctx); err != nil {
			e.log.Warn("cooldown purge failed", zap.Error(err))
		} else if n > 0 {
			e.log.Info("cooldowns purged", zap.Int64("removed", n))
		}
		if n, err := e.locks.SweepExpired(ctx); err != nil {
			e.log.Warn("lock sweep failed", zap.Error(err))
		} else if n > 0 {
			e.log.Info("expired locks swept", zap.Int64("removed", n))
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 3)
	go func() { errCh <- gw.Start() }()
	go func() { errCh <- disp.Run(ctx, spool) }()
	go func() { errCh <- mon.Run(ctx) }()

	e.log.Info("architect serving",
		zap.String("db", e.cfg.DBPath),
		zap.String("spool", e.cfg.SpoolDir),
		zap.String("listen", e.cfg.ListenAddr))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		e.log.Warn("gateway shutdown", zap.Error(err))
	}
	if runErr != nil && !isCancelled(runErr) {
		return runErr
	}
	return nil
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
