// Command queue-runner processes the email queue for external schedulers.
//
//	queue-runner -mode=once        one tick, for cron
//	queue-runner -mode=continuous  tick every RUNNER_INTERVAL until signalled
//	queue-runner -mode=health      print queue stats, clear a stale lock file
//	queue-runner -mode=cleanup     delete sent emails older than -days
//
// The exit code is non-zero only for configuration, database and lock
// errors. Failed sends are recorded on their rows and never change it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"LokaMail/internal/app"
	"LokaMail/internal/config"
	"LokaMail/internal/lock"
	"LokaMail/internal/tracing"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "once", "once, continuous, health or cleanup")
	days := flag.Int("days", 0, "retention in days for cleanup mode (default RETENTION_DAYS)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue-runner: %v\n", err)
		return exitError
	}

	logger, err := app.NewLogger(cfg.Level(), true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue-runner: %v\n", err)
		return exitError
	}
	defer logger.Sync()
	logger = logger.With(zap.String("mode", *mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(tracing.Config{Enabled: cfg.TracingEnabled, ServiceName: "lokamail-queue-runner"}, logger)
	if err != nil {
		logger.Error("tracing setup failed", zap.Error(err))
		return exitError
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	switch *mode {
	case "once", "continuous", "health", "cleanup":
	default:
		logger.Error("unknown mode")
		flag.Usage()
		return exitUsage
	}

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("backend setup failed", zap.Error(err))
		return exitError
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing backends", zap.Error(err))
		}
	}()

	switch *mode {
	case "once":
		return runOnce(ctx, a, cfg, logger)
	case "continuous":
		return runContinuous(ctx, a, cfg, logger)
	case "health":
		return runHealth(ctx, a, logger)
	default:
		return runCleanup(ctx, a, cfg, *days, logger)
	}
}

// acquireRunnerLock clears an abandoned lock file before taking it.
func acquireRunnerLock(cfg *config.Config, logger *zap.Logger) (*lock.FileLock, error) {
	cleared, err := lock.ClearStale(cfg.RunnerLockFile, cfg.HeartbeatStaleAfter, nil)
	if err != nil {
		return nil, err
	}
	if cleared {
		logger.Warn("removed stale runner lock file", zap.String("path", cfg.RunnerLockFile))
	}
	return lock.AcquireFile(cfg.RunnerLockFile, nil)
}

func runOnce(ctx context.Context, a *app.App, cfg *config.Config, logger *zap.Logger) int {
	fl, err := acquireRunnerLock(cfg, logger)
	if errors.Is(err, lock.ErrLocked) {
		logger.Info("another runner is active, nothing to do", zap.String("lock_file", cfg.RunnerLockFile))
		return exitOK
	}
	if err != nil {
		logger.Error("failed to take runner lock", zap.Error(err))
		return exitError
	}
	defer func() {
		if err := fl.Release(); err != nil {
			logger.Warn("failed to release runner lock", zap.Error(err))
		}
	}()

	res, err := a.Runner.RunOnce(ctx, fl)
	if err != nil {
		logger.Error("queue tick failed", zap.Error(err))
		return exitError
	}
	logger.Info("queue run complete",
		zap.Int("sent", res.Batch.Sent),
		zap.Int("failed", res.Batch.Failed),
		zap.Int("skipped", res.Batch.Skipped),
	)
	return exitOK
}

func runContinuous(ctx context.Context, a *app.App, cfg *config.Config, logger *zap.Logger) int {
	fl, err := acquireRunnerLock(cfg, logger)
	if err != nil {
		logger.Error("failed to take runner lock", zap.String("lock_file", cfg.RunnerLockFile), zap.Error(err))
		return exitError
	}
	defer func() {
		if err := fl.Release(); err != nil {
			logger.Warn("failed to release runner lock", zap.Error(err))
		}
	}()

	if err := a.Runner.RunContinuous(ctx, fl); err != nil {
		logger.Error("runner stopped", zap.Error(err))
		return exitError
	}
	return exitOK
}

func runHealth(ctx context.Context, a *app.App, logger *zap.Logger) int {
	rep, err := a.Runner.Health(ctx)
	if err != nil {
		logger.Error("health check failed", zap.Error(err))
		return exitError
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		logger.Error("writing health report", zap.Error(err))
		return exitError
	}
	return exitOK
}

func runCleanup(ctx context.Context, a *app.App, cfg *config.Config, days int, logger *zap.Logger) int {
	if days <= 0 {
		days = cfg.RetentionDays
	}
	n, err := a.Queue.Cleanup(ctx, days)
	if err != nil {
		logger.Error("cleanup failed", zap.Error(err))
		return exitError
	}
	fmt.Fprintf(os.Stdout, "deleted %d sent emails older than %d days\n", n, days)
	return exitOK
}
