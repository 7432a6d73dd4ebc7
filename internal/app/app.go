// Package app wires configuration into the store, locker, queue and runner
// shared by both binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"LokaMail/internal/config"
	"LokaMail/internal/db"
	"LokaMail/internal/lock"
	"LokaMail/internal/queue"
	"LokaMail/internal/templates"
	"LokaMail/internal/worker"
)

type App struct {
	Queue  *queue.Queue
	Runner *worker.Runner

	closers []func() error
}

// NewLogger builds the production JSON logger at the configured level.
// ISO8601 timestamps are used by the CLI so cron mail stays readable.
func NewLogger(level zapcore.Level, iso8601 bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if iso8601 {
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zc.Build()
}

// Open connects the configured backends. The caller must Close the App.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}
	clk := clock.New()

	var (
		store     queue.Store
		dbLocker  queue.Locker
		directory worker.AdminDirectory
	)

	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		s, err := db.OpenSQLite(ctx, cfg.DatabaseURL, clk, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		store, dbLocker = s, s
	default:
		s, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		store, dbLocker, directory = s, db.NewAdvisoryLocker(s.Pool), s
	}

	if cfg.AlertAdminEmails != "" {
		directory = db.ParseStaticAdmins(cfg.AlertAdminEmails)
	}

	var locker queue.Locker
	switch cfg.LockBackend {
	case config.LockRedis:
		client, err := lock.ConnectRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedisLocker(client, 0)
	case config.LockMemory:
		locker = lock.NewMemoryLocker()
	default:
		locker = dbLocker
	}

	opts := []queue.Option{
		queue.WithClock(clk),
		queue.WithMaxAttempts(cfg.MaxAttempts),
		queue.WithFailFastPermanent(cfg.FailFastPermanent),
	}
	if cfg.SendRateLimit > 0 {
		burst := max(1, int(cfg.SendRateLimit))
		opts = append(opts, queue.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.SendRateLimit), burst)))
	}

	a.Queue = queue.New(
		store,
		locker,
		queue.NewMailerFactory(cfg.Mailer(), logger),
		templates.NewRenderer(cfg.SiteBaseURL, ""),
		logger,
		opts...,
	)

	a.Runner = worker.NewRunner(a.Queue, directory, worker.Config{
		BatchSize:      cfg.BatchSize,
		Interval:       cfg.RunnerInterval,
		StuckAfter:     cfg.StuckAfter,
		AlertThreshold: cfg.AlertThreshold,
		LockFile:       cfg.RunnerLockFile,
		StaleAfter:     cfg.HeartbeatStaleAfter,
	}, logger, clk)

	logger.Info("queue backends ready",
		zap.String("database", cfg.DatabaseDriver),
		zap.String("lock", cfg.LockBackend),
		zap.Bool("mail_enabled", cfg.MailEnabled),
	)
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close backends: %w", err)
	}
	return nil
}
