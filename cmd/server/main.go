package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"LokaMail/internal/api"
	"LokaMail/internal/app"
	"LokaMail/internal/config"
	"LokaMail/internal/metrics"
	"LokaMail/internal/tracing"
)

const (
	tickSchedule    = "@every 1m"
	cleanupSchedule = "@daily"
)

func main() {

	// ------------------------------------------------
	// Config + Logger
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		bootLogger, _ := zap.NewProduction()
		bootLogger.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := app.NewLogger(cfg.Level(), false)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------
	// Tracing
	// ------------------------------------------------
	shutdownTracing, err := tracing.Setup(tracing.Config{Enabled: cfg.TracingEnabled, ServiceName: "lokamail-server"}, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Database, Locks, Queue
	// ------------------------------------------------
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("backend setup failed", zap.Error(err))
	}
	defer a.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Queue:         a.Queue,
		Log:           logger,
		RetentionDays: cfg.RetentionDays,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ------------------------------------------------
	// Scheduler
	// ------------------------------------------------
	cl := cronLogger{logger.Sugar()}
	scheduler := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := scheduler.AddFunc(tickSchedule, func() {
		if _, err := a.Runner.Tick(ctx); err != nil {
			logger.Error("scheduled queue tick failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("invalid tick schedule", zap.Error(err))
	}

	if _, err := scheduler.AddFunc(cleanupSchedule, func() {
		if _, err := a.Queue.Cleanup(ctx, cfg.RetentionDays); err != nil {
			logger.Error("scheduled cleanup failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("invalid cleanup schedule", zap.Error(err))
	}

	// ------------------------------------------------
	// Run until shutdown
	// ------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	scheduler.Start()
	logger.Info("queue scheduler started", zap.String("tick", tickSchedule), zap.String("cleanup", cleanupSchedule))

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down services...")

		// Wait for a running tick to finish its batch.
		<-scheduler.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
