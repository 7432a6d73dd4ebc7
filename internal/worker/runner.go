// Package worker drives the email queue on a schedule.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"LokaMail/internal/lock"
	"LokaMail/internal/models"
	"LokaMail/internal/queue"
	"LokaMail/internal/templates"
)

const (
	DefaultInterval       = 15 * time.Second
	DefaultAlertThreshold = 10
	alertPriority         = 1
)

// AdminDirectory lists the administrators who receive queue failure alerts.
type AdminDirectory interface {
	ActiveAdmins(ctx context.Context) ([]models.Recipient, error)
}

type Config struct {
	BatchSize      int
	Interval       time.Duration
	StuckAfter     time.Duration
	AlertThreshold int64
	// AlertCooldown stops a continuous runner from alerting on every tick
	// while the same failures are still inside the reporting window.
	AlertCooldown time.Duration
	LockFile      string
	StaleAfter    time.Duration
	// HeartbeatEvery is how often a held lock file is refreshed, including
	// while a tick is still sending.
	HeartbeatEvery time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = queue.DefaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = queue.DefaultStuckAfter
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = DefaultAlertThreshold
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = queue.RecentFailureWindow
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = lock.DefaultStaleAfter
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = c.StaleAfter / 4
	}
}

type Runner struct {
	queue  *queue.Queue
	admins AdminDirectory
	cfg    Config
	logger *zap.Logger
	clk    clock.Clock

	mu        sync.Mutex
	lastAlert time.Time
}

func NewRunner(q *queue.Queue, admins AdminDirectory, cfg Config, logger *zap.Logger, clk clock.Clock) *Runner {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{queue: q, admins: admins, cfg: cfg, logger: logger, clk: clk}
}

// TickResult summarises one runner pass.
type TickResult struct {
	Reset   int64             `json:"reset"`
	Batch   queue.BatchResult `json:"batch"`
	Alerted int               `json:"alerted"`
}

// Tick resets stuck rows, processes one batch and alerts administrators
// when too many sends failed recently. Only storage and lock errors are
// returned; delivery failures are recorded on their rows.
func (r *Runner) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	n, err := r.queue.ResetStuck(ctx, r.cfg.StuckAfter)
	if err != nil {
		return res, fmt.Errorf("reset stuck emails: %w", err)
	}
	res.Reset = n

	res.Batch, err = r.queue.ProcessBatch(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	st, err := r.queue.GetStats(ctx)
	if err != nil {
		return res, fmt.Errorf("read queue stats: %w", err)
	}

	if st.RecentFailures > r.cfg.AlertThreshold {
		res.Alerted = r.alert(ctx, st)
	}

	r.logger.Info("queue tick finished",
		zap.Int64("reset", res.Reset),
		zap.Int("sent", res.Batch.Sent),
		zap.Int("failed", res.Batch.Failed),
		zap.Int("skipped", res.Batch.Skipped),
		zap.Int64("pending", st.Pending),
		zap.Int64("recent_failures", st.RecentFailures),
	)
	return res, nil
}

func (r *Runner) alert(ctx context.Context, st models.QueueStats) int {
	now := r.clk.Now()
	r.mu.Lock()
	if !r.lastAlert.IsZero() && now.Sub(r.lastAlert) < r.cfg.AlertCooldown {
		r.mu.Unlock()
		return 0
	}
	r.lastAlert = now
	r.mu.Unlock()

	if r.admins == nil {
		r.logger.Warn("queue failure threshold exceeded but no admin directory configured",
			zap.Int64("recent_failures", st.RecentFailures))
		return 0
	}

	admins, err := r.admins.ActiveAdmins(ctx)
	if err != nil {
		r.logger.Error("failed to load admins for failure alert", zap.Error(err))
		return 0
	}

	data := templates.Data{
		Message: fmt.Sprintf("%d emails failed in the last hour. Please check the mail server configuration and the email queue.",
			st.RecentFailures),
		Extra: map[string]string{
			"Recent failures": strconv.FormatInt(st.RecentFailures, 10),
			"Pending":         strconv.FormatInt(st.Pending, 10),
			"Failed":          strconv.FormatInt(st.Failed, 10),
		},
	}

	sent := 0
	for _, admin := range admins {
		_, err := r.queue.EnqueueFromTemplate(ctx, queue.TemplateRequest{
			To:       admin.Email,
			ToName:   admin.Name,
			Template: templates.QueueFailureAlert,
			Data:     data,
			Priority: alertPriority,
		})
		if err != nil {
			r.logger.Error("failed to queue failure alert", zap.String("to", admin.Email), zap.Error(err))
			continue
		}
		sent++
	}

	r.logger.Warn("queue failure alert raised",
		zap.Int64("recent_failures", st.RecentFailures),
		zap.Int("admins_notified", sent),
	)
	return sent
}

// RunOnce runs a single Tick while keeping fl's heartbeat fresh.
func (r *Runner) RunOnce(ctx context.Context, fl *lock.FileLock) (TickResult, error) {
	var res TickResult
	err := r.whileHolding(ctx, fl, func(ctx context.Context) error {
		var err error
		res, err = r.Tick(ctx)
		return err
	})
	return res, err
}

// RunContinuous ticks until ctx is cancelled. Tick errors are logged and the
// loop goes on; losing the lock file stops the runner with lock.ErrLost.
func (r *Runner) RunContinuous(ctx context.Context, fl *lock.FileLock) error {
	r.logger.Info("queue runner started", zap.Duration("interval", r.cfg.Interval))

	return r.whileHolding(ctx, fl, func(ctx context.Context) error {
		for {
			if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("queue tick failed", zap.Error(err))
			}

			timer := time.NewTimer(r.cfg.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.logger.Info("queue runner shutting down")
				return nil
			case <-timer.C:
			}
		}
	})
}

// whileHolding runs fn with a heartbeat goroutine alongside it. If the lock
// file is lost, fn's context is cancelled and lock.ErrLost is returned.
func (r *Runner) whileHolding(ctx context.Context, fl *lock.FileLock, fn func(context.Context) error) error {
	if fl == nil {
		return fn(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		return r.heartbeat(gctx, fl, done)
	})
	g.Go(func() error {
		defer close(done)
		return fn(gctx)
	})
	return g.Wait()
}

func (r *Runner) heartbeat(ctx context.Context, fl *lock.FileLock, done <-chan struct{}) error {
	ticker := time.NewTicker(r.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		if err := fl.Heartbeat(); errors.Is(err, lock.ErrLost) {
			r.logger.Error("runner lock file lost, stopping", zap.String("path", fl.Path()))
			return fmt.Errorf("%w: %s", lock.ErrLost, fl.Path())
		} else if err != nil {
			r.logger.Warn("heartbeat failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
		}
	}
}

// HealthReport is what the health mode prints.
type HealthReport struct {
	Stats            models.QueueStats `json:"stats"`
	LockFile         lock.FileStatus   `json:"lock_file"`
	ClearedStaleLock bool              `json:"cleared_stale_lock"`
	RunnerAlive      bool              `json:"runner_alive"`
}

// Health reports queue counts and the continuous runner's liveness,
// removing its lock file if the heartbeat has gone stale.
func (r *Runner) Health(ctx context.Context) (HealthReport, error) {
	var rep HealthReport

	if r.cfg.LockFile != "" {
		st, err := lock.Inspect(r.cfg.LockFile, r.cfg.StaleAfter, r.clk)
		if err != nil {
			return rep, err
		}
		rep.LockFile = st
		rep.RunnerAlive = st.Exists && !st.Stale

		if st.Stale {
			cleared, err := lock.ClearStale(r.cfg.LockFile, r.cfg.StaleAfter, r.clk)
			if err != nil {
				return rep, err
			}
			rep.ClearedStaleLock = cleared
			if cleared {
				r.logger.Warn("removed stale runner lock file",
					zap.String("path", r.cfg.LockFile),
					zap.Int("pid", st.PID),
					zap.Duration("age", st.Age),
				)
			}
		}
	}

	st, err := r.queue.GetStats(ctx)
	if err != nil {
		return rep, fmt.Errorf("read queue stats: %w", err)
	}
	rep.Stats = st
	return rep, nil
}
