// Package queue is the durable email queue: enqueue, claim, send, retry.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"LokaMail/internal/email"
	"LokaMail/internal/mailerr"
	"LokaMail/internal/metrics"
	"LokaMail/internal/models"
	"LokaMail/internal/templates"
)

const (
	// LockName is the process-wide lock held for the length of a batch.
	LockName = "email_queue_processing"

	DefaultBatchSize     = 50
	DefaultRetentionDays = 30
	DefaultStuckAfter    = 5 * time.Minute
	RecentFailureWindow  = time.Hour

	maxErrorLen = 1000
)

// Store persists queued emails. Implementations live in internal/db.
type Store interface {
	Insert(ctx context.Context, e *models.QueuedEmail) error
	Get(ctx context.Context, id int64) (*models.QueuedEmail, error)
	Pending(ctx context.Context, now time.Time, limit int) ([]models.QueuedEmail, error)
	// Claim moves a pending row to processing. It returns nil, nil when the
	// row is no longer pending.
	Claim(ctx context.Context, id int64, now time.Time) (*models.QueuedEmail, error)
	MarkSent(ctx context.Context, id int64, now time.Time) error
	MarkFailed(ctx context.Context, id int64, f models.Failure, now time.Time) error
	Stats(ctx context.Context, failuresSince time.Time) (models.QueueStats, error)
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ResetStuck(ctx context.Context, before, now time.Time) (int64, error)
}

// Locker is a named non-blocking mutex. TryAcquire returns false without
// waiting when the lock is held elsewhere.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (release func(context.Context) error, ok bool, err error)
}

type Sender interface {
	Send(ctx context.Context, msg email.Message) error
	Close() error
}

// MailerFactory builds a fresh Sender. keepAlive is true for batch sends.
type MailerFactory func(keepAlive bool) Sender

// NewMailerFactory returns a factory producing email.Mailers for cfg.
func NewMailerFactory(cfg email.Config, logger *zap.Logger, opts ...email.Option) MailerFactory {
	return func(keepAlive bool) Sender {
		o := append([]email.Option{email.WithKeepAlive(keepAlive)}, opts...)
		return email.New(cfg, logger, o...)
	}
}

type Option func(*Queue)

func WithClock(clk clock.Clock) Option {
	return func(q *Queue) { q.clk = clk }
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithRateLimit throttles sends inside a batch. A nil limiter disables throttling.
func WithRateLimit(l *rate.Limiter) Option {
	return func(q *Queue) { q.limiter = l }
}

// WithFailFastPermanent marks rows failed on the first configuration or
// validation error instead of retrying them.
func WithFailFastPermanent(on bool) Option {
	return func(q *Queue) { q.failFast = on }
}

func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) { q.tracer = t }
}

type Queue struct {
	store     Store
	locker    Locker
	newMailer MailerFactory
	renderer  *templates.Renderer
	logger    *zap.Logger

	clk         clock.Clock
	maxAttempts int
	limiter     *rate.Limiter
	failFast    bool
	tracer      trace.Tracer
}

func New(store Store, locker Locker, newMailer MailerFactory, renderer *templates.Renderer, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		store:       store,
		locker:      locker,
		newMailer:   newMailer,
		renderer:    renderer,
		logger:      logger,
		clk:         clock.New(),
		maxAttempts: models.DefaultMaxAttempts,
		tracer:      otel.Tracer("LokaMail/internal/queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueRequest is a pre-rendered email.
type EnqueueRequest struct {
	To          string     `json:"to"`
	ToName      string     `json:"to_name,omitempty"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Template    string     `json:"template,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	RequestID   *int64     `json:"request_id,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// TemplateRequest asks for key to be rendered with Data and queued.
type TemplateRequest struct {
	To        string         `json:"to"`
	ToName    string         `json:"to_name,omitempty"`
	Template  string         `json:"template"`
	Data      templates.Data `json:"data"`
	Priority  int            `json:"priority,omitempty"`
	RequestID *int64         `json:"request_id,omitempty"`

	// SkipImmediate leaves critical templates to the queue alone.
	SkipImmediate bool `json:"-"`
}

// Enqueue stores req as a pending row and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	req.To = strings.TrimSpace(req.To)
	if !email.ValidAddress(req.To) {
		return 0, mailerr.Validation(fmt.Sprintf("recipient address %q is invalid", req.To))
	}
	if strings.TrimSpace(req.Subject) == "" {
		return 0, mailerr.Validation("subject is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return 0, mailerr.Validation("body is required")
	}

	priority := req.Priority
	if priority <= 0 {
		priority = models.DefaultPriority
	}

	e := &models.QueuedEmail{
		ToEmail:     req.To,
		ToName:      req.ToName,
		Subject:     req.Subject,
		Body:        req.Body,
		Template:    req.Template,
		Priority:    priority,
		MaxAttempts: q.maxAttempts,
		RequestID:   req.RequestID,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   q.clk.Now(),
	}
	if err := q.store.Insert(ctx, e); err != nil {
		return 0, fmt.Errorf("enqueue email: %w", err)
	}

	label := req.Template
	if label == "" {
		label = "none"
	}
	metrics.EmailsEnqueued.WithLabelValues(label).Inc()

	q.logger.Info("email queued",
		zap.Int64("email_id", e.ID),
		zap.String("to", e.ToEmail),
		zap.String("template", e.Template),
		zap.Int("priority", e.Priority),
	)
	return e.ID, nil
}

// EnqueueFromTemplate renders req and queues the result. Once the row is
// stored, critical templates are also sent immediately; that attempt never
// affects the returned id or the queued row, which is always delivered
// through the queue as well.
func (q *Queue) EnqueueFromTemplate(ctx context.Context, req TemplateRequest) (int64, error) {
	subject, body, err := q.renderer.Render(req.Template, req.Data)
	if err != nil {
		return 0, err
	}
	if req.RequestID != nil {
		subject = templates.ControlSubject(*req.RequestID, subject)
	}

	id, err := q.Enqueue(ctx, EnqueueRequest{
		To:        req.To,
		ToName:    req.ToName,
		Subject:   subject,
		Body:      body,
		Template:  req.Template,
		Priority:  req.Priority,
		RequestID: req.RequestID,
	})
	if err != nil {
		return 0, err
	}

	if templates.IsCritical(req.Template) && !req.SkipImmediate {
		// The row is already durable, so a caller hanging up must not cut
		// the attempt short.
		msg := email.Message{To: strings.TrimSpace(req.To), ToName: req.ToName, Subject: subject, Body: body}
		q.sendNow(context.WithoutCancel(ctx), msg)
	}
	return id, nil
}

func (q *Queue) sendNow(ctx context.Context, msg email.Message) {
	ctx, span := q.tracer.Start(ctx, "queue.sendNow")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			metrics.SyncSends.WithLabelValues("panic").Inc()
			q.logger.Error("immediate send panicked", zap.String("to", msg.To), zap.Any("panic", r))
		}
	}()

	m := q.newMailer(false)
	defer func() {
		if err := m.Close(); err != nil {
			q.logger.Debug("closing mailer", zap.Error(err))
		}
	}()

	if err := m.Send(ctx, msg); err != nil {
		metrics.SyncSends.WithLabelValues("error").Inc()
		span.RecordError(err)
		q.logger.Warn("immediate send failed, email stays queued",
			zap.String("to", msg.To),
			zap.String("kind", mailerr.KindOf(err).String()),
			zap.Error(err),
		)
		return
	}
	metrics.SyncSends.WithLabelValues("sent").Inc()
	q.logger.Info("immediate send succeeded", zap.String("to", msg.To))
}

// GetPending lists rows that are due, most urgent first.
func (q *Queue) GetPending(ctx context.Context, limit int) ([]models.QueuedEmail, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	return q.store.Pending(ctx, q.clk.Now(), limit)
}

func (q *Queue) Get(ctx context.Context, id int64) (*models.QueuedEmail, error) {
	return q.store.Get(ctx, id)
}

// GetStats counts rows by status. RecentFailures covers the last hour.
func (q *Queue) GetStats(ctx context.Context) (models.QueueStats, error) {
	st, err := q.store.Stats(ctx, q.clk.Now().Add(-RecentFailureWindow))
	if err != nil {
		return st, err
	}
	metrics.QueueDepth.WithLabelValues(string(models.StatusPending)).Set(float64(st.Pending))
	metrics.QueueDepth.WithLabelValues(string(models.StatusProcessing)).Set(float64(st.Processing))
	metrics.QueueDepth.WithLabelValues(string(models.StatusSent)).Set(float64(st.Sent))
	metrics.QueueDepth.WithLabelValues(string(models.StatusFailed)).Set(float64(st.Failed))
	return st, nil
}

// Cleanup deletes sent rows older than daysOld days (30 when daysOld <= 0).
func (q *Queue) Cleanup(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = DefaultRetentionDays
	}
	n, err := q.store.DeleteSentBefore(ctx, q.clk.Now().AddDate(0, 0, -daysOld))
	if err != nil {
		return 0, err
	}
	q.logger.Info("queue cleanup finished", zap.Int("days_old", daysOld), zap.Int64("deleted", n))
	return n, nil
}

// ResetStuck returns rows left in processing longer than olderThan to
// pending, e.g. after a worker crashed mid-send.
func (q *Queue) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultStuckAfter
	}
	now := q.clk.Now()
	n, err := q.store.ResetStuck(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StuckResets.Add(float64(n))
		q.logger.Warn("reset stuck emails", zap.Int64("count", n))
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
