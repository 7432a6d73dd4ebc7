package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"LokaMail/internal/email"
	"LokaMail/internal/mailerr"
	"LokaMail/internal/metrics"
	"LokaMail/internal/models"
)

const (
	retryInitial = 5 * time.Minute
	retryMax     = 60 * time.Minute
)

// BatchResult counts the outcome of one ProcessBatch call. Failed includes
// attempts that were rescheduled for retry.
type BatchResult struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

// ProcessBatch sends up to batchSize due emails. If another worker holds the
// queue lock it returns an empty result immediately. Individual send
// failures are recorded on their rows and never fail the batch.
func (q *Queue) ProcessBatch(ctx context.Context, batchSize int) (BatchResult, error) {
	var res BatchResult
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	ctx, span := q.tracer.Start(ctx, "queue.ProcessBatch")
	defer span.End()

	release, ok, err := q.locker.TryAcquire(ctx, LockName)
	if err != nil {
		span.SetStatus(codes.Error, "lock")
		return res, fmt.Errorf("acquire queue lock: %w", err)
	}
	if !ok {
		metrics.BatchLockSkipped.Inc()
		q.logger.Info("queue lock held by another worker, skipping batch")
		return res, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			q.logger.Error("failed to release queue lock", zap.Error(err))
		}
	}()

	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	rows, err := q.store.Pending(ctx, q.clk.Now(), batchSize)
	if err != nil {
		span.SetStatus(codes.Error, "pending")
		return res, fmt.Errorf("load pending emails: %w", err)
	}
	if len(rows) == 0 {
		return res, nil
	}

	batchID := uuid.NewString()
	logger := q.logger.With(zap.String("batch_id", batchID))
	logger.Info("processing email batch", zap.Int("rows", len(rows)))

	mailer := q.newMailer(true)
	defer func() {
		if err := mailer.Close(); err != nil {
			logger.Debug("closing batch mailer", zap.Error(err))
		}
	}()

	for _, row := range rows {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				logger.Warn("rate limiter stopped by context", zap.Error(err))
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		switch q.processOne(ctx, logger, mailer, row.ID) {
		case outcomeSent:
			res.Sent++
		case outcomeFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.sent", res.Sent),
		attribute.Int("batch.failed", res.Failed),
		attribute.Int("batch.skipped", res.Skipped),
	)
	logger.Info("email batch finished",
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (q *Queue) processOne(ctx context.Context, logger *zap.Logger, sender Sender, id int64) (out outcome) {
	e, err := q.store.Claim(ctx, id, q.clk.Now())
	if err != nil {
		logger.Error("failed to claim email", zap.Int64("email_id", id), zap.Error(err))
		return outcomeSkipped
	}
	if e == nil {
		logger.Debug("email already claimed", zap.Int64("email_id", id))
		return outcomeSkipped
	}
	// The pending list may be stale: another worker can have rescheduled
	// the row between the read and the claim.
	if !e.Due(q.clk.Now()) {
		q.unclaim(ctx, logger, e)
		return outcomeSkipped
	}

	ctx, span := q.tracer.Start(ctx, "queue.send", traceAttrs(e)...)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic while sending: %v", r)
			span.RecordError(perr)
			logger.Error("send panicked", zap.Int64("email_id", e.ID), zap.Any("panic", r))
			q.markFailed(ctx, logger, e, perr)
			out = outcomeFailed
		}
	}()

	err = sender.Send(ctx, email.Message{
		To:      e.ToEmail,
		ToName:  e.ToName,
		Subject: e.Subject,
		Body:    e.Body,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, mailerr.KindOf(err).String())
		q.markFailed(ctx, logger, e, err)
		return outcomeFailed
	}

	if err := q.store.MarkSent(ctx, e.ID, q.clk.Now()); err != nil {
		// Delivered but not recorded; the stuck sweep will requeue it.
		logger.Error("failed to mark email sent", zap.Int64("email_id", e.ID), zap.Error(err))
	}
	metrics.EmailsSent.Inc()
	logger.Info("email sent",
		zap.Int64("email_id", e.ID),
		zap.String("to", e.ToEmail),
		zap.Int("attempt", e.Attempts+1),
	)
	return outcomeSent
}

// markFailed records a failed attempt, scheduling a retry with backoff or
// marking the row failed once its attempts are used up.
func (q *Queue) markFailed(ctx context.Context, logger *zap.Logger, e *models.QueuedEmail, sendErr error) {
	now := q.clk.Now()
	f := models.Failure{
		Attempts: e.Attempts + 1,
		ErrorMsg: truncate(sendErr.Error(), maxErrorLen),
	}

	kind := mailerr.KindOf(sendErr)
	permanent := q.failFast && mailerr.IsPermanent(sendErr)

	switch {
	case permanent || f.Attempts >= e.MaxAttempts:
		f.Status = models.StatusFailed
		f.Attempts = max(f.Attempts, e.MaxAttempts)
		metrics.EmailFailures.WithLabelValues("failed", kind.String()).Inc()
		logger.Error("email failed permanently",
			zap.Int64("email_id", e.ID),
			zap.Int("attempts", f.Attempts),
			zap.String("kind", kind.String()),
			zap.Error(sendErr),
		)
	default:
		next := now.Add(RetryDelay(f.Attempts))
		f.Status = models.StatusPending
		f.ScheduledAt = &next
		metrics.EmailFailures.WithLabelValues("retry", kind.String()).Inc()
		logger.Warn("email send failed, retry scheduled",
			zap.Int64("email_id", e.ID),
			zap.Int("attempts", f.Attempts),
			zap.Time("retry_at", next),
			zap.String("kind", kind.String()),
			zap.Error(sendErr),
		)
	}

	if err := q.store.MarkFailed(context.WithoutCancel(ctx), e.ID, f, now); err != nil {
		logger.Error("failed to record send failure", zap.Int64("email_id", e.ID), zap.Error(err))
	}
}

// RetryDelay is the wait after the given failed attempt: 5, 10, 20, 40 and
// then 60 minutes for every later attempt.
func RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	d := retryInitial
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// traceAttrs leaves recipient addresses out of spans.
func traceAttrs(e *models.QueuedEmail) []trace.SpanStartOption {
	return []trace.SpanStartOption{trace.WithAttributes(
		attribute.Int64("email.id", e.ID),
		attribute.String("email.template", e.Template),
		attribute.Int("email.priority", e.Priority),
		attribute.Int("email.attempt", e.Attempts+1),
	)}
}

// unclaim puts a row that was claimed but not yet due back to pending as it
// was.
func (q *Queue) unclaim(ctx context.Context, logger *zap.Logger, e *models.QueuedEmail) {
	f := models.Failure{Attempts: e.Attempts, Status: models.StatusPending, ScheduledAt: e.ScheduledAt}
	if e.ErrorMsg != nil {
		f.ErrorMsg = *e.ErrorMsg
	}
	if err := q.store.MarkFailed(ctx, e.ID, f, q.clk.Now()); err != nil {
		logger.Error("failed to release claim", zap.Int64("email_id", e.ID), zap.Error(err))
		return
	}
	logger.Debug("claimed email is not due, released", zap.Int64("email_id", e.ID))
}
