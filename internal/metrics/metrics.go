package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed delivery attempts by outcome (retry or failed) and error kind",
		},
		[]string{"outcome", "kind"},
	)

	EmailsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_enqueued_total",
			Help: "Total emails enqueued by template",
		},
		[]string{"template"},
	)

	SyncSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_sync_sends_total",
			Help: "Immediate sends attempted for critical templates by result",
		},
		[]string{"result"},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_batch_duration_seconds",
			Help:    "Time spent in one queue batch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	BatchLockSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_batch_lock_skipped_total",
			Help: "Batches skipped because another worker held the queue lock",
		},
	)

	StuckResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_stuck_resets_total",
			Help: "Rows returned from processing to pending by the stuck sweep",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_queue_rows",
			Help: "Rows in the email queue by status",
		},
		[]string{"status"},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(EmailsEnqueued)
	prometheus.MustRegister(SyncSends)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(BatchLockSkipped)
	prometheus.MustRegister(StuckResets)
	prometheus.MustRegister(QueueDepth)
}
