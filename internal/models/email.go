package models

import "time"

type EmailStatus string

const (
	StatusPending    EmailStatus = "pending"
	StatusProcessing EmailStatus = "processing"
	StatusSent       EmailStatus = "sent"
	StatusFailed     EmailStatus = "failed"
)

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
)

// QueuedEmail is one row of the email queue. Subject and Body are rendered
// once at enqueue time and never re-rendered on retry.
type QueuedEmail struct {
	ID       int64  `json:"id"`
	ToEmail  string `json:"to_email"`
	ToName   string `json:"to_name,omitempty"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Template string `json:"template,omitempty"`
	Priority int    `json:"priority"`

	Status      EmailStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
	ErrorMsg    *string     `json:"error_message,omitempty"`
	RequestID   *int64      `json:"request_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Due reports whether the row has attempts left and its schedule has
// arrived at now. Status is left to the caller.
func (e *QueuedEmail) Due(now time.Time) bool {
	return e.Attempts < e.MaxAttempts &&
		(e.ScheduledAt == nil || !e.ScheduledAt.After(now))
}

// Failure is the state written back after a failed delivery attempt.
type Failure struct {
	Attempts    int
	Status      EmailStatus
	ScheduledAt *time.Time
	ErrorMsg    string
}

type QueueStats struct {
	Pending        int64 `json:"pending"`
	Processing     int64 `json:"processing"`
	Sent           int64 `json:"sent"`
	Failed         int64 `json:"failed"`
	RecentFailures int64 `json:"recent_failures"`
}

// Recipient is an address with an optional display name.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
