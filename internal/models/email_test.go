package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueuedEmail_Due(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		email QueuedEmail
		want  bool
	}{
		{name: "fresh", email: QueuedEmail{Status: StatusPending, MaxAttempts: 3}, want: true},
		{name: "due retry", email: QueuedEmail{Status: StatusPending, Attempts: 1, MaxAttempts: 3, ScheduledAt: &past}, want: true},
		{name: "due exactly now", email: QueuedEmail{Status: StatusPending, MaxAttempts: 3, ScheduledAt: &now}, want: true},
		{name: "scheduled later", email: QueuedEmail{Status: StatusPending, MaxAttempts: 3, ScheduledAt: &future}, want: false},
		{name: "attempts exhausted", email: QueuedEmail{Status: StatusPending, Attempts: 3, MaxAttempts: 3}, want: false},
		{name: "claimed row is judged on schedule only", email: QueuedEmail{Status: StatusProcessing, Attempts: 1, MaxAttempts: 3, ScheduledAt: &past}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.email.Due(now))
		})
	}
}
