package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"LokaMail/internal/models"
)

func newTestSQLite(t *testing.T) (*SQLiteStore, clock.FakeClock) {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), clk, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func insert(t *testing.T, s *SQLiteStore, to string, priority int, created time.Time) *models.QueuedEmail {
	t.Helper()
	e := &models.QueuedEmail{
		ToEmail:     to,
		Subject:     "subject " + to,
		Body:        "<p>body</p>",
		Priority:    priority,
		MaxAttempts: models.DefaultMaxAttempts,
		CreatedAt:   created,
	}
	require.NoError(t, s.Insert(context.Background(), e))
	require.NotZero(t, e.ID)
	return e
}

func TestSQLite_InsertAndGet(t *testing.T) {
	s, clk := newTestSQLite(t)
	ctx := context.Background()

	rid := int64(42)
	e := &models.QueuedEmail{
		ToEmail:     "a@example.com",
		ToName:      "Alice",
		Subject:     "Control No. 42: Request Approved",
		Body:        "<p>ok</p>",
		Template:    "request_approved",
		Priority:    1,
		MaxAttempts: 3,
		RequestID:   &rid,
		CreatedAt:   clk.Now(),
	}
	require.NoError(t, s.Insert(ctx, e))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.ToEmail)
	assert.Equal(t, "Alice", got.ToName)
	assert.Equal(t, "request_approved", got.Template)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	require.NotNil(t, got.RequestID)
	assert.Equal(t, int64(42), *got.RequestID)
	assert.Nil(t, got.ScheduledAt)
	assert.Nil(t, got.SentAt)
	assert.True(t, got.CreatedAt.Equal(clk.Now()))

	_, err = s.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_PendingOrdering(t *testing.T) {
	s, clk := newTestSQLite(t)
	now := clk.Now()

	a := insert(t, s, "a@example.com", 5, now)
	b := insert(t, s, "b@example.com", 1, now.Add(time.Second))
	c := insert(t, s, "c@example.com", 5, now.Add(2*time.Second))

	got, err := s.Pending(context.Background(), now.Add(time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{b.ID, a.ID, c.ID}, []int64{got[0].ID, got[1].ID, got[2].ID})

	limited, err := s.Pending(context.Background(), now.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLite_PendingRespectsScheduleAndAttempts(t *testing.T) {
	s, clk := newTestSQLite(t)
	ctx := context.Background()
	now := clk.Now()

	later := insert(t, s, "later@example.com", 5, now)
	retry := now.Add(5 * time.Minute)
	require.NoError(t, s.MarkFailed(ctx, later.ID, models.Failure{
		Attempts: 1, Status: models.StatusPending, ScheduledAt: &retry, ErrorMsg: "boom",
	}, now))

	dead := insert(t, s, "dead@example.com", 5, now)
	require.NoError(t, s.MarkFailed(ctx, dead.ID, models.Failure{
		Attempts: 3, Status: models.StatusFailed, ErrorMsg: "boom",
	}, now))

	got, err := s.Pending(ctx, now, 50)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Pending(ctx, retry, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, later.ID, got[0].ID)
	assert.Equal(t, 1, got[0].Attempts)
	require.NotNil(t, got[0].ErrorMsg)
	assert.Equal(t, "boom", *got[0].ErrorMsg)
}

func TestSQLite_ClaimIsExclusive(t *testing.T) {
	s, clk := newTestSQLite(t)
	ctx := context.Background()
	e := insert(t, s, "a@example.com", 5, clk.Now())

	first, err := s.Claim(ctx, e.ID, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, models.StatusProcessing, first.Status)

	second, err := s.Claim(ctx, e.ID, clk.Now())
	require.NoError(t, err)
	assert.Nil(t, second)

	missing, err := s.Claim(ctx, 9999, clk.Now())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_MarkSent(t *testing.T) {
	s, clk := newTestSQLite(t)
	ctx := context.Background()
	e := insert(t, s, "a@example.com", 5, clk.Now())

	_, err := s.Claim(ctx, e.ID, clk.Now())
	require.NoError(t, err)
	clk.Add(time.Second)
	require.NoError(t, s.MarkSent(ctx, e.ID, clk.Now()))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(clk.Now()))
	assert.Nil(t, got.ErrorMsg)
}

func TestSQLite_Stats(t *testing.T) {
	s, clk := newTestSQLite(t)
	ctx := context.Background()
	now := clk.Now()

	insert(t, s, "p@example.com", 5, now)
	proc := insert(t, s, "proc@example.com", 5, now)
	sent := insert(t, s, "s@example.com", 5, now)
	oldFail := insert(t, s, "old@example.com", 5, now)
	newFail := insert(t, s, "new@example.com", 5, now)

	_, err := s.Claim(ctx, proc.ID, now)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, sent.ID, now))
	require.NoError(t, s.MarkFailed(ctx, oldFail.ID, models.Failure{Attempts: 3, Status: models.StatusFailed}, now.Add(-2*time.Hour)))
	require.NoError(t, s.MarkFailed(ctx, newFail.ID, models.Failure{Attempts: 3, Status: models.StatusFailed}, now.Add(-10*time.Minute)))

	st, err := s.Stats(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Pending: 1, Processing: 1, Sent: 1, Failed: 2, RecentFailures: 1}, st)
}

func TestSQLite_DeleteSentBefore(t *testing.T) {
	s, clk := newTestSQLite(t)
	ctx := context.Background()
	now := clk.Now()

	old := insert(t, s, "old@example.com", 5, now)
	recent := insert(t, s, "recent@example.com", 5, now)
	pending := insert(t, s, "pending@example.com", 5, now)

	require.NoError(t, s.MarkSent(ctx, old.ID, now.AddDate(0, 0, -31)))
	require.NoError(t, s.MarkSent(ctx, recent.ID, now.AddDate(0, 0, -1)))

	n, err := s.DeleteSentBefore(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestSQLite_ResetStuck(t *testing.T) {
	s, clk := newTestSQLite(t)
	ctx := context.Background()
	now := clk.Now()

	stuck := insert(t, s, "stuck@example.com", 5, now)
	fresh := insert(t, s, "fresh@example.com", 5, now)

	_, err := s.Claim(ctx, stuck.ID, now.Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = s.Claim(ctx, fresh.ID, now.Add(-time.Minute))
	require.NoError(t, err)

	n, err := s.ResetStuck(ctx, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

func TestSQLite_TryAcquire(t *testing.T) {
	s, clk := newTestSQLite(t)
	ctx := context.Background()

	release, ok, err := s.TryAcquire(ctx, "email_queue_processing")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryAcquire(ctx, "email_queue_processing")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	other, ok, err := s.TryAcquire(ctx, "another_lock")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	assert.Error(t, release(ctx), "double release")

	again, ok, err := s.TryAcquire(ctx, "email_queue_processing")
	require.NoError(t, err)
	require.True(t, ok)

	// An abandoned lease is taken over once it expires.
	clk.Add(DefaultLockTTL)
	stolen, ok, err := s.TryAcquire(ctx, "email_queue_processing")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Error(t, again(ctx))
	require.NoError(t, stolen(ctx))
}

func TestParseStaticAdmins(t *testing.T) {
	admins := ParseStaticAdmins(" ops@example.com, ,fleet@example.com,")
	got, err := admins.ActiveAdmins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Recipient{{Email: "ops@example.com"}, {Email: "fleet@example.com"}}, got)

	assert.Empty(t, ParseStaticAdmins(""))
}
