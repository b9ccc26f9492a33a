package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/smsrelay/internal/compliance"
	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/provider"
	"github.com/shohag/smsrelay/internal/spending"
	"github.com/shohag/smsrelay/internal/storage"
)

type fixture struct {
	store *storage.SQLStorage
	queue *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	now := time.Now().UTC()
	require.NoError(t, store.CreateProvider(ctx, &models.Provider{
		ID: "prv_main", Name: "main", Adapter: "log", Active: true, Primary: true,
		CostPerSegment: decimal.RequireFromString("0.10"), CreatedAt: now, UpdatedAt: now,
	}))

	log := zerolog.Nop()
	q := New(store,
		compliance.NewFilter(store, log),
		provider.NewRegistry(store, log),
		spending.NewGovernor(store, log),
		Options{DefaultMaxRetries: 3},
		log)
	return &fixture{store: store, queue: q}
}

func (f *fixture) setLimit(t *testing.T, soft, hard string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateSpendingLimit(context.Background(), &models.SpendingLimit{
		ID: models.NewID("lim"), SoftLimit: decimal.RequireFromString(soft), HardLimit: decimal.RequireFromString(hard),
		CycleType: models.CycleMonthly, CycleStart: now, CurrentSpending: decimal.Zero, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestEnqueue_Immediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, decision, err := f.queue.Enqueue(ctx, Request{Destination: "0532 123 45 67", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, spending.Allow, decision.Verdict)
	assert.Equal(t, "+905321234567", item.Destination)
	assert.Equal(t, models.ScheduleImmediate, item.ScheduleType)
	assert.Equal(t, 5, item.Priority)
	assert.Equal(t, 3, item.MaxRetries)
	assert.Equal(t, "transactional", item.MessageCategory)
	assert.True(t, item.Cost.Equal(decimal.RequireFromString("0.10")))

	stored, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, stored.Status)
}

func TestEnqueue_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.AddBlacklistEntry(ctx, &models.BlacklistEntry{
		ID: models.NewID("bl"), Destination: "+905321111111", Active: true, CreatedAt: now,
	}))
	require.NoError(t, f.store.AddOptOut(ctx, &models.OptOutEntry{
		ID: models.NewID("opt"), Destination: "+905322222222", Category: "marketing", Active: true, CreatedAt: now,
	}))

	cases := []struct {
		name string
		req  Request
		code failure.Code
	}{
		{"bad number", Request{Destination: "12345", Message: "x"}, failure.CodeInvalidNumber},
		{"empty message", Request{Destination: "5321234567", Message: "  "}, failure.CodeInvalidRequest},
		{"bad priority", Request{Destination: "5321234567", Message: "x", Priority: 11}, failure.CodeInvalidRequest},
		{"bad timezone", Request{Destination: "5321234567", Message: "x", Timezone: "Mars/Olympus"}, failure.CodeInvalidRequest},
		{"blacklisted", Request{Destination: "5321111111", Message: "x"}, failure.CodeBlacklisted},
		{"opted out", Request{Destination: "5322222222", Message: "x", MessageCategory: "marketing"}, failure.CodeOptedOut},
		{"unknown provider", Request{Destination: "5321234567", Message: "x", ProviderID: "prv_x"}, failure.CodeUnknownProvider},
		{"bad frequency", Request{Destination: "5321234567", Message: "x",
			Recurring: &models.RecurringConfig{Frequency: "hourly"}}, failure.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.queue.Enqueue(ctx, tc.req)
			assert.Equal(t, tc.code, failure.CodeOf(err))
		})
	}

	stats, err := f.store.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending, "rejected sends must not persist")
}

func TestEnqueue_BlacklistedEvenWhenHealthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLimit(t, "100", "1000")
	require.NoError(t, f.store.AddBlacklistEntry(ctx, &models.BlacklistEntry{
		ID: models.NewID("bl"), Destination: "+905321111111", Active: true, CreatedAt: time.Now().UTC(),
	}))

	_, _, err := f.queue.Enqueue(ctx, Request{Destination: "+90 532 111 11 11", Message: "x"})
	assert.Equal(t, failure.CodeBlacklisted, failure.CodeOf(err))

	l, err := f.store.ActiveSpendingLimit(ctx)
	require.NoError(t, err)
	assert.True(t, l.CurrentSpending.IsZero())
}

func TestEnqueue_SpendingWarnAndBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLimit(t, "0.20", "0.30")

	_, d, err := f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "a"})
	require.NoError(t, err)
	assert.Equal(t, spending.Allow, d.Verdict)

	_, d, err = f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "b"})
	require.NoError(t, err)
	assert.Equal(t, spending.Warn, d.Verdict)

	_, d, err = f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "c"})
	assert.Equal(t, failure.CodeSpendingBlocked, failure.CodeOf(err))
	assert.Equal(t, spending.Block, d.Verdict)

	l, err := f.store.ActiveSpendingLimit(ctx)
	require.NoError(t, err)
	assert.True(t, l.CurrentSpending.Equal(decimal.RequireFromString("0.20")))
	assert.True(t, l.SoftLimitNotified)
}

func TestEnqueue_ConcurrentNeverExceedsHardLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLimit(t, "0.50", "1.00")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "parallel"})
		}()
	}
	wg.Wait()

	l, err := f.store.ActiveSpendingLimit(ctx)
	require.NoError(t, err)
	assert.True(t, l.CurrentSpending.LessThan(l.HardLimit))

	stats, err := f.store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), stats.Pending)
	assert.True(t, l.CurrentSpending.Equal(decimal.RequireFromString("0.90")))
}

func TestEnqueue_ScheduledAndRecurring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	item, _, err := f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "later", ScheduledAt: &at})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleScheduled, item.ScheduleType)
	assert.True(t, item.DueAt.Equal(at))

	due, err := f.queue.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "future item is not due")

	rec, _, err := f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "weekly",
		Recurring: &models.RecurringConfig{Frequency: models.FrequencyWeekly}})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleRecurring, rec.ScheduleType)
	assert.Equal(t, 1, rec.Recurring.Interval)
	assert.Equal(t, 1, rec.Recurring.Occurrence)

	due, err = f.queue.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, rec.ID, due[0].ID)
}

func TestDue_PriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, _, err := f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "low", Priority: 9})
	require.NoError(t, err)
	high, _, err := f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "high", Priority: 1})
	require.NoError(t, err)
	mid, _, err := f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "mid"})
	require.NoError(t, err)

	due, err := f.queue.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, []string{due[0].ID, due[1].ID, due[2].ID})
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(time.Hour)
	item, _, err := f.queue.Enqueue(ctx, Request{Destination: "5321234567", Message: "later", ScheduledAt: &at})
	require.NoError(t, err)

	require.NoError(t, f.queue.Cancel(ctx, item.ID))
	assert.ErrorIs(t, f.queue.Cancel(ctx, item.ID), ErrNotCancellable)
	assert.ErrorIs(t, f.queue.Cancel(ctx, "q_missing"), storage.ErrNotFound)

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCancelled, got.Status)
}

func TestParseScheduleTime(t *testing.T) {
	got, err := ParseScheduleTime("2026-03-01T09:00:00+03:00", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), got)

	got, err = ParseScheduleTime("2026-03-01 09:00", "Europe/Istanbul")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), got)

	got, err = ParseScheduleTime("2026-03-01T09:00:00", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), got)

	_, err = ParseScheduleTime("tomorrow", "")
	assert.Equal(t, failure.CodeInvalidRequest, failure.CodeOf(err))
	_, err = ParseScheduleTime("2026-03-01 09:00", "Nowhere/City")
	assert.Equal(t, failure.CodeInvalidRequest, failure.CodeOf(err))
}

func TestNextOccurrence(t *testing.T) {
	last := time.Date(2026, 1, 31, 7, 0, 0, 0, time.UTC)

	next, ok := NextOccurrence(models.RecurringConfig{Frequency: models.FrequencyDaily, Interval: 2, Occurrence: 1}, last, "")
	require.True(t, ok)
	assert.Equal(t, last.AddDate(0, 0, 2), next)

	next, ok = NextOccurrence(models.RecurringConfig{Frequency: models.FrequencyWeekly, Interval: 1, Occurrence: 1}, last, "")
	require.True(t, ok)
	assert.Equal(t, last.AddDate(0, 0, 7), next)

	next, ok = NextOccurrence(models.RecurringConfig{Frequency: models.FrequencyMonthly, Interval: 1, Occurrence: 1}, last, "Europe/Istanbul")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC), next) // Feb 31 normalizes

	_, ok = NextOccurrence(models.RecurringConfig{Frequency: models.FrequencyDaily, MaxOccurrences: 3, Occurrence: 3}, last, "")
	assert.False(t, ok)

	end := last.Add(12 * time.Hour)
	_, ok = NextOccurrence(models.RecurringConfig{Frequency: models.FrequencyDaily, EndAt: &end}, last, "")
	assert.False(t, ok)
}
