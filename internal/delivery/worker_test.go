package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
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
	"github.com/shohag/smsrelay/internal/storage"
)

type stubAdapter struct {
	name string
	send func(ctx context.Context, req provider.Request) (*provider.Result, error)

	mu    sync.Mutex
	calls map[string]int
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Send(ctx context.Context, req provider.Request) (*provider.Result, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.QueueID]++
	s.mu.Unlock()
	if s.send == nil {
		return &provider.Result{MessageID: "msg-" + req.QueueID}, nil
	}
	return s.send(ctx, req)
}

func (s *stubAdapter) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type fixture struct {
	store   *storage.SQLStorage
	adapter *stubAdapter
	worker  *Worker
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "delivery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	now := time.Now().UTC()
	require.NoError(t, store.CreateProvider(ctx, &models.Provider{
		ID: "prv_stub", Name: "stub", Adapter: "stub", Active: true, Primary: true,
		CostPerSegment: decimal.RequireFromString("0.05"), DefaultSender: "ACME",
		CreatedAt: now, UpdatedAt: now,
	}))

	log := zerolog.Nop()
	adapter := &stubAdapter{name: "stub"}
	registry := provider.NewRegistry(store, log, adapter)
	w := NewWorker(store, registry, compliance.NewFilter(store, log), NewStrategist(0),
		Options{Workers: 4, Timeout: timeout}, log)
	return &fixture{store: store, adapter: adapter, worker: w}
}

func (f *fixture) enqueue(t *testing.T, dest string, due time.Time, opts ...func(*models.QueueItem)) *models.QueueItem {
	t.Helper()
	now := time.Now().UTC()
	item := &models.QueueItem{
		ID:              models.NewID("q"),
		Destination:     dest,
		Message:         "your code is 1234",
		MessageCategory: "transactional",
		Priority:        5,
		CharacterCount:  17,
		SegmentCount:    1,
		Cost:            decimal.RequireFromString("0.05"),
		ScheduleType:    models.ScheduleImmediate,
		DueAt:           due.UTC(),
		Status:          models.QueuePending,
		MaxRetries:      3,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, opt := range opts {
		opt(item)
	}
	require.NoError(t, f.store.EnqueueItem(context.Background(), item, nil))
	return item
}

func TestProcessOne_Sent(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	item := f.enqueue(t, "+905321234567", time.Now())

	got, attempted, err := f.worker.ProcessOne(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.Equal(t, models.QueueSent, got.Status)
	assert.Equal(t, "msg-"+item.ID, got.ProviderMessageID)
	assert.Equal(t, "prv_stub", got.ProviderID)

	stored, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSent, stored.Status)
	require.NotNil(t, stored.SentAt)

	history, err := f.store.ListHistory(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.QueueSent, history[0].Status)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, "msg-"+item.ID, history[0].ProviderMessageID)
}

func TestProcessOne_IdempotentOnTerminalItems(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	sent := f.enqueue(t, "+905321234567", time.Now())
	_, _, err := f.worker.ProcessOne(ctx, sent.ID)
	require.NoError(t, err)

	f.adapter.send = func(context.Context, provider.Request) (*provider.Result, error) {
		return nil, errors.New("gateway down")
	}
	failed := f.enqueue(t, "+905321234568", time.Now())
	_, _, err = f.worker.ProcessOne(ctx, failed.ID)
	require.NoError(t, err)

	for _, id := range []string{sent.ID, failed.ID} {
		_, attempted, err := f.worker.ProcessOne(ctx, id)
		require.NoError(t, err)
		assert.False(t, attempted)
		assert.Equal(t, 1, f.adapter.callsFor(id))

		history, err := f.store.ListHistory(ctx, id)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	}
}

func TestProcessOne_NotDue(t *testing.T) {
	f := newFixture(t, time.Second)
	item := f.enqueue(t, "+905321234567", time.Now().Add(time.Hour))

	got, attempted, err := f.worker.ProcessOne(context.Background(), item.ID)
	require.NoError(t, err)
	assert.False(t, attempted)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Zero(t, f.adapter.callsFor(item.ID))
}

func TestProcessOne_AdapterIgnoringContextIsBounded(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.adapter.send = func(context.Context, provider.Request) (*provider.Result, error) {
		<-release
		return &provider.Result{MessageID: "late"}, nil
	}
	item := f.enqueue(t, "+905321234567", time.Now())

	start := time.Now()
	got, attempted, err := f.worker.ProcessOne(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Equal(t, failure.CodeProviderTimeout, failure.ParseReason(got.FailureReason))
}

func TestProcessOne_Failures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		code  failure.Code
	}{
		{
			name: "provider error",
			setup: func(t *testing.T, f *fixture) {
				f.adapter.send = func(context.Context, provider.Request) (*provider.Result, error) {
					return nil, errors.New("503 from gateway")
				}
			},
			code: failure.CodeProviderError,
		},
		{
			name: "timeout",
			setup: func(t *testing.T, f *fixture) {
				f.adapter.send = func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}
			},
			code: failure.CodeProviderTimeout,
		},
		{
			name: "blacklisted after enqueue",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.AddBlacklistEntry(context.Background(), &models.BlacklistEntry{
					ID: models.NewID("bl"), Destination: "+905321234567", Active: true, CreatedAt: time.Now().UTC(),
				}))
			},
			code: failure.CodeBlacklisted,
		},
		{
			name: "no primary provider",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.SetProviderActive(context.Background(), "prv_stub", false))
			},
			code: failure.CodeNoProvider,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 50*time.Millisecond)
			ctx := context.Background()
			item := f.enqueue(t, "+905321234567", time.Now())
			tc.setup(t, f)

			got, attempted, err := f.worker.ProcessOne(ctx, item.ID)
			require.NoError(t, err)
			assert.True(t, attempted)
			assert.Equal(t, models.QueueFailed, got.Status)
			assert.Equal(t, 1, got.RetryCount)
			assert.Equal(t, tc.code, failure.ParseReason(got.FailureReason))

			history, err := f.store.ListHistory(ctx, item.ID)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, models.QueueFailed, history[0].Status)
			assert.True(t, strings.HasPrefix(history[0].FailureReason, string(tc.code)+":"))
		})
	}
}

func TestProcessOne_UnregisteredAdapter(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateProvider(ctx, &models.Provider{
		ID: "prv_other", Name: "other", Adapter: "smpp", Active: true,
		CostPerSegment: decimal.RequireFromString("0.05"), CreatedAt: now, UpdatedAt: now,
	}))
	item := f.enqueue(t, "+905321234567", now, func(it *models.QueueItem) { it.ProviderID = "prv_other" })

	got, _, err := f.worker.ProcessOne(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, failure.CodeUnknownProvider, failure.ParseReason(got.FailureReason))

	requeued, err := f.worker.Settle(ctx, got)
	require.NoError(t, err)
	assert.False(t, requeued, "configuration errors are not retried")
}

func TestProcessOne_ProviderRejectionIsFinal(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.adapter.send = func(context.Context, provider.Request) (*provider.Result, error) {
		return nil, failure.New(failure.CodeRejected, "provider responded 400: unknown subscriber")
	}
	item := f.enqueue(t, "+905321234567", time.Now())

	got, _, err := f.worker.ProcessOne(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "provider_rejected: provider responded 400: unknown subscriber", got.FailureReason)

	requeued, err := f.worker.Settle(ctx, got)
	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestSettle_RequeuesWithBackoff(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.worker.now = func() time.Time { return fixed }

	f.adapter.send = func(context.Context, provider.Request) (*provider.Result, error) {
		return nil, errors.New("boom")
	}
	item := f.enqueue(t, "+905321234567", fixed.Add(-time.Minute))

	got, sent, err := f.worker.Deliver(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, models.QueuePending, got.Status)

	stored, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.True(t, stored.DueAt.Equal(fixed.Add(5*time.Minute)), "due at %s", stored.DueAt)
	assert.Nil(t, stored.ClaimedAt)
}

func TestDeliver_ExhaustsRetries(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	clock := time.Now().UTC()
	f.worker.now = func() time.Time { return clock }
	f.adapter.send = func(context.Context, provider.Request) (*provider.Result, error) {
		return nil, errors.New("boom")
	}
	item := f.enqueue(t, "+905321234567", clock)

	for i := 0; i < 3; i++ {
		_, _, err := f.worker.Deliver(ctx, item.ID)
		require.NoError(t, err)
		clock = clock.Add(2 * time.Hour)
	}

	stored, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, 3, f.adapter.callsFor(item.ID))

	history, err := f.store.ListHistory(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestDeliver_SentHookFiresOnce(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	var hooked []string
	f.worker.OnSent(func(_ context.Context, item *models.QueueItem) {
		hooked = append(hooked, item.ID)
	})
	item := f.enqueue(t, "+905321234567", time.Now())

	_, sent, err := f.worker.Deliver(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, sent)
	_, sent, err = f.worker.Deliver(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, []string{item.ID}, hooked)
}

func TestProcessBatch(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.adapter.send = func(_ context.Context, req provider.Request) (*provider.Result, error) {
		if req.Destination == "+905329999999" {
			return nil, errors.New("rejected")
		}
		return &provider.Result{MessageID: "ok"}, nil
	}

	var ids []string
	for _, dest := range []string{"+905321111111", "+905322222222", "+905329999999"} {
		ids = append(ids, f.enqueue(t, dest, time.Now()).ID)
	}
	f.enqueue(t, "+905323333333", time.Now().Add(time.Hour))

	sent, err := f.worker.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	for _, id := range ids {
		assert.Equal(t, 1, f.adapter.callsFor(id))
	}
}

func TestProcessBatch_OverlappingSweepsAttemptOnce(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, f.enqueue(t, "+905321234567", time.Now()).ID)
	}

	var wg sync.WaitGroup
	totals := make([]int, 3)
	for i := range totals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := f.worker.ProcessBatch(ctx, 50)
			assert.NoError(t, err)
			totals[i] = n
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 12, totals[0]+totals[1]+totals[2])
	for _, id := range ids {
		assert.Equal(t, 1, f.adapter.callsFor(id))
	}
}

func TestSweeper_RecoversStuckClaims(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	now := time.Now().UTC()
	f.worker.now = func() time.Time { return now }

	item := f.enqueue(t, "+905321234567", now.Add(-2*time.Hour))
	require.NoError(t, f.store.ClaimQueueItem(ctx, item.ID, now.Add(-time.Hour)))

	s := NewSweeper(f.store, f.worker, SweeperOptions{StuckAfter: 15 * time.Minute}, zerolog.Nop())
	require.NoError(t, s.RecoverStuck(ctx))

	stored, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, failure.CodeClaimExpired, failure.ParseReason(stored.FailureReason))
	assert.True(t, stored.DueAt.Equal(now.Add(5*time.Minute)))
	assert.Zero(t, f.adapter.callsFor(item.ID))
}

func TestSweeper_Sweep(t *testing.T) {
	f := newFixture(t, time.Second)
	item := f.enqueue(t, "+905321234567", time.Now())

	s := NewSweeper(f.store, f.worker, SweeperOptions{BatchSize: 5}, zerolog.Nop())
	sent, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, f.adapter.callsFor(item.ID))
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t, time.Second)
	item := f.enqueue(t, "+905321234567", time.Now())

	s := NewSweeper(f.store, f.worker, SweeperOptions{Interval: 10 * time.Millisecond}, zerolog.Nop())
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return f.adapter.callsFor(item.ID) == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
}
