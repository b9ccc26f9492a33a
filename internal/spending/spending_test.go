package spending

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

	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/storage"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limit(current string) *models.SpendingLimit {
	return &models.SpendingLimit{
		ID:              "lim_1",
		SoftLimit:       dec("80"),
		HardLimit:       dec("100"),
		CurrentSpending: dec(current),
		Active:          true,
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name     string
		limit    *models.SpendingLimit
		override *models.SpendingOverride
		cost     string
		want     Verdict
	}{
		{"no limit", nil, nil, "1000", Allow},
		{"inactive limit", &models.SpendingLimit{HardLimit: dec("1")}, nil, "5", Allow},
		{"below soft", limit("10"), nil, "1", Allow},
		{"reaches soft", limit("79"), nil, "1", Warn},
		{"just below hard", limit("98"), nil, "1.99", Warn},
		{"reaches hard", limit("99"), nil, "1", Block},
		{"over hard", limit("99"), nil, "5", Block},
		{"open-ended override", limit("99"), &models.SpendingOverride{Type: models.OverrideAllowContinued}, "5", Allow},
		{"future override", limit("99"), &models.SpendingOverride{Type: models.OverrideAllowContinued, ExpiresAt: &future}, "5", Allow},
		{"expired override", limit("99"), &models.SpendingOverride{Type: models.OverrideAllowContinued, ExpiresAt: &past}, "5", Block},
		{"block all", limit("0"), &models.SpendingOverride{Type: models.OverrideBlockAll}, "1", Block},
		{"expired block all", limit("0"), &models.SpendingOverride{Type: models.OverrideBlockAll, ExpiresAt: &past}, "1", Allow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(tc.limit, tc.override, dec(tc.cost), now)
			assert.Equal(t, tc.want, d.Verdict)
		})
	}
}

func TestReservation_FlagsFlipOnce(t *testing.T) {
	g := NewGovernor(nil, zerolog.Nop())
	l := limit("79")

	r := g.Reserve(dec("1"))
	require.NoError(t, r.Apply(l, nil))
	assert.Equal(t, Warn, r.Decision.Verdict)
	assert.True(t, r.SoftCrossed)
	assert.True(t, l.SoftLimitNotified)
	assert.True(t, l.CurrentSpending.Equal(dec("80")))

	r = g.Reserve(dec("1"))
	require.NoError(t, r.Apply(l, nil))
	assert.False(t, r.SoftCrossed, "soft flag already set")

	r = g.Reserve(dec("50"))
	err := r.Apply(l, nil)
	assert.Equal(t, failure.CodeSpendingBlocked, failure.CodeOf(err))
	assert.True(t, l.CurrentSpending.Equal(dec("81")), "blocked reservation must not touch the ledger")

	r = g.Reserve(dec("50"))
	require.NoError(t, r.Apply(l, &models.SpendingOverride{Type: models.OverrideAllowContinued}))
	assert.True(t, r.Decision.Overridden)
	assert.True(t, r.HardCrossed)
	assert.True(t, l.HardLimitReached)
}

type fakeStore struct {
	limit    *models.SpendingLimit
	override *models.SpendingOverride
}

func (f *fakeStore) ActiveSpendingLimit(context.Context) (*models.SpendingLimit, error) {
	if f.limit == nil {
		return nil, storage.ErrNotFound
	}
	return f.limit, nil
}

func (f *fakeStore) ActiveSpendingOverride(context.Context, string, time.Time) (*models.SpendingOverride, error) {
	if f.override == nil {
		return nil, storage.ErrNotFound
	}
	return f.override, nil
}

func (f *fakeStore) AdjustSpending(_ context.Context, fn storage.ReserveFunc) error {
	return fn(f.limit, f.override)
}

func TestGovernor_Check(t *testing.T) {
	store := &fakeStore{}
	g := NewGovernor(store, zerolog.Nop())
	ctx := context.Background()

	d, err := g.Check(ctx, dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)

	store.limit = limit("99.50")
	d, err = g.Check(ctx, dec("0.50"))
	require.NoError(t, err)
	assert.Equal(t, Block, d.Verdict)
	assert.True(t, store.limit.CurrentSpending.Equal(dec("99.50")), "check is read-only")

	store.override = &models.SpendingOverride{Type: models.OverrideAllowContinued}
	d, err = g.Check(ctx, dec("0.50"))
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)
	assert.True(t, d.Overridden)
}

func TestGovernor_CommitConcurrentNeverExceedsHardLimit(t *testing.T) {
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "spending.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	now := time.Now().UTC()
	require.NoError(t, store.CreateSpendingLimit(ctx, &models.SpendingLimit{
		ID:              models.NewID("lim"),
		SoftLimit:       dec("0.50"),
		HardLimit:       dec("1.00"),
		CycleType:       models.CycleMonthly,
		CycleStart:      now,
		CurrentSpending: decimal.Zero,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}))

	g := NewGovernor(store, zerolog.Nop())
	cost := dec("0.15")

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Commit(ctx, cost); err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	l, err := store.ActiveSpendingLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, committed)
	assert.True(t, l.CurrentSpending.LessThan(l.HardLimit))
	assert.True(t, l.CurrentSpending.Equal(dec("0.90")))
	assert.True(t, l.SoftLimitNotified)
	assert.False(t, l.HardLimitReached)
}
