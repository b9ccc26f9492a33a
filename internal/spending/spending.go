// Package spending guards the SMS budget: it decides allow, warn or block for
// a prospective cost and keeps the running ledger of the active limit.
package spending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/storage"
)

type Verdict string

const (
	Allow Verdict = "allow"
	Warn  Verdict = "warn"
	Block Verdict = "block"
)

type Decision struct {
	Verdict    Verdict         `json:"verdict"`
	LimitID    string          `json:"limit_id,omitempty"`
	Projected  decimal.Decimal `json:"projected"`
	Overridden bool            `json:"overridden,omitempty"`
}

// Evaluate decides what a send costing cost may do against limit. A nil or
// inactive limit always allows.
func Evaluate(limit *models.SpendingLimit, override *models.SpendingOverride, cost decimal.Decimal, now time.Time) Decision {
	if limit == nil || !limit.Active {
		return Decision{Verdict: Allow, Projected: cost}
	}

	d := Decision{LimitID: limit.ID, Projected: limit.CurrentSpending.Add(cost)}

	if override != nil && override.Type == models.OverrideBlockAll &&
		(override.ExpiresAt == nil || override.ExpiresAt.After(now)) {
		d.Verdict = Block
		return d
	}
	if override.SuspendsBlocking(now) {
		d.Verdict = Allow
		d.Overridden = true
		return d
	}

	switch {
	case d.Projected.GreaterThanOrEqual(limit.HardLimit):
		d.Verdict = Block
	case d.Projected.GreaterThanOrEqual(limit.SoftLimit):
		d.Verdict = Warn
	default:
		d.Verdict = Allow
	}
	return d
}

type Store interface {
	ActiveSpendingLimit(ctx context.Context) (*models.SpendingLimit, error)
	ActiveSpendingOverride(ctx context.Context, limitID string, now time.Time) (*models.SpendingOverride, error)
	AdjustSpending(ctx context.Context, fn storage.ReserveFunc) error
}

type Governor struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewGovernor(store Store, log zerolog.Logger) *Governor {
	return &Governor{store: store, log: log, now: time.Now}
}

// Check evaluates cost against the current ledger without changing it.
func (g *Governor) Check(ctx context.Context, cost decimal.Decimal) (Decision, error) {
	now := g.now().UTC()

	limit, err := g.store.ActiveSpendingLimit(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return Evaluate(nil, nil, cost, now), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load spending limit: %w", err)
	}

	override, err := g.store.ActiveSpendingOverride(ctx, limit.ID, now)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, fmt.Errorf("load spending override: %w", err)
	}
	return Evaluate(limit, override, cost, now), nil
}

// Reserve prepares an atomic check-and-commit of cost. Pass its Apply method
// to a storage call that runs it under the ledger lock, then hand it to
// Report once the transaction has committed.
func (g *Governor) Reserve(cost decimal.Decimal) *Reservation {
	return &Reservation{Cost: cost, now: g.now().UTC()}
}

// Commit checks and records cost in one transaction.
func (g *Governor) Commit(ctx context.Context, cost decimal.Decimal) (Decision, error) {
	r := g.Reserve(cost)
	if err := g.store.AdjustSpending(ctx, r.Apply); err != nil {
		return r.Decision, err
	}
	g.Report(r)
	return r.Decision, nil
}

// Report logs the one-time threshold crossings of a committed reservation.
func (g *Governor) Report(r *Reservation) {
	if r.SoftCrossed {
		g.log.Warn().
			Str("limit_id", r.Decision.LimitID).
			Str("current_spending", r.Decision.Projected.String()).
			Msg("soft spending limit crossed")
	}
	if r.HardCrossed {
		g.log.Warn().
			Str("limit_id", r.Decision.LimitID).
			Str("current_spending", r.Decision.Projected.String()).
			Msg("hard spending limit reached, sending continues under override")
	}
}

type Reservation struct {
	Cost     decimal.Decimal
	Decision Decision
	// SoftCrossed and HardCrossed are set when this reservation flipped the
	// corresponding ledger flag.
	SoftCrossed bool
	HardCrossed bool

	now time.Time
}

// Apply satisfies storage.ReserveFunc.
func (r *Reservation) Apply(limit *models.SpendingLimit, override *models.SpendingOverride) error {
	r.SoftCrossed, r.HardCrossed = false, false
	r.Decision = Evaluate(limit, override, r.Cost, r.now)

	if r.Decision.Verdict == Block {
		return failure.New(failure.CodeSpendingBlocked,
			"projected spending %s reaches hard limit %s", r.Decision.Projected, limit.HardLimit)
	}
	if limit == nil || !limit.Active {
		return nil
	}

	limit.CurrentSpending = r.Decision.Projected
	if !limit.SoftLimitNotified && limit.CurrentSpending.GreaterThanOrEqual(limit.SoftLimit) {
		limit.SoftLimitNotified = true
		r.SoftCrossed = true
	}
	if !limit.HardLimitReached && limit.CurrentSpending.GreaterThanOrEqual(limit.HardLimit) {
		limit.HardLimitReached = true
		r.HardCrossed = true
	}
	return nil
}

var _ storage.ReserveFunc = (&Reservation{}).Apply
