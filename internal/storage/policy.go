package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/smsrelay/internal/models"
)

// --- Compliance ---

func (s *SQLStorage) AddBlacklistEntry(ctx context.Context, e *models.BlacklistEntry) error {
	_, err := s.exec(ctx,
		`INSERT INTO blacklist (id, destination, reason, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Destination, e.Reason, e.Active, e.CreatedAt,
	)
	return err
}

func (s *SQLStorage) IsBlacklisted(ctx context.Context, destination string) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM blacklist WHERE destination = ? AND active = TRUE`, destination,
	).Scan(&n)
	return n > 0, err
}

func (s *SQLStorage) AddOptOut(ctx context.Context, e *models.OptOutEntry) error {
	category := e.Category
	if category == "" {
		category = models.CategoryAll
	}
	_, err := s.exec(ctx,
		`INSERT INTO opt_outs (id, destination, customer_id, category, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Destination, e.CustomerID, category, e.Active, e.CreatedAt,
	)
	return err
}

// IsOptedOut matches entries scoped to any customer (empty customer_id) or
// to customerID, in the "all" category or in category.
func (s *SQLStorage) IsOptedOut(ctx context.Context, destination, customerID, category string) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM opt_outs
		 WHERE destination = ? AND active = TRUE
		   AND (customer_id = '' OR customer_id = ?)
		   AND (category = ? OR category = ?)`,
		destination, customerID, models.CategoryAll, category,
	).Scan(&n)
	return n > 0, err
}

// --- Spending ---

const limitColumns = `id, soft_limit, hard_limit, cycle_type, cycle_start, current_spending, soft_limit_notified, hard_limit_reached, active, created_at, updated_at`

func scanLimit(row scanner) (*models.SpendingLimit, error) {
	var l models.SpendingLimit
	err := row.Scan(&l.ID, &l.SoftLimit, &l.HardLimit, &l.CycleType, &l.CycleStart, &l.CurrentSpending,
		&l.SoftLimitNotified, &l.HardLimitReached, &l.Active, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const overrideColumns = `id, limit_id, override_type, reason, expires_at, created_at`

func scanOverride(row scanner) (*models.SpendingOverride, error) {
	var o models.SpendingOverride
	if err := row.Scan(&o.ID, &o.LimitID, &o.Type, &o.Reason, &o.ExpiresAt, &o.CreatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateSpendingLimit stores l as the single active limit, retiring any
// previously active one.
func (s *SQLStorage) CreateSpendingLimit(ctx context.Context, l *models.SpendingLimit) error {
	return s.withTx(ctx, "CreateSpendingLimit", func(ctx context.Context, tx txn) error {
		if _, err := tx.exec(ctx,
			`UPDATE spending_limits SET active = FALSE, updated_at = ? WHERE active = TRUE`, l.CreatedAt); err != nil {
			return err
		}
		_, err := tx.exec(ctx,
			`INSERT INTO spending_limits (`+limitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.SoftLimit, l.HardLimit, l.CycleType, l.CycleStart, l.CurrentSpending,
			l.SoftLimitNotified, l.HardLimitReached, true, l.CreatedAt, l.UpdatedAt,
		)
		return err
	})
}

func (s *SQLStorage) ActiveSpendingLimit(ctx context.Context) (*models.SpendingLimit, error) {
	l, err := scanLimit(s.queryRow(ctx,
		`SELECT `+limitColumns+` FROM spending_limits WHERE active = TRUE ORDER BY created_at DESC LIMIT 1`))
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

func (s *SQLStorage) CreateSpendingOverride(ctx context.Context, o *models.SpendingOverride) error {
	_, err := s.exec(ctx,
		`INSERT INTO spending_overrides (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.LimitID, o.Type, o.Reason, o.ExpiresAt, o.CreatedAt,
	)
	return err
}

// ActiveSpendingOverride returns the most recent override on limitID that has
// not expired at now.
func (s *SQLStorage) ActiveSpendingOverride(ctx context.Context, limitID string, now time.Time) (*models.SpendingOverride, error) {
	o, err := scanOverride(s.queryRow(ctx,
		`SELECT `+overrideColumns+` FROM spending_overrides
		 WHERE limit_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC LIMIT 1`, limitID, now.UTC()))
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (s *SQLStorage) AdjustSpending(ctx context.Context, fn ReserveFunc) error {
	return s.withTx(ctx, "AdjustSpending", func(ctx context.Context, tx txn) error {
		return s.reserve(ctx, tx, fn)
	})
}

// reserve locks the active limit, hands it to fn and writes back the result.
func (s *SQLStorage) reserve(ctx context.Context, tx txn, fn ReserveFunc) error {
	limit, err := scanLimit(tx.queryRow(ctx,
		`SELECT `+limitColumns+` FROM spending_limits WHERE active = TRUE ORDER BY created_at DESC LIMIT 1`+s.d.lockRow))
	if err != nil {
		if err = notFound(err); !errors.Is(err, ErrNotFound) {
			return err
		}
		return fn(nil, nil)
	}

	override, err := scanOverride(tx.queryRow(ctx,
		`SELECT `+overrideColumns+` FROM spending_overrides
		 WHERE limit_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC LIMIT 1`, limit.ID, time.Now().UTC()))
	if err != nil {
		if err = notFound(err); !errors.Is(err, ErrNotFound) {
			return err
		}
		override = nil
	}

	if err := fn(limit, override); err != nil {
		return err
	}

	_, err = tx.exec(ctx,
		`UPDATE spending_limits SET current_spending = ?, soft_limit_notified = ?, hard_limit_reached = ?, updated_at = ? WHERE id = ?`,
		limit.CurrentSpending, limit.SoftLimitNotified, limit.HardLimitReached, time.Now().UTC(), limit.ID,
	)
	return err
}
