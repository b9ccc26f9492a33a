package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/smsrelay/internal/models"
)

const providerColumns = `id, name, adapter, active, is_primary, cost_per_segment, default_sender, config, created_at, updated_at`

func (s *SQLStorage) CreateProvider(ctx context.Context, p *models.Provider) error {
	cfg, err := encodeJSON(p.Config)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO providers (`+providerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Adapter, p.Active, p.Primary, p.CostPerSegment, p.DefaultSender, cfg, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func scanProvider(row scanner) (*models.Provider, error) {
	var p models.Provider
	var cfg string
	if err := row.Scan(&p.ID, &p.Name, &p.Adapter, &p.Active, &p.Primary, &p.CostPerSegment,
		&p.DefaultSender, &cfg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(cfg, &p.Config); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStorage) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	p, err := scanProvider(s.queryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *SQLStorage) GetProviderByName(ctx context.Context, name string) (*models.Provider, error) {
	p, err := scanProvider(s.queryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE name = ?`, name))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *SQLStorage) ListProviders(ctx context.Context, activeOnly bool) ([]models.Provider, error) {
	q := `SELECT ` + providerColumns + ` FROM providers`
	if activeOnly {
		q += ` WHERE active = TRUE`
	}
	rows, err := s.query(ctx, q+` ORDER BY is_primary DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

// SetPrimaryProvider makes id the only primary provider and activates it.
// Both writes commit together or not at all.
func (s *SQLStorage) SetPrimaryProvider(ctx context.Context, id string) error {
	return s.withTx(ctx, "SetPrimaryProvider", func(ctx context.Context, tx txn) error {
		now := time.Now().UTC()
		var exists string
		if err := tx.queryRow(ctx, `SELECT id FROM providers WHERE id = ?`+s.d.lockRow, id).Scan(&exists); err != nil {
			return notFound(err)
		}
		if _, err := tx.exec(ctx,
			`UPDATE providers SET is_primary = FALSE, updated_at = ? WHERE is_primary = TRUE AND id <> ?`, now, id); err != nil {
			return err
		}
		res, err := tx.exec(ctx,
			`UPDATE providers SET is_primary = TRUE, active = TRUE, updated_at = ? WHERE id = ?`, now, id)
		if err != nil {
			return err
		}
		return expectOne(res)
	})
}

// SetProviderActive toggles a provider. Deactivating also drops primary so
// the primary is always an active provider.
func (s *SQLStorage) SetProviderActive(ctx context.Context, id string, active bool) error {
	q := `UPDATE providers SET active = ?, updated_at = ? WHERE id = ?`
	if !active {
		q = `UPDATE providers SET active = ?, is_primary = FALSE, updated_at = ? WHERE id = ?`
	}
	res, err := s.exec(ctx, q, active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if err := expectOne(res); errors.Is(err, ErrConflict) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return nil
}
