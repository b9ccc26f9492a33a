package storage

import (
	"context"

	"github.com/shohag/smsrelay/internal/models"
)

func (s *SQLStorage) CreateTemplate(ctx context.Context, t *models.Template) error {
	_, err := s.exec(ctx,
		`INSERT INTO templates (id, code, name, category, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Code, t.Name, t.Category, t.Active, t.CreatedAt,
	)
	return err
}

func (s *SQLStorage) GetTemplateByCode(ctx context.Context, code string) (*models.Template, error) {
	var t models.Template
	err := s.queryRow(ctx,
		`SELECT id, code, name, category, active, created_at FROM templates WHERE code = ?`, code,
	).Scan(&t.ID, &t.Code, &t.Name, &t.Category, &t.Active, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// AddTemplateVersion stores v as the next version of its template and sets
// v.Version accordingly. Existing versions are never rewritten.
func (s *SQLStorage) AddTemplateVersion(ctx context.Context, v *models.TemplateVersion) error {
	variants := "[]"
	if len(v.Variants) > 0 {
		enc, err := encodeJSON(v.Variants)
		if err != nil {
			return err
		}
		variants = enc
	}

	return s.withTx(ctx, "AddTemplateVersion", func(ctx context.Context, tx txn) error {
		var latest int
		if err := tx.queryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM template_versions WHERE template_id = ?`, v.TemplateID,
		).Scan(&latest); err != nil {
			return err
		}
		v.Version = latest + 1
		_, err := tx.exec(ctx,
			`INSERT INTO template_versions (id, template_id, version, body, variants, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, v.TemplateID, v.Version, v.Body, variants, v.CreatedAt,
		)
		return err
	})
}

func (s *SQLStorage) LatestTemplateVersion(ctx context.Context, templateID string) (*models.TemplateVersion, error) {
	var v models.TemplateVersion
	var variants string
	err := s.queryRow(ctx,
		`SELECT id, template_id, version, body, variants, created_at FROM template_versions
		 WHERE template_id = ? ORDER BY version DESC LIMIT 1`, templateID,
	).Scan(&v.ID, &v.TemplateID, &v.Version, &v.Body, &variants, &v.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := decodeJSON(variants, &v.Variants); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLStorage) GetEngagementScore(ctx context.Context, destination string) (*models.EngagementScore, error) {
	var e models.EngagementScore
	err := s.queryRow(ctx,
		`SELECT destination, score, total, delivered, best_hour, computed_at FROM engagement_scores WHERE destination = ?`,
		destination,
	).Scan(&e.Destination, &e.Score, &e.Total, &e.Delivered, &e.BestHour, &e.ComputedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *SQLStorage) SaveEngagementScore(ctx context.Context, e *models.EngagementScore) error {
	_, err := s.exec(ctx,
		`INSERT INTO engagement_scores (destination, score, total, delivered, best_hour, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (destination) DO UPDATE SET
		   score = excluded.score, total = excluded.total, delivered = excluded.delivered,
		   best_hour = excluded.best_hour, computed_at = excluded.computed_at`,
		e.Destination, e.Score, e.Total, e.Delivered, e.BestHour, e.ComputedAt,
	)
	return err
}
