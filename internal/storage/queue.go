package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/smsrelay/internal/models"
)

const queueColumns = `id, destination, message, template_code, template_version, variant, variables, provider_id, sender_id,
	customer_id, message_category, priority, character_count, segment_count, cost, schedule_type, scheduled_at, timezone,
	recurring, due_at, status, retry_count, max_retries, failure_reason, provider_message_id, component_name,
	component_reference_id, claimed_at, sent_at, created_at, updated_at`

func scanQueueItem(row scanner) (*models.QueueItem, error) {
	var it models.QueueItem
	var variables, recurring string
	err := row.Scan(&it.ID, &it.Destination, &it.Message, &it.TemplateCode, &it.TemplateVersion, &it.Variant,
		&variables, &it.ProviderID, &it.SenderID, &it.CustomerID, &it.MessageCategory, &it.Priority,
		&it.CharacterCount, &it.SegmentCount, &it.Cost, &it.ScheduleType, &it.ScheduledAt, &it.Timezone,
		&recurring, &it.DueAt, &it.Status, &it.RetryCount, &it.MaxRetries, &it.FailureReason,
		&it.ProviderMessageID, &it.ComponentName, &it.ComponentReferenceID, &it.ClaimedAt, &it.SentAt,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(variables, &it.Variables); err != nil {
		return nil, err
	}
	if recurring != "" {
		it.Recurring = &models.RecurringConfig{}
		if err := decodeJSON(recurring, it.Recurring); err != nil {
			return nil, err
		}
	}
	return &it, nil
}

func collectQueueItems(rows interface {
	scanner
	Next() bool
	Err() error
}) ([]models.QueueItem, error) {
	var items []models.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// EnqueueItem inserts item in the same transaction that reserves its cost
// against the spending ledger, so concurrent enqueues cannot jointly pass the
// hard limit. A nil reserve skips the ledger.
func (s *SQLStorage) EnqueueItem(ctx context.Context, item *models.QueueItem, reserve ReserveFunc) error {
	variables := "{}"
	if len(item.Variables) > 0 {
		v, err := encodeJSON(item.Variables)
		if err != nil {
			return err
		}
		variables = v
	}
	recurring := ""
	if item.Recurring != nil {
		r, err := encodeJSON(item.Recurring)
		if err != nil {
			return err
		}
		recurring = r
	}

	return s.withTx(ctx, "EnqueueItem", func(ctx context.Context, tx txn) error {
		if reserve != nil {
			if err := s.reserve(ctx, tx, reserve); err != nil {
				return err
			}
		}
		_, err := tx.exec(ctx,
			`INSERT INTO queue_items (`+queueColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.Destination, item.Message, item.TemplateCode, item.TemplateVersion, item.Variant,
			variables, item.ProviderID, item.SenderID, item.CustomerID, item.MessageCategory, item.Priority,
			item.CharacterCount, item.SegmentCount, item.Cost, item.ScheduleType, item.ScheduledAt, item.Timezone,
			recurring, item.DueAt, item.Status, item.RetryCount, item.MaxRetries, item.FailureReason,
			item.ProviderMessageID, item.ComponentName, item.ComponentReferenceID, item.ClaimedAt, item.SentAt,
			item.CreatedAt, item.UpdatedAt,
		)
		return err
	})
}

func (s *SQLStorage) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	it, err := scanQueueItem(s.queryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return it, nil
}

// DueQueueItems lists pending items due at now, lowest priority number first
// and FIFO within a priority.
func (s *SQLStorage) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT `+queueColumns+` FROM queue_items
		 WHERE status = ? AND due_at <= ?
		 ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`,
		models.QueuePending, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// ClaimQueueItem moves a due pending item to in_progress. It returns
// ErrConflict when the item is not pending, not yet due, or already claimed.
func (s *SQLStorage) ClaimQueueItem(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	res, err := s.exec(ctx,
		`UPDATE queue_items SET status = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND due_at <= ?`,
		models.QueueInProgress, now, now, id, models.QueuePending, now)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// CompleteAttempt records the outcome of a claimed attempt and its history
// entry together. Only an in_progress item can be completed.
func (s *SQLStorage) CompleteAttempt(ctx context.Context, item *models.QueueItem, rec *models.HistoryRecord) error {
	return s.withTx(ctx, "CompleteAttempt", func(ctx context.Context, tx txn) error {
		res, err := tx.exec(ctx,
			`UPDATE queue_items SET status = ?, retry_count = ?, failure_reason = ?, provider_id = ?,
			 provider_message_id = ?, sent_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			item.Status, item.RetryCount, item.FailureReason, item.ProviderID,
			item.ProviderMessageID, item.SentAt, item.UpdatedAt, item.ID, models.QueueInProgress)
		if err != nil {
			return err
		}
		if err := expectOne(res); err != nil {
			return err
		}
		return insertHistory(ctx, tx, rec)
	})
}

// RequeueQueueItem returns a failed item to pending, due at dueAt.
func (s *SQLStorage) RequeueQueueItem(ctx context.Context, id string, dueAt time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE queue_items SET status = ?, due_at = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		models.QueuePending, dueAt.UTC(), time.Now().UTC(), id, models.QueueFailed)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *SQLStorage) CancelQueueItem(ctx context.Context, id string) error {
	return s.withTx(ctx, "CancelQueueItem", func(ctx context.Context, tx txn) error {
		var status models.QueueStatus
		if err := tx.queryRow(ctx, `SELECT status FROM queue_items WHERE id = ?`+s.d.lockRow, id).Scan(&status); err != nil {
			return notFound(err)
		}
		res, err := tx.exec(ctx,
			`UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			models.QueueCancelled, time.Now().UTC(), id, models.QueuePending)
		if err != nil {
			return err
		}
		return expectOne(res)
	})
}

// ExpireClaims fails every item claimed before claimedBefore, counting the
// lost claim as an attempt with the given failure reason. The expired items
// are returned in their new state.
func (s *SQLStorage) ExpireClaims(ctx context.Context, claimedBefore time.Time, reason string) ([]models.QueueItem, error) {
	var expired []models.QueueItem
	err := s.withTx(ctx, "ExpireClaims", func(ctx context.Context, tx txn) error {
		rows, err := tx.query(ctx,
			`SELECT `+queueColumns+` FROM queue_items
			 WHERE status = ? AND claimed_at < ?
			 ORDER BY claimed_at ASC`+s.d.lockSkip,
			models.QueueInProgress, claimedBefore.UTC())
		if err != nil {
			return err
		}
		items, err := collectQueueItems(rows)
		rows.Close()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range items {
			it := &items[i]
			it.Status = models.QueueFailed
			it.RetryCount++
			it.FailureReason = reason
			it.UpdatedAt = now
			res, err := tx.exec(ctx,
				`UPDATE queue_items SET status = ?, retry_count = ?, failure_reason = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				it.Status, it.RetryCount, it.FailureReason, now, it.ID, models.QueueInProgress)
			if err != nil {
				return err
			}
			if err := expectOne(res); err != nil {
				return err
			}
			if err := insertHistory(ctx, tx, &models.HistoryRecord{
				ID:            models.NewID("hist"),
				QueueID:       it.ID,
				Destination:   it.Destination,
				ProviderID:    it.ProviderID,
				Status:        models.QueueFailed,
				Attempt:       it.RetryCount,
				SegmentCount:  it.SegmentCount,
				Cost:          it.Cost,
				FailureReason: reason,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}
		expired = items
		return nil
	})
	return expired, err
}

// --- History ---

const historyColumns = `id, queue_id, destination, provider_id, provider_message_id, status, attempt, segment_count, cost, failure_reason, latency_ms, created_at`

func insertHistory(ctx context.Context, tx txn, r *models.HistoryRecord) error {
	_, err := tx.exec(ctx,
		`INSERT INTO history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.QueueID, r.Destination, r.ProviderID, r.ProviderMessageID, r.Status, r.Attempt,
		r.SegmentCount, r.Cost, r.FailureReason, r.LatencyMs, r.CreatedAt,
	)
	return err
}

func (s *SQLStorage) listHistory(ctx context.Context, query string, args ...any) ([]models.HistoryRecord, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.HistoryRecord
	for rows.Next() {
		var r models.HistoryRecord
		if err := rows.Scan(&r.ID, &r.QueueID, &r.Destination, &r.ProviderID, &r.ProviderMessageID, &r.Status,
			&r.Attempt, &r.SegmentCount, &r.Cost, &r.FailureReason, &r.LatencyMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLStorage) ListHistory(ctx context.Context, queueID string) ([]models.HistoryRecord, error) {
	return s.listHistory(ctx,
		`SELECT `+historyColumns+` FROM history WHERE queue_id = ? ORDER BY created_at ASC, attempt ASC`, queueID)
}

func (s *SQLStorage) ListHistoryByDestination(ctx context.Context, destination string, limit int) ([]models.HistoryRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.listHistory(ctx,
		`SELECT `+historyColumns+` FROM history WHERE destination = ? ORDER BY created_at DESC LIMIT ?`, destination, limit)
}

// --- Stats ---

func (s *SQLStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status models.QueueStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		switch status {
		case models.QueuePending:
			stats.Pending = n
		case models.QueueInProgress:
			stats.InProgress = n
		case models.QueueSent:
			stats.Sent = n
		case models.QueueFailed:
			stats.Failed = n
		case models.QueueCancelled:
			stats.Cancelled = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var delivered int64
	if err := s.queryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) FROM history`, models.QueueSent,
	).Scan(&stats.Attempts, &delivered); err != nil {
		return nil, err
	}
	if stats.Attempts > 0 {
		stats.SuccessRate = float64(delivered) / float64(stats.Attempts) * 100
	}

	if err := s.queryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM history WHERE status = ?`, models.QueueSent,
	).Scan(&stats.SentCost); err != nil {
		return nil, err
	}

	limit, err := s.ActiveSpendingLimit(ctx)
	switch {
	case err == nil:
		stats.Spending = limit.CurrentSpending
		stats.HardLimit = limit.HardLimit
		stats.LimitReached = limit.HardLimitReached
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	return stats, nil
}
