package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shohag/smsrelay/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional state transition lost its race.
	ErrConflict = errors.New("storage: state conflict")
)

// ReserveFunc runs inside the enqueue transaction with the active spending
// limit (nil when none is configured) and its active override. Returning an
// error aborts the transaction. Changes made to limit are persisted.
type ReserveFunc func(limit *models.SpendingLimit, override *models.SpendingOverride) error

type Storage interface {
	// Providers
	CreateProvider(ctx context.Context, p *models.Provider) error
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	GetProviderByName(ctx context.Context, name string) (*models.Provider, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]models.Provider, error)
	SetPrimaryProvider(ctx context.Context, id string) error
	SetProviderActive(ctx context.Context, id string, active bool) error

	// Compliance
	AddBlacklistEntry(ctx context.Context, e *models.BlacklistEntry) error
	IsBlacklisted(ctx context.Context, destination string) (bool, error)
	AddOptOut(ctx context.Context, e *models.OptOutEntry) error
	IsOptedOut(ctx context.Context, destination, customerID, category string) (bool, error)

	// Spending
	CreateSpendingLimit(ctx context.Context, l *models.SpendingLimit) error
	ActiveSpendingLimit(ctx context.Context) (*models.SpendingLimit, error)
	CreateSpendingOverride(ctx context.Context, o *models.SpendingOverride) error
	ActiveSpendingOverride(ctx context.Context, limitID string, now time.Time) (*models.SpendingOverride, error)
	AdjustSpending(ctx context.Context, fn ReserveFunc) error

	// Queue
	EnqueueItem(ctx context.Context, item *models.QueueItem, reserve ReserveFunc) error
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error)
	ClaimQueueItem(ctx context.Context, id string, now time.Time) error
	CompleteAttempt(ctx context.Context, item *models.QueueItem, rec *models.HistoryRecord) error
	RequeueQueueItem(ctx context.Context, id string, dueAt time.Time) error
	CancelQueueItem(ctx context.Context, id string) error
	ExpireClaims(ctx context.Context, claimedBefore time.Time, reason string) ([]models.QueueItem, error)

	// History
	ListHistory(ctx context.Context, queueID string) ([]models.HistoryRecord, error)
	ListHistoryByDestination(ctx context.Context, destination string, limit int) ([]models.HistoryRecord, error)

	// Templates
	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplateByCode(ctx context.Context, code string) (*models.Template, error)
	AddTemplateVersion(ctx context.Context, v *models.TemplateVersion) error
	LatestTemplateVersion(ctx context.Context, templateID string) (*models.TemplateVersion, error)
	GetEngagementScore(ctx context.Context, destination string) (*models.EngagementScore, error)
	SaveEngagementScore(ctx context.Context, s *models.EngagementScore) error

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	Pending      int64           `json:"pending"`
	InProgress   int64           `json:"in_progress"`
	Sent         int64           `json:"sent"`
	Failed       int64           `json:"failed"`
	Cancelled    int64           `json:"cancelled"`
	Attempts     int64           `json:"attempts"`
	SuccessRate  float64         `json:"success_rate"`
	SentCost     decimal.Decimal `json:"sent_cost"`
	Spending     decimal.Decimal `json:"current_spending"`
	HardLimit    decimal.Decimal `json:"hard_limit"`
	LimitReached bool            `json:"hard_limit_reached"`
}
