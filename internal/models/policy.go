package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CycleType string

const (
	CycleDaily   CycleType = "daily"
	CycleWeekly  CycleType = "weekly"
	CycleMonthly CycleType = "monthly"
)

type SpendingLimit struct {
	ID                string          `json:"id"`
	SoftLimit         decimal.Decimal `json:"soft_limit"`
	HardLimit         decimal.Decimal `json:"hard_limit"`
	CycleType         CycleType       `json:"cycle_type"`
	CycleStart        time.Time       `json:"cycle_start"`
	CurrentSpending   decimal.Decimal `json:"current_spending"`
	SoftLimitNotified bool            `json:"soft_limit_notified"`
	HardLimitReached  bool            `json:"hard_limit_reached"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type OverrideType string

const (
	OverrideAllowContinued OverrideType = "allow_continued_sending"
	OverrideBlockAll       OverrideType = "block_all"
)

type SpendingOverride struct {
	ID        string       `json:"id"`
	LimitID   string       `json:"limit_id"`
	Type      OverrideType `json:"type"`
	Reason    string       `json:"reason,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SuspendsBlocking reports whether the override lifts hard-limit blocking at now.
func (o *SpendingOverride) SuspendsBlocking(now time.Time) bool {
	if o == nil || o.Type != OverrideAllowContinued {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

type BlacklistEntry struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Reason      string    `json:"reason,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

const CategoryAll = "all"

type OptOutEntry struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	CustomerID  string    `json:"customer_id,omitempty"`
	Category    string    `json:"category"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}
