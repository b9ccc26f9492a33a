package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

func (s QueueStatus) Terminal() bool {
	return s == QueueSent || s == QueueFailed || s == QueueCancelled
}

type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
	ScheduleRecurring ScheduleType = "recurring"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

type RecurringConfig struct {
	Frequency      Frequency  `json:"frequency"`
	Interval       int        `json:"interval"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
	Occurrence     int        `json:"occurrence"`
}

type QueueItem struct {
	ID                   string            `json:"id"`
	Destination          string            `json:"destination"`
	Message              string            `json:"message"`
	TemplateCode         string            `json:"template_code,omitempty"`
	TemplateVersion      int               `json:"template_version,omitempty"`
	Variant              string            `json:"variant,omitempty"`
	Variables            map[string]string `json:"variables,omitempty"`
	ProviderID           string            `json:"provider_id"`
	SenderID             string            `json:"sender_id,omitempty"`
	CustomerID           string            `json:"customer_id,omitempty"`
	MessageCategory      string            `json:"message_category"`
	Priority             int               `json:"priority"`
	CharacterCount       int               `json:"character_count"`
	SegmentCount         int               `json:"segment_count"`
	Cost                 decimal.Decimal   `json:"cost"`
	ScheduleType         ScheduleType      `json:"schedule_type"`
	ScheduledAt          *time.Time        `json:"scheduled_at,omitempty"`
	Timezone             string            `json:"timezone,omitempty"`
	Recurring            *RecurringConfig  `json:"recurring,omitempty"`
	DueAt                time.Time         `json:"due_at"`
	Status               QueueStatus       `json:"status"`
	RetryCount           int               `json:"retry_count"`
	MaxRetries           int               `json:"max_retries"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	ProviderMessageID    string            `json:"provider_message_id,omitempty"`
	ComponentName        string            `json:"component_name,omitempty"`
	ComponentReferenceID string            `json:"component_reference_id,omitempty"`
	ClaimedAt            *time.Time        `json:"claimed_at,omitempty"`
	SentAt               *time.Time        `json:"sent_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

type HistoryRecord struct {
	ID                string          `json:"id"`
	QueueID           string          `json:"queue_id"`
	Destination       string          `json:"destination"`
	ProviderID        string          `json:"provider_id"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Status            QueueStatus     `json:"status"`
	Attempt           int             `json:"attempt"`
	SegmentCount      int             `json:"segment_count"`
	Cost              decimal.Decimal `json:"cost"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	LatencyMs         int64           `json:"latency_ms"`
	CreatedAt         time.Time       `json:"created_at"`
}
