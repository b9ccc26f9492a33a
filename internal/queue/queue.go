// Package queue admits messages into the durable dispatch queue. Every
// enqueue is validated, checked for compliance, priced and reserved against
// the spending ledger before a row is written.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/smsrelay/internal/compliance"
	"github.com/shohag/smsrelay/internal/cost"
	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/phone"
	"github.com/shohag/smsrelay/internal/provider"
	"github.com/shohag/smsrelay/internal/spending"
	"github.com/shohag/smsrelay/internal/storage"
)

const (
	MinPriority = 1
	MaxPriority = 10
)

// ErrNotCancellable is returned when the item already left pending.
var ErrNotCancellable = errors.New("queue item is not pending")

type Request struct {
	Destination          string
	Message              string
	TemplateCode         string
	TemplateVersion      int
	Variant              string
	Variables            map[string]string
	ProviderID           string
	SenderID             string
	CustomerID           string
	MessageCategory      string
	Priority             int
	MaxRetries           int
	ScheduledAt          *time.Time
	Timezone             string
	Recurring            *models.RecurringConfig
	ComponentName        string
	ComponentReferenceID string
}

type Options struct {
	Region            string
	DefaultPriority   int
	DefaultMaxRetries int
	DefaultCategory   string
}

type Store interface {
	EnqueueItem(ctx context.Context, item *models.QueueItem, reserve storage.ReserveFunc) error
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error)
	CancelQueueItem(ctx context.Context, id string) error
}

type Queue struct {
	store      Store
	compliance *compliance.Filter
	providers  *provider.Registry
	governor   *spending.Governor
	opts       Options
	log        zerolog.Logger
	now        func() time.Time
}

func New(store Store, filter *compliance.Filter, providers *provider.Registry, governor *spending.Governor, opts Options, log zerolog.Logger) *Queue {
	if opts.DefaultPriority == 0 {
		opts.DefaultPriority = 5
	}
	if opts.DefaultCategory == "" {
		opts.DefaultCategory = "transactional"
	}
	if opts.Region == "" {
		opts.Region = phone.DefaultRegion
	}
	return &Queue{
		store:      store,
		compliance: filter,
		providers:  providers,
		governor:   governor,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// Enqueue persists req as a pending item. Validation, policy and
// configuration failures are returned as *failure.Error and leave nothing
// behind. The returned decision reports whether the soft limit was reached.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*models.QueueItem, spending.Decision, error) {
	norm := phone.Normalize(req.Destination, q.opts.Region)
	if !norm.Valid {
		return nil, spending.Decision{}, failure.New(failure.CodeInvalidNumber, "invalid destination %q", req.Destination)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, spending.Decision{}, failure.New(failure.CodeInvalidRequest, "message is empty")
	}

	category := req.MessageCategory
	if category == "" {
		category = q.opts.DefaultCategory
	}
	priority := req.Priority
	if priority == 0 {
		priority = q.opts.DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, spending.Decision{}, failure.New(failure.CodeInvalidRequest,
			"priority %d outside %d-%d", priority, MinPriority, MaxPriority)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.opts.DefaultMaxRetries
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return nil, spending.Decision{}, failure.New(failure.CodeInvalidRequest, "unknown timezone %q", req.Timezone)
		}
	}

	if err := q.compliance.Check(ctx, norm.Normalized, req.CustomerID, category); err != nil {
		return nil, spending.Decision{}, err
	}

	prov, err := q.providers.Resolve(ctx, req.ProviderID)
	if err != nil {
		return nil, spending.Decision{}, err
	}

	now := q.now().UTC()
	est := cost.Calculate(req.Message, prov.CostPerSegment)

	item := &models.QueueItem{
		ID:                   models.NewID("q"),
		Destination:          norm.Normalized,
		Message:              req.Message,
		TemplateCode:         req.TemplateCode,
		TemplateVersion:      req.TemplateVersion,
		Variant:              req.Variant,
		Variables:            req.Variables,
		ProviderID:           req.ProviderID,
		SenderID:             req.SenderID,
		CustomerID:           req.CustomerID,
		MessageCategory:      category,
		Priority:             priority,
		CharacterCount:       est.Characters,
		SegmentCount:         est.Segments,
		Cost:                 est.Cost,
		Timezone:             req.Timezone,
		Status:               models.QueuePending,
		MaxRetries:           maxRetries,
		ComponentName:        req.ComponentName,
		ComponentReferenceID: req.ComponentReferenceID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := schedule(item, req, now); err != nil {
		return nil, spending.Decision{}, err
	}

	res := q.governor.Reserve(est.Cost)
	if err := q.store.EnqueueItem(ctx, item, res.Apply); err != nil {
		if failure.CodeOf(err) == failure.CodeSpendingBlocked {
			q.log.Warn().
				Str("destination", item.Destination).
				Str("cost", est.Cost.String()).
				Str("projected", res.Decision.Projected.String()).
				Msg("send blocked by spending limit")
			return nil, res.Decision, err
		}
		return nil, res.Decision, fmt.Errorf("enqueue: %w", err)
	}
	q.governor.Report(res)

	q.log.Info().
		Str("queue_id", item.ID).
		Str("destination", item.Destination).
		Str("schedule_type", string(item.ScheduleType)).
		Int("segments", item.SegmentCount).
		Str("cost", item.Cost.String()).
		Str("spending", string(res.Decision.Verdict)).
		Msg("message queued")

	return item, res.Decision, nil
}

func schedule(item *models.QueueItem, req Request, now time.Time) error {
	switch {
	case req.Recurring != nil:
		rc := *req.Recurring
		if err := validateRecurring(&rc); err != nil {
			return err
		}
		item.ScheduleType = models.ScheduleRecurring
		item.Recurring = &rc
	case req.ScheduledAt != nil:
		item.ScheduleType = models.ScheduleScheduled
	default:
		item.ScheduleType = models.ScheduleImmediate
		item.DueAt = now
		return nil
	}

	if req.ScheduledAt == nil {
		// A recurring series starting now anchors later occurrences here.
		item.ScheduledAt = &now
		item.DueAt = now
		return nil
	}
	at := req.ScheduledAt.UTC()
	item.ScheduledAt = &at
	item.DueAt = at
	if at.Before(now) {
		item.DueAt = now
	}
	return nil
}

func validateRecurring(rc *models.RecurringConfig) error {
	switch rc.Frequency {
	case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly:
	default:
		return failure.New(failure.CodeInvalidRequest, "unknown recurring frequency %q", rc.Frequency)
	}
	if rc.Interval == 0 {
		rc.Interval = 1
	}
	if rc.Interval < 0 || rc.MaxOccurrences < 0 {
		return failure.New(failure.CodeInvalidRequest, "recurring interval and max occurrences must be positive")
	}
	if rc.Occurrence == 0 {
		rc.Occurrence = 1
	}
	return nil
}

// Due returns pending items whose due time has passed, in dispatch order.
func (q *Queue) Due(ctx context.Context, limit int) ([]models.QueueItem, error) {
	return q.store.DueQueueItems(ctx, q.now().UTC(), limit)
}

func (q *Queue) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	return q.store.GetQueueItem(ctx, id)
}

// Cancel moves a pending item to cancelled. An item that was already claimed
// or finished is left alone and ErrNotCancellable is returned.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	err := q.store.CancelQueueItem(ctx, id)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return ErrNotCancellable
	case err != nil:
		return err
	}
	q.log.Info().Str("queue_id", id).Msg("queue item cancelled")
	return nil
}
