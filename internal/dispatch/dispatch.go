// Package dispatch is the entry point other components use to send SMS.
// Callers learn whether a message was accepted into the queue; the delivery
// outcome is visible only through queue state and history.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/smsrelay/internal/delivery"
	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/phone"
	"github.com/shohag/smsrelay/internal/queue"
	"github.com/shohag/smsrelay/internal/spending"
	"github.com/shohag/smsrelay/internal/template"
)

type SendOptions struct {
	CustomerID      string
	MessageCategory string
	// TemplateCode tags an ad-hoc message with the template it came from.
	// SendTemplate sets it itself.
	TemplateCode string
	Variables    map[string]any
	SenderID     string
	ProviderID   string
	Priority     int
	MaxRetries   int
	// ScheduledAt is RFC 3339, or a local time read in Timezone.
	ScheduledAt          string
	Timezone             string
	Recurring            *models.RecurringConfig
	ComponentName        string
	ComponentReferenceID string
	// OptimizeSendTime schedules an unscheduled message at the
	// destination's best engagement hour.
	OptimizeSendTime bool
	// Variant forces a template variant.
	Variant string
}

type Result struct {
	Success bool         `json:"success"`
	QueueID string       `json:"queue_id,omitempty"`
	Error   string       `json:"error,omitempty"`
	Code    failure.Code `json:"code,omitempty"`
	Warning string       `json:"warning,omitempty"`
}

type Service struct {
	queue     *queue.Queue
	worker    *delivery.Worker
	templates *template.Engine
	region    string
	log       zerolog.Logger
	now       func() time.Time
}

// New wires the service and registers it as the worker's sent hook so
// recurring series continue after each delivery.
func New(q *queue.Queue, w *delivery.Worker, templates *template.Engine, region string, log zerolog.Logger) *Service {
	if region == "" {
		region = phone.DefaultRegion
	}
	s := &Service{
		queue:     q,
		worker:    w,
		templates: templates,
		region:    region,
		log:       log,
		now:       time.Now,
	}
	w.OnSent(s.scheduleNext)
	return s
}

// Send queues message for destination. {name} tokens in the message are
// filled from opts.Variables. Immediate messages are delivered before Send
// returns; a failed delivery still reports Success because the message was
// accepted and will be retried.
func (s *Service) Send(ctx context.Context, destination, message string, opts SendOptions) Result {
	vars := template.Stringify(opts.Variables)
	req := s.request(destination, template.Substitute(message, vars), opts)
	req.Variables = vars
	return s.enqueue(ctx, req, opts)
}

// SendTemplate renders the latest version of templateCode and sends it.
func (s *Service) SendTemplate(ctx context.Context, destination, templateCode string, variables map[string]any, opts SendOptions) Result {
	norm := phone.Normalize(destination, s.region)
	rendered, err := s.templates.Personalize(ctx, template.ResolveRequest{
		Code:        templateCode,
		Destination: norm.Normalized,
		CustomerID:  opts.CustomerID,
		Variables:   variables,
		Variant:     opts.Variant,
	})
	if err != nil {
		return s.fail(err, destination)
	}
	if opts.MessageCategory == "" {
		opts.MessageCategory = rendered.Category
	}

	req := s.request(destination, rendered.Body, opts)
	req.TemplateCode = rendered.Code
	req.TemplateVersion = rendered.Version
	req.Variant = rendered.Variant
	req.Variables = rendered.Variables
	return s.enqueue(ctx, req, opts)
}

// ProcessQueue delivers up to limit due items and returns how many were sent.
// Overlapping calls are safe.
func (s *Service) ProcessQueue(ctx context.Context, limit int) (int, error) {
	return s.worker.ProcessBatch(ctx, limit)
}

func (s *Service) request(destination, message string, opts SendOptions) queue.Request {
	return queue.Request{
		Destination:          destination,
		Message:              message,
		TemplateCode:         opts.TemplateCode,
		ProviderID:           opts.ProviderID,
		SenderID:             opts.SenderID,
		CustomerID:           opts.CustomerID,
		MessageCategory:      opts.MessageCategory,
		Priority:             opts.Priority,
		MaxRetries:           opts.MaxRetries,
		Timezone:             opts.Timezone,
		Recurring:            opts.Recurring,
		ComponentName:        opts.ComponentName,
		ComponentReferenceID: opts.ComponentReferenceID,
	}
}

func (s *Service) enqueue(ctx context.Context, req queue.Request, opts SendOptions) Result {
	if at := strings.TrimSpace(opts.ScheduledAt); at != "" {
		t, err := queue.ParseScheduleTime(at, opts.Timezone)
		if err != nil {
			return s.fail(err, req.Destination)
		}
		req.ScheduledAt = &t
	} else if opts.OptimizeSendTime && req.Recurring == nil {
		if norm := phone.Normalize(req.Destination, s.region); norm.Valid {
			t, err := s.templates.OptimalSendTime(ctx, norm.Normalized, opts.Timezone, s.now().UTC())
			if err != nil {
				s.log.Warn().Err(err).Str("destination", norm.Normalized).Msg("send time optimization failed, sending now")
			} else {
				req.ScheduledAt = &t
			}
		}
	}

	item, decision, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return s.fail(err, req.Destination)
	}

	res := Result{Success: true, QueueID: item.ID}
	if decision.Verdict == spending.Warn {
		res.Warning = "soft spending limit reached"
	}

	if item.ScheduleType == models.ScheduleImmediate {
		if _, _, err := s.worker.Deliver(ctx, item.ID); err != nil {
			s.log.Error().Err(err).Str("queue_id", item.ID).Msg("immediate delivery failed, left for the sweeper")
		}
	}
	return res
}

func (s *Service) fail(err error, destination string) Result {
	code := failure.CodeOf(err)
	if code == failure.CodeInternal {
		s.log.Error().Err(err).Str("destination", destination).Msg("send failed")
	}
	return Result{Success: false, Error: err.Error(), Code: code}
}

// scheduleNext queues the next occurrence of a delivered recurring item. The
// new item goes through the full enqueue path, so policy and budget are
// checked again.
func (s *Service) scheduleNext(ctx context.Context, item *models.QueueItem) {
	if item.ScheduleType != models.ScheduleRecurring || item.Recurring == nil {
		return
	}
	anchor := item.DueAt
	if item.ScheduledAt != nil {
		anchor = *item.ScheduledAt
	}
	next, ok := queue.NextOccurrence(*item.Recurring, anchor, item.Timezone)
	if !ok {
		s.log.Info().Str("queue_id", item.ID).Int("occurrence", item.Recurring.Occurrence).Msg("recurring series finished")
		return
	}

	rc := *item.Recurring
	rc.Occurrence++
	nextItem, _, err := s.queue.Enqueue(ctx, queue.Request{
		Destination:          item.Destination,
		Message:              item.Message,
		TemplateCode:         item.TemplateCode,
		TemplateVersion:      item.TemplateVersion,
		Variant:              item.Variant,
		Variables:            item.Variables,
		ProviderID:           item.ProviderID,
		SenderID:             item.SenderID,
		CustomerID:           item.CustomerID,
		MessageCategory:      item.MessageCategory,
		Priority:             item.Priority,
		MaxRetries:           item.MaxRetries,
		ScheduledAt:          &next,
		Timezone:             item.Timezone,
		Recurring:            &rc,
		ComponentName:        item.ComponentName,
		ComponentReferenceID: item.ComponentReferenceID,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("queue_id", item.ID).Msg("could not queue next recurring occurrence")
		return
	}
	s.log.Info().
		Str("queue_id", nextItem.ID).
		Str("previous_id", item.ID).
		Int("occurrence", rc.Occurrence).
		Time("due_at", nextItem.DueAt).
		Msg("next recurring occurrence queued")
}
