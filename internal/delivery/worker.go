package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shohag/smsrelay/internal/compliance"
	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/provider"
	"github.com/shohag/smsrelay/internal/storage"
)

const DefaultTimeout = 30 * time.Second

type Store interface {
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error)
	ClaimQueueItem(ctx context.Context, id string, now time.Time) error
	CompleteAttempt(ctx context.Context, item *models.QueueItem, rec *models.HistoryRecord) error
	RequeueQueueItem(ctx context.Context, id string, dueAt time.Time) error
	ExpireClaims(ctx context.Context, claimedBefore time.Time, reason string) ([]models.QueueItem, error)
}

// SentHook runs after an item was delivered. It must not block for long;
// it is called from batch workers.
type SentHook func(ctx context.Context, item *models.QueueItem)

type Options struct {
	Workers int
	Timeout time.Duration
}

type Worker struct {
	store      Store
	providers  *provider.Registry
	compliance *compliance.Filter
	strategist *Strategist
	workers    int
	timeout    time.Duration
	onSent     SentHook
	log        zerolog.Logger
	now        func() time.Time
}

func NewWorker(store Store, providers *provider.Registry, filter *compliance.Filter, strategist *Strategist, opts Options, log zerolog.Logger) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Worker{
		store:      store,
		providers:  providers,
		compliance: filter,
		strategist: strategist,
		workers:    opts.Workers,
		timeout:    opts.Timeout,
		log:        log,
		now:        time.Now,
	}
}

func (w *Worker) OnSent(h SentHook) {
	w.onSent = h
}

// ProcessOne makes a single delivery attempt for the item and reports
// whether it did. Items that are not pending, not yet due, or claimed by
// someone else are returned unchanged with attempted false. Delivery
// failures are recorded on the item, not returned; the error is reserved for
// storage problems.
func (w *Worker) ProcessOne(ctx context.Context, id string) (item *models.QueueItem, attempted bool, err error) {
	item, err = w.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load queue item: %w", err)
	}
	if item.Status != models.QueuePending {
		return item, false, nil
	}

	claimedAt := w.now().UTC()
	if err := w.store.ClaimQueueItem(ctx, id, claimedAt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			w.log.Debug().Str("queue_id", id).Msg("queue item not claimable, skipping")
			return item, false, nil
		}
		return nil, false, fmt.Errorf("claim queue item: %w", err)
	}
	item.Status = models.QueueInProgress
	item.ClaimedAt = &claimedAt

	ctx, span := otel.Tracer("smsrelay").Start(ctx, "delivery.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("queue.id", item.ID),
			attribute.Int("queue.attempt", item.RetryCount+1),
		),
	)
	defer span.End()

	start := time.Now()
	prov, msgID, attemptErr := w.attempt(ctx, item)
	latency := time.Since(start).Milliseconds()

	now := w.now().UTC()
	rec := &models.HistoryRecord{
		ID:           models.NewID("hist"),
		QueueID:      item.ID,
		Destination:  item.Destination,
		Attempt:      item.RetryCount + 1,
		SegmentCount: item.SegmentCount,
		Cost:         item.Cost,
		LatencyMs:    latency,
		CreatedAt:    now,
	}
	if prov != nil {
		item.ProviderID = prov.ID
		rec.ProviderID = prov.ID
		span.SetAttributes(attribute.String("provider.id", prov.ID))
	}
	item.UpdatedAt = now

	if attemptErr == nil {
		item.Status = models.QueueSent
		item.ProviderMessageID = msgID
		item.SentAt = &now
		item.FailureReason = ""
		rec.Status = models.QueueSent
		rec.ProviderMessageID = msgID
	} else {
		code := classify(attemptErr)
		item.Status = models.QueueFailed
		item.RetryCount++
		item.FailureReason = reason(code, attemptErr)
		rec.Status = models.QueueFailed
		rec.FailureReason = item.FailureReason
		span.RecordError(attemptErr)
		span.SetStatus(codes.Error, string(code))
	}

	// The attempt happened; record it even if the caller has gone away.
	if err := w.store.CompleteAttempt(context.WithoutCancel(ctx), item, rec); err != nil {
		w.log.Error().Err(err).Str("queue_id", item.ID).Msg("failed to record delivery attempt")
		return nil, true, fmt.Errorf("complete attempt: %w", err)
	}

	if item.Status == models.QueueSent {
		w.log.Info().
			Str("queue_id", item.ID).
			Str("destination", item.Destination).
			Str("provider_id", item.ProviderID).
			Str("provider_message_id", msgID).
			Int64("latency_ms", latency).
			Msg("message sent")
	} else {
		w.log.Warn().
			Str("queue_id", item.ID).
			Str("destination", item.Destination).
			Int("retry_count", item.RetryCount).
			Str("reason", item.FailureReason).
			Msg("delivery attempt failed")
	}
	return item, true, nil
}

func (w *Worker) attempt(ctx context.Context, item *models.QueueItem) (*models.Provider, string, error) {
	prov, err := w.providers.Resolve(ctx, item.ProviderID)
	if err != nil {
		return nil, "", err
	}
	if err := w.compliance.Check(ctx, item.Destination, item.CustomerID, item.MessageCategory); err != nil {
		return prov, "", err
	}
	adapter, err := w.providers.AdapterFor(prov)
	if err != nil {
		return prov, "", err
	}

	sender := item.SenderID
	if sender == "" {
		sender = prov.DefaultSender
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	res, err := sendBounded(sendCtx, adapter, provider.Request{
		QueueID:     item.ID,
		Destination: item.Destination,
		Message:     item.Message,
		Sender:      sender,
		Config:      prov.Config,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return prov, "", failure.Wrap(failure.CodeProviderTimeout, err, fmt.Sprintf("no answer from %s within %s", prov.Name, w.timeout))
		}
		var fe *failure.Error
		if errors.As(err, &fe) {
			return prov, "", err
		}
		return prov, "", failure.Wrap(failure.CodeProviderError, err, prov.Name)
	}
	if res == nil {
		return prov, "", nil
	}
	return prov, res.MessageID, nil
}

func classify(err error) failure.Code {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.CodeProviderTimeout
	}
	return failure.CodeInternal
}

type sendOutcome struct {
	res *provider.Result
	err error
}

// sendBounded returns when the adapter answers or ctx is done, whichever
// comes first. An adapter that ignores ctx keeps running in the background
// and its late answer is dropped.
func sendBounded(ctx context.Context, adapter provider.Adapter, req provider.Request) (*provider.Result, error) {
	done := make(chan sendOutcome, 1)
	go func() {
		res, err := adapter.Send(ctx, req)
		done <- sendOutcome{res: res, err: err}
	}()
	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func reason(code failure.Code, err error) string {
	var fe *failure.Error
	if errors.As(err, &fe) {
		// fe.Error() already reads "<code>: <detail>".
		if fe.Code == code {
			return fe.Error()
		}
	}
	return string(code) + ": " + err.Error()
}

// Settle requeues a failed item when the strategist allows another attempt.
// It reports whether the item went back to pending.
func (w *Worker) Settle(ctx context.Context, item *models.QueueItem) (bool, error) {
	if item.Status != models.QueueFailed {
		return false, nil
	}
	if !w.strategist.ShouldRetry(item) {
		w.log.Warn().
			Str("queue_id", item.ID).
			Int("retry_count", item.RetryCount).
			Int("max_retries", item.MaxRetries).
			Str("reason", item.FailureReason).
			Msg("delivery permanently failed")
		return false, nil
	}

	next := w.strategist.NextAttempt(item, w.now().UTC())
	if err := w.store.RequeueQueueItem(ctx, item.ID, next); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("requeue queue item: %w", err)
	}
	item.Status = models.QueuePending
	item.DueAt = next
	item.ClaimedAt = nil

	w.log.Info().
		Str("queue_id", item.ID).
		Int("retry_count", item.RetryCount).
		Time("next_retry", next).
		Msg("delivery scheduled for retry")
	return true, nil
}

// Deliver attempts the item, settles a failure and fires the sent hook.
// It reports whether this call sent the item.
func (w *Worker) Deliver(ctx context.Context, id string) (*models.QueueItem, bool, error) {
	item, attempted, err := w.ProcessOne(ctx, id)
	if err != nil || !attempted {
		return item, false, err
	}
	switch item.Status {
	case models.QueueFailed:
		if _, err := w.Settle(ctx, item); err != nil {
			return item, false, err
		}
	case models.QueueSent:
		if w.onSent != nil {
			w.onSent(ctx, item)
		}
		return item, true, nil
	}
	return item, false, nil
}

// ProcessBatch delivers up to limit due items concurrently and returns how
// many of them were sent.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (int, error) {
	items, err := w.store.DueQueueItems(ctx, w.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("load due items: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	var sent atomic.Int64
	p := pool.New().WithMaxGoroutines(w.workers)
	for _, it := range items {
		id := it.ID
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			_, ok, err := w.Deliver(ctx, id)
			if err != nil {
				w.log.Error().Err(err).Str("queue_id", id).Msg("failed to deliver queue item")
				return
			}
			if ok {
				sent.Add(1)
			}
		})
	}
	p.Wait()

	w.log.Debug().Int("due", len(items)).Int64("sent", sent.Load()).Msg("batch processed")
	return int(sent.Load()), nil
}
