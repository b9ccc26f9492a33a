package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/smsrelay/internal/failure"
)

type SweeperOptions struct {
	BatchSize  int
	Interval   time.Duration
	StuckAfter time.Duration
}

// Sweeper periodically recovers abandoned claims and delivers due items.
// Several sweepers may run against the same store; claims keep them from
// attempting the same item twice.
type Sweeper struct {
	store      Store
	worker     *Worker
	batchSize  int
	interval   time.Duration
	stuckAfter time.Duration
	log        zerolog.Logger
	stop       chan struct{}
	wg         sync.WaitGroup
}

func NewSweeper(store Store, worker *Worker, opts SweeperOptions, log zerolog.Logger) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 15 * time.Minute
	}
	return &Sweeper{
		store:      store,
		worker:     worker,
		batchSize:  opts.BatchSize,
		interval:   opts.Interval,
		stuckAfter: opts.StuckAfter,
		log:        log,
		stop:       make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Msg("starting queue sweeper")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

func (s *Sweeper) Stop() {
	s.log.Info().Msg("stopping queue sweeper")
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("queue sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("queue sweep failed")
			}
		}
	}
}

// Sweep runs one pass: expire stuck claims, then deliver a batch of due
// items. It returns the number of items sent.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if err := s.RecoverStuck(ctx); err != nil {
		return 0, err
	}
	return s.worker.ProcessBatch(ctx, s.batchSize)
}

// RecoverStuck fails items claimed longer than the stuck threshold ago and
// lets the strategist decide whether they are retried.
func (s *Sweeper) RecoverStuck(ctx context.Context) error {
	cutoff := s.worker.now().UTC().Add(-s.stuckAfter)
	reason := fmt.Sprintf("%s: claim held longer than %s", failure.CodeClaimExpired, s.stuckAfter)

	expired, err := s.store.ExpireClaims(ctx, cutoff, reason)
	if err != nil {
		return fmt.Errorf("expire claims: %w", err)
	}
	for i := range expired {
		item := &expired[i]
		s.log.Warn().
			Str("queue_id", item.ID).
			Int("retry_count", item.RetryCount).
			Msg("expired stuck delivery claim")
		if _, err := s.worker.Settle(ctx, item); err != nil {
			s.log.Error().Err(err).Str("queue_id", item.ID).Msg("failed to settle expired claim")
		}
	}
	return nil
}
