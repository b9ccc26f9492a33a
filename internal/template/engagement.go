package template

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/storage"
)

// EngagementScore returns the destination's delivery score, recomputing it
// from history when no fresh cached value exists.
func (e *Engine) EngagementScore(ctx context.Context, destination string) (*models.EngagementScore, error) {
	now := e.now().UTC()

	cached, err := e.store.GetEngagementScore(ctx, destination)
	switch {
	case err == nil && now.Sub(cached.ComputedAt) < e.opts.ScoreTTL:
		return cached, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get engagement score: %w", err)
	}

	history, err := e.store.ListHistoryByDestination(ctx, destination, e.opts.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	score := computeScore(destination, history, now)
	if score.Total == 0 {
		score.BestHour = e.opts.DefaultHour
		return score, nil
	}

	if err := e.store.SaveEngagementScore(ctx, score); err != nil {
		return nil, fmt.Errorf("save engagement score: %w", err)
	}
	e.log.Debug().
		Str("destination", destination).
		Float64("score", score.Score).
		Int("best_hour", score.BestHour).
		Msg("engagement score computed")
	return score, nil
}

// computeScore scales delivered/total to 0-100. The best hour is the UTC
// hour with the highest delivery rate; ties go to the earlier hour.
func computeScore(destination string, history []models.HistoryRecord, now time.Time) *models.EngagementScore {
	s := &models.EngagementScore{Destination: destination, ComputedAt: now}

	var total, delivered [24]int
	for _, h := range history {
		hour := h.CreatedAt.UTC().Hour()
		total[hour]++
		s.Total++
		if h.Status == models.QueueSent {
			delivered[hour]++
			s.Delivered++
		}
	}
	if s.Total == 0 {
		return s
	}
	s.Score = float64(s.Delivered) / float64(s.Total) * 100

	best, bestRate := 0, -1.0
	for hour := 0; hour < 24; hour++ {
		if total[hour] == 0 {
			continue
		}
		rate := float64(delivered[hour]) / float64(total[hour])
		if rate > bestRate {
			best, bestRate = hour, rate
		}
	}
	s.BestHour = best
	return s
}

// OptimalSendTime returns the next time, strictly after now, at the
// destination's best hour. With history the hour is a UTC hour; without it
// the default hour is taken in tz.
func (e *Engine) OptimalSendTime(ctx context.Context, destination, tz string, now time.Time) (time.Time, error) {
	score, err := e.EngagementScore(ctx, destination)
	if err != nil {
		return time.Time{}, err
	}

	loc := time.UTC
	if score.Total == 0 && tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return nextHour(now, score.BestHour, loc), nil
}

func nextHour(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !t.After(local) {
		t = t.AddDate(0, 0, 1)
	}
	return t.UTC()
}
