package delivery

import (
	"time"

	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
)

const (
	DefaultRetryBase = 5 * time.Minute
	maxBackoffShift  = 16
)

// Strategist decides whether a failed item gets another attempt and when.
type Strategist struct {
	base time.Duration
}

func NewStrategist(base time.Duration) *Strategist {
	if base <= 0 {
		base = DefaultRetryBase
	}
	return &Strategist{base: base}
}

// ShouldRetry is false once the retry budget is spent or when the recorded
// failure is one that another attempt cannot fix.
func (s *Strategist) ShouldRetry(item *models.QueueItem) bool {
	if item.RetryCount >= item.MaxRetries {
		return false
	}
	code := failure.ParseReason(item.FailureReason)
	if code == "" {
		return true
	}
	return code.Retryable()
}

// Delay is base × 2^retryCount: 5, 10, 20, 40 minutes with the default base.
func (s *Strategist) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffShift {
		retryCount = maxBackoffShift
	}
	return s.base << retryCount
}

// NextAttempt returns when a failed item should be due again. RetryCount
// already includes the failed attempt, so the first retry waits one base.
func (s *Strategist) NextAttempt(item *models.QueueItem, now time.Time) time.Time {
	return now.Add(s.Delay(item.RetryCount - 1))
}
