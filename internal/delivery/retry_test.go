package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
)

func TestStrategist_Delay(t *testing.T) {
	s := NewStrategist(0)
	want := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute}
	for n, d := range want {
		assert.Equal(t, d, s.Delay(n), "retry_count %d", n)
	}
	assert.Equal(t, 5*time.Minute, s.Delay(-1))
	assert.Equal(t, s.Delay(maxBackoffShift), s.Delay(maxBackoffShift+10))
}

func TestStrategist_ShouldRetry(t *testing.T) {
	s := NewStrategist(time.Minute)
	item := func(retry, max int, code failure.Code) *models.QueueItem {
		reason := ""
		if code != "" {
			reason = string(code) + ": detail"
		}
		return &models.QueueItem{RetryCount: retry, MaxRetries: max, FailureReason: reason}
	}

	assert.True(t, s.ShouldRetry(item(1, 3, failure.CodeProviderError)))
	assert.True(t, s.ShouldRetry(item(2, 3, failure.CodeProviderTimeout)))
	assert.True(t, s.ShouldRetry(item(1, 3, failure.CodeClaimExpired)))
	assert.True(t, s.ShouldRetry(item(0, 3, "")))
	assert.False(t, s.ShouldRetry(item(3, 3, failure.CodeProviderError)))
	assert.False(t, s.ShouldRetry(item(0, 0, "")))

	for _, code := range []failure.Code{
		failure.CodeBlacklisted,
		failure.CodeOptedOut,
		failure.CodeInvalidNumber,
		failure.CodeSpendingBlocked,
		failure.CodeUnknownProvider,
	} {
		assert.False(t, s.ShouldRetry(item(0, 3, code)), string(code))
	}
}

func TestStrategist_NextAttempt(t *testing.T) {
	s := NewStrategist(0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Minute), s.NextAttempt(&models.QueueItem{RetryCount: 1}, now))
	assert.Equal(t, now.Add(20*time.Minute), s.NextAttempt(&models.QueueItem{RetryCount: 3}, now))
}
