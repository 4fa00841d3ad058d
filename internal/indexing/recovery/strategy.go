package recovery

import (
	"math"
	"time"
)

// RetryStrategy defines how replays of a failed payload are paced.
type RetryStrategy interface {
	// GetDelay returns the wait after the given attempt count (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry reports whether another replay is allowed.
	ShouldRetry(attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoff returns the replay pacing for dead-lettered payloads.
// 1m, 2m, 4m, 8m, 16m (Max 1h), then left for an operator
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Minute,
		MaxDelay:     time.Hour,
		MaxAttempts:  5,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks that max attempts are not exceeded.
func (s *ExponentialBackoff) ShouldRetry(attempt int) bool {
	return attempt < s.MaxAttempts
}
