package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExceeded is returned by Do when every attempt failed
var ErrMaxAttemptsExceeded = errors.New("maximum attempts exceeded")

// Strategy defines the interface for retry strategies
type Strategy interface {
	// NextRetry returns the delay before retry number attempt (0-based)
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Do calls fn up to maxAttempts times, sleeping between attempts according to
// strategy. It returns nil on the first success, the context error if ctx is
// done while waiting, or the last error wrapped with ErrMaxAttemptsExceeded.
// The number of attempts made is always returned.
func Do(ctx context.Context, strategy Strategy, maxAttempts int, fn func(ctx context.Context) error) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(strategy.NextRetry(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}

		if err = fn(ctx); err == nil {
			return attempt + 1, nil
		}
	}

	return maxAttempts, fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, err)
}
