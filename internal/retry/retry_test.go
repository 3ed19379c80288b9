package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff_NextRetry(t *testing.T) {
	backoff := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}

	assert.Equal(t, time.Second, backoff.NextRetry(0))
	assert.Equal(t, 2*time.Second, backoff.NextRetry(1))
	assert.Equal(t, 4*time.Second, backoff.NextRetry(2))
	assert.Equal(t, 8*time.Second, backoff.NextRetry(3))
	assert.Equal(t, 10*time.Second, backoff.NextRetry(4))
	assert.Equal(t, 10*time.Second, backoff.NextRetry(40))
}

func TestExponentialBackoff_DefaultMultiplier(t *testing.T) {
	backoff := &ExponentialBackoff{InitialDelay: time.Millisecond}
	assert.Equal(t, 4*time.Millisecond, backoff.NextRetry(2))
}

func TestDo(t *testing.T) {
	strategy := &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	errBoom := errors.New("boom")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		attempts, err := Do(context.Background(), strategy, 3, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errBoom
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		attempts, err := Do(context.Background(), strategy, 2, func(ctx context.Context) error {
			calls++
			return errBoom
		})
		require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, 2, attempts)
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := Do(ctx, &ExponentialBackoff{InitialDelay: time.Hour}, 5, func(ctx context.Context) error {
			calls++
			cancel()
			return errBoom
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
