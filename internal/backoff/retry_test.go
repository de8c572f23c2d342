package backoff

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoffSucceedsEventually(t *testing.T) {
	attempts := 0
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}
	result, err := RetryWithBackoff(context.Background(), policy, 3, func(attempt int) (string, error) {
		attempts++
		if attempt < 3 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffExhausted(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}
	_, err := RetryWithBackoff(context.Background(), policy, 2, func(int) (string, error) {
		return "", errors.New("always fails")
	})
	assert.ErrorIs(t, err, ErrMaxAttemptsExhausted)
}

func TestRetryWithBackoffRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}
	_, err := RetryWithBackoff(ctx, policy, 3, func(int) (string, error) {
		return "", errors.New("fails")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
