package monitor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchErrorClassification(t *testing.T) {
	t.Parallel()

	blocked := &FetchError{Kind: FetchBlocked, StatusCode: 403, Err: errors.New("forbidden")}
	require.True(t, IsRetryableFetch(blocked))
	require.True(t, IsBlocked(blocked))
	require.Equal(t, OutcomeBlocked, blocked.Outcome())
	require.Contains(t, blocked.Error(), "403")

	timeout := &FetchError{Kind: FetchTimeout, Err: errors.New("deadline exceeded")}
	require.True(t, IsRetryableFetch(timeout))
	require.False(t, IsBlocked(timeout))
	require.Equal(t, OutcomeTimeout, timeout.Outcome())

	wrapped := fmt.Errorf("dispatch tgt-1: %w", timeout)
	require.True(t, IsRetryableFetch(wrapped))
	require.False(t, IsBlocked(wrapped))

	server := &FetchError{Kind: FetchServer, StatusCode: 502, Err: errors.New("bad gateway")}
	require.True(t, IsRetryableFetch(server))
	require.Equal(t, OutcomeServer, server.Outcome())

	missing := &FetchError{Kind: FetchClient, StatusCode: 404, Err: errors.New("not found")}
	require.False(t, IsRetryableFetch(missing))
	require.False(t, IsBlocked(missing))
	require.Equal(t, OutcomeClient, missing.Outcome())
}

func TestNonFetchErrorsAreNotRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryableFetch(&ExtractionError{Field: "price", Reason: "not found"}))
	require.False(t, IsRetryableFetch(&ConfigurationError{Field: "url", Reason: "bad"}))
	require.False(t, IsRetryableFetch(ErrNoCapacity))
	require.False(t, IsRetryableFetch(nil))
}

func TestIsExtraction(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("dispatch: %w", &ExtractionError{Field: "price", Reason: "selector matched nothing"})
	require.True(t, IsExtraction(err))
	require.False(t, IsExtraction(errors.New("plain")))
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(3, 100*time.Millisecond, 400*time.Millisecond)

	transient := &FetchError{Kind: FetchConnection, Err: errors.New("refused")}
	require.True(t, policy.ShouldRetry(transient, 1))
	require.True(t, policy.ShouldRetry(transient, 2))
	require.False(t, policy.ShouldRetry(transient, 3), "attempt budget exhausted")

	require.False(t, policy.ShouldRetry(&ExtractionError{Field: "price"}, 1))
	require.False(t, policy.ShouldRetry(nil, 1))

	for attempt := 0; attempt < 5; attempt++ {
		delay := policy.Backoff(attempt)
		require.Positive(t, delay)
		require.LessOrEqual(t, delay, 2*400*time.Millisecond)
	}
}
