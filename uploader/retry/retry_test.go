package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError struct {
	status int
}

func (e statusError) Error() string   { return fmt.Sprintf("HTTP %d", e.status) }
func (e statusError) HTTPStatus() int { return e.status }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "plain network error", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "wrapped network error", err: fmt.Errorf("do request: %w", errors.New("EOF")), want: true},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "context deadline", err: fmt.Errorf("chunk: %w", context.DeadlineExceeded), want: false},
		{name: "408 request timeout", err: statusError{status: 408}, want: true},
		{name: "425 too early", err: statusError{status: 425}, want: true},
		{name: "429 too many requests", err: statusError{status: 429}, want: true},
		{name: "500", err: statusError{status: 500}, want: true},
		{name: "503", err: statusError{status: 503}, want: true},
		{name: "599", err: statusError{status: 599}, want: true},
		{name: "400 bad request", err: statusError{status: 400}, want: false},
		{name: "404 not found", err: statusError{status: 404}, want: false},
		{name: "409 conflict", err: statusError{status: 409}, want: false},
		{name: "wrapped status error", err: fmt.Errorf("status: %w", statusError{status: 502}), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDelayBounds(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 30 * time.Second

	for i := 0; i < 200; i++ {
		d := Delay(0, base, max)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, base, "attempt 0 must stay below base")
	}

	for i := 0; i < 200; i++ {
		d := Delay(5, base, max)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, max, "attempt 5 must be capped at max")
	}

	// Far past the cap, the exponential term must not overflow.
	for i := 0; i < 50; i++ {
		d := Delay(63, base, max)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, max)
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), func() error {
			calls++
			return nil
		}, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient then succeeds", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return statusError{status: 503}
			}
			return nil
		}, Options{Retries: 5, Base: time.Millisecond, Max: 2 * time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("fatal error returned immediately", func(t *testing.T) {
		calls := 0
		wantErr := statusError{status: 404}
		err := Do(context.Background(), func() error {
			calls++
			return wantErr
		}, Options{Retries: 5, Base: time.Millisecond})
		require.Error(t, err)
		assert.ErrorAs(t, err, &statusError{})
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausts retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), func() error {
			calls++
			return errors.New("network down")
		}, Options{Retries: 2, Base: time.Millisecond, Max: 2 * time.Millisecond})
		require.EqualError(t, err, "network down")
		assert.Equal(t, 3, calls)
	})

	t.Run("context cancellation stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, func() error {
			return errors.New("network down")
		}, Options{Retries: 5, Base: time.Second})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestCheckRetry(t *testing.T) {
	ctx := context.Background()

	retryable, err := CheckRetry(ctx, &http.Response{StatusCode: http.StatusServiceUnavailable}, nil)
	require.NoError(t, err)
	assert.True(t, retryable)

	retryable, err = CheckRetry(ctx, &http.Response{StatusCode: http.StatusNotFound}, nil)
	require.NoError(t, err)
	assert.False(t, retryable)

	retryable, err = CheckRetry(ctx, &http.Response{StatusCode: http.StatusOK}, nil)
	require.NoError(t, err)
	assert.False(t, retryable)

	retryable, err = CheckRetry(ctx, nil, errors.New("connection reset"))
	require.NoError(t, err)
	assert.True(t, retryable)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = CheckRetry(canceled, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}
