// Package retry classifies transport errors and computes retry delays.
// The same policy drives both the retryablehttp transport and the generic
// Do helper, so every network-facing call in the module backs off the
// same way: exponentially with full jitter.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Defaults used across the module when the caller passes zero values.
const (
	DefaultRetries = 5
	DefaultBase    = 1 * time.Second
	DefaultMax     = 30 * time.Second
)

// HTTPStatusError is implemented by errors that carry an HTTP response
// status. Errors without one (DNS failures, connection resets, timeouts)
// are considered transient unless they are a canceled or expired context.
type HTTPStatusError interface {
	HTTPStatus() int
}

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RetryableStatus reports whether an HTTP status code is worth retrying:
// 408, 425, 429 and the whole 5xx range.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 && status < 600
}

// IsRetryable reports whether err is transient. Errors carrying an HTTP
// status are classified by RetryableStatus; everything else never reached
// the server, so it is retryable unless the caller's context ended.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		return RetryableStatus(statusErr.HTTPStatus())
	}
	return true
}

// Delay returns a full-jitter backoff delay for the given attempt:
// a uniformly random duration in [0, min(max, base*2^attempt)).
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	cap := base
	for i := 0; i < attempt; i++ {
		cap *= 2
		if cap >= max || cap <= 0 {
			cap = max
			break
		}
	}
	if cap > max {
		cap = max
	}

	jitterMu.Lock()
	defer jitterMu.Unlock()
	return time.Duration(jitterRnd.Int63n(int64(cap)))
}

// Options configures Do. Zero values fall back to the package defaults.
type Options struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
}

// Do runs op, retrying transient failures with full-jitter backoff until
// it succeeds, the error is fatal, retries are exhausted, or ctx ends.
// On a fatal error or exhaustion the last error is returned unchanged so
// callers can classify it; when ctx ends during a wait, ctx.Err() is
// returned.
func Do(ctx context.Context, op func() error, opts Options) error {
	retries := opts.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt >= retries || !IsRetryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Delay(attempt, opts.Base, opts.Max)):
		}
	}
}

// CheckRetry is a retryablehttp.CheckRetry implementation applying the
// same classification as IsRetryable to raw HTTP responses.
func CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return IsRetryable(err), nil
	}
	if resp == nil {
		return true, nil
	}
	return RetryableStatus(resp.StatusCode), nil
}

// FullJitterBackoff is a retryablehttp.Backoff implementation delegating
// to Delay, ignoring the Retry-After hinting of the default policy.
func FullJitterBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	return Delay(attemptNum, min, max)
}
