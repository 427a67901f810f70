package transcription

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds provider retries. MaxAttempts <= 1 means a single attempt.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Attempt performs one provider call. It is invoked again for every retry, so it must open a
// fresh audio stream each time.
type Attempt func(ctx context.Context) (*Response, error)

// Retry runs attempt until it succeeds, fails permanently, or the policy is exhausted.
// notify, if set, is called before each wait.
func Retry(ctx context.Context, policy RetryPolicy, attempt Attempt, notify func(err error, wait time.Duration)) (*Response, error) {
	if policy.MaxAttempts <= 1 {
		return attempt(ctx)
	}
	eb := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		eb.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		eb.MaxInterval = policy.MaxInterval
	}

	op := func() (*Response, error) {
		resp, err := attempt(ctx)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, op, opts...)
}

// IsRetryable reports whether a failed call may succeed when repeated: transport errors,
// rate limiting and provider-side 5xx.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status == http.StatusTooManyRequests || upstream.Status >= 500
	}
	var payload *PayloadError
	if errors.As(err, &payload) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
