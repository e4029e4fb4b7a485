package rpc

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/errors"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
)

// RetryPolicy re-issues a failed call MaxRetries times with a fixed Delay
// between attempts
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return newValidationError("maxRetries", p.MaxRetries, "max retries must not be negative")
	}
	if p.Delay < 0 {
		return newValidationError("retryDelay", p.Delay, "retry delay must not be negative")
	}

	return nil
}

func retryable(err error) bool {
	switch err.(type) {
	case *RPCError, *TimeoutError:
		return true
	}

	return false
}

// Retry runs call up to policy.MaxRetries+1 times, one after the other.
// Only *RPCError and *TimeoutError are retried; anything else is returned
// straight away.  When every attempt fails the last error is returned as is.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, operation string, call func() (*Response, error)) (*Response, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}

		if !retryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt == policy.MaxRetries {
			break
		}

		logging.Logger(ctx).WithError(err).Warnf("%s: attempt %d of %d failed, retrying in %s",
			operation, attempt+1, policy.MaxRetries+1, policy.Delay)

		if policy.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrapf(ctx.Err(), "%s: waiting to retry", operation)
			case <-clk.After(policy.Delay):
			}
		}
	}

	logging.Logger(ctx).WithError(lastErr).Errorf("%s: giving up after %d attempts", operation, policy.MaxRetries+1)
	return nil, lastErr
}
