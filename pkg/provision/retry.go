package provision

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// Retry policy for transient network failures. Non-transient failures
// abort immediately. Variables so tests can shrink the waits.
var (
	retryMaxAttempts     uint = 3
	retryInitialInterval      = 1 * time.Second
	retryMaxInterval          = 8 * time.Second
	retryMultiplier           = 2.0
)

// Backoff for permission propagation delays, separate from the general
// retry policy. Freshly granted permissions and directory objects can
// take a while to become visible to dependent services.
var (
	propagationMaxAttempts     uint = 5
	propagationInitialInterval      = 5 * time.Second
	propagationMaxInterval          = 60 * time.Second
)

// RetryPropagation runs fn with the propagation backoff, retrying only
// errors classified as propagation delays.
func RetryPropagation(ctx context.Context, logger *telemetry.Logger, operation string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = propagationInitialInterval
	b.MaxInterval = propagationMaxInterval
	b.Multiplier = retryMultiplier

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !IsPropagation(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.WithError(err).WithField("attempt", attempt).
			Warnf("waiting for %s to propagate", operation)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(propagationMaxAttempts))
	return err
}

// retryTransient runs fn up to retryMaxAttempts times with exponential
// backoff, retrying only transient network-class failures.
func retryTransient[T any](ctx context.Context, logger *telemetry.Logger, operation string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.Multiplier = retryMultiplier

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		logger.WithError(err).WithField("attempt", attempt).
			Warnf("transient failure in %s, will retry", operation)
		return result, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(retryMaxAttempts))
}
