package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/storage"
)

// newBreaker builds the circuit breaker guarding storage access. Only
// transient storage errors count as failures; domain errors (unknown queue,
// lock mismatch) pass through without affecting breaker state.
func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "storage",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !storage.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.WithComponent("engine")
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
}

// withRetry runs fn through the circuit breaker, retrying transient storage
// errors with exponential backoff. An open breaker or an exhausted retry
// budget surfaces ErrStorageUnavailable; everything else passes through.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := time.Duration(e.cfg.RetryBackoffMs) * time.Millisecond
	var err error

	for attempt := 0; ; attempt++ {
		_, err = e.breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrStorageUnavailable)
		}
		if !storage.IsTransient(err) || attempt >= e.cfg.RetryAttempts {
			break
		}

		logger := log.WithComponent("engine")
		logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("transient storage error, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	if storage.IsTransient(err) {
		return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
	}
	return err
}
