// Package callbackretry retries calls to other brokers with capped,
// jittered exponential backoff.
package callbackretry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/workspace/session-broker/internal/logging"
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds the retries of one operation.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts counts the first call. Zero means retry until ctx ends.
	MaxAttempts int
}

// DefaultPolicy suits short release notifications.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxAttempts:  4,
	}
}

// Do calls fn until it succeeds, returns a PermanentError, exhausts
// MaxAttempts or ctx ends. The returned error wraps the last failure.
func Do(ctx context.Context, p Policy, operation string, fn func(ctx context.Context) error) error {
	def := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}

	logger := logging.With("callbackretry", "operation", operation)
	delay := p.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Call succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			logger.Warn("Call failed permanently", "attempt", attempt, "error", perm.Err)
			return perm.Err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", operation, attempt, err)
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		logger.Debug("Call failed, retrying", "attempt", attempt, "delay", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), err)
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
