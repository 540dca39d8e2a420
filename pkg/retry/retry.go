package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPermanent marks an error that must not be retried
var ErrPermanent = errors.New("permanent error")

// Policy describes how often and how patiently an operation is retried
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Retryable classifies failures. Nil means IsRetryable.
	Retryable func(err error) bool

	// OnRetry is called before each wait with the failed attempt number (1-based)
	OnRetry func(attempt int, err error, wait time.Duration)
}

// StartupPolicy waits for a database that is still coming up: five retries
// over roughly half a minute
func StartupPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}
}

// Backoff returns the wait after the given failed attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	wait := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * p.Multiplier)
		if p.MaxBackoff > 0 && wait >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return wait
}

// Permanent wraps err so Do stops immediately
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// retries are used up or ctx is done.
func Do(ctx context.Context, p Policy, fn func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn()
		switch {
		case err == nil:
			return nil
		case !retryable(err):
			return err
		case attempt > p.MaxRetries:
			return fmt.Errorf("max retries (%d) exceeded: %w", p.MaxRetries, err)
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// transientMarkers are substrings of driver and network errors that clear up on their own
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"temporary failure",
	"database is locked",
	"the database system is starting up",
	"too many clients",
	"broken pipe",
	"eof",
}

// IsRetryable reports whether err looks like a transient network or database failure
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
