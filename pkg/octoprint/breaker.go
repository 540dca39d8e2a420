package octoprint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerClient fails fast once a device has stopped answering.
// Only ErrDeviceUnreachable counts as a failure; API errors do not trip it.
type BreakerClient struct {
	inner Printer
	cb    *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the breaker
type BreakerSettings struct {
	// Failures is the number of consecutive unreachable errors that opens the circuit
	Failures uint32
	// OpenFor is how long the circuit stays open before a trial request
	OpenFor time.Duration
	// OnStateChange is called on every transition, may be nil
	OnStateChange func(name string, from, to gobreaker.State)
}

// NewBreakerClient wraps inner with a circuit breaker named after the device
func NewBreakerClient(name string, inner Printer, settings BreakerSettings) *BreakerClient {
	if settings.Failures == 0 {
		settings.Failures = 3
	}
	if settings.OpenFor <= 0 {
		settings.OpenFor = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrDeviceUnreachable)
		},
		OnStateChange: settings.OnStateChange,
	})
	return &BreakerClient{inner: inner, cb: cb}
}

// State returns the breaker state
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerClient) run(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	return err
}

func (b *BreakerClient) GetStatus(ctx context.Context) (*Status, error) {
	var status *Status
	err := b.run(func() error {
		var err error
		status, err = b.inner.GetStatus(ctx)
		return err
	})
	return status, err
}

func (b *BreakerClient) UploadAndSelect(ctx context.Context, path string) (string, error) {
	var name string
	err := b.run(func() error {
		var err error
		name, err = b.inner.UploadAndSelect(ctx, path)
		return err
	})
	return name, err
}

func (b *BreakerClient) Start(ctx context.Context, name string) error {
	return b.run(func() error { return b.inner.Start(ctx, name) })
}

func (b *BreakerClient) Cancel(ctx context.Context) error {
	return b.run(func() error { return b.inner.Cancel(ctx) })
}

func (b *BreakerClient) Pause(ctx context.Context) error {
	return b.run(func() error { return b.inner.Pause(ctx) })
}

func (b *BreakerClient) Resume(ctx context.Context) error {
	return b.run(func() error { return b.inner.Resume(ctx) })
}

func (b *BreakerClient) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	var files []RemoteFile
	err := b.run(func() error {
		var err error
		files, err = b.inner.ListFiles(ctx)
		return err
	})
	return files, err
}

func (b *BreakerClient) DeleteFile(ctx context.Context, name string) error {
	return b.run(func() error { return b.inner.DeleteFile(ctx, name) })
}

var _ Printer = (*BreakerClient)(nil)
