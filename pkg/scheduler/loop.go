package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/printfarm/pkg/logging"
	"github.com/psantana5/printfarm/pkg/metrics"
	"github.com/psantana5/printfarm/pkg/tracing"
)

// ErrTickInProgress is returned by RunDispatchNow while a dispatch pass is running
var ErrTickInProgress = errors.New("dispatch already in progress")

// Loop names used in logs and metrics
const (
	LoopPoll     = "poll"
	LoopDispatch = "dispatch"
)

// Config holds scheduler loop configuration
type Config struct {
	PollInterval     time.Duration // How often devices are polled
	DispatchInterval time.Duration // How often queued jobs are dispatched
	StopTimeout      time.Duration // How long Stop waits for running ticks
}

// DefaultConfig returns the reference cadences
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     30 * time.Second,
		DispatchInterval: 10 * time.Second,
		StopTimeout:      10 * time.Second,
	}
}

// Loop owns the poller and dispatcher timers. Each tick is isolated: an
// error or panic is logged and the timer keeps going. A tick that is due
// while the previous one of the same loop is still running is skipped.
type Loop struct {
	poller     *Poller
	dispatcher *Dispatcher
	config     *Config
	metrics    *metrics.Exporter
	logger     *logging.Logger
	tracer     trace.Tracer

	autoProcessing atomic.Bool
	polling        atomic.Bool
	dispatching    atomic.Bool
	started        atomic.Bool

	trigger      chan struct{}
	stopCh       chan struct{}
	pollDone     chan struct{}
	dispatchDone chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	startOnce    sync.Once
	stopOnce     sync.Once
}

// NewLoop creates a scheduler loop. Auto processing starts enabled.
func NewLoop(poller *Poller, dispatcher *Dispatcher, config *Config, m *metrics.Exporter, logger *logging.Logger) *Loop {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = defaults.DispatchInterval
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		poller:       poller,
		dispatcher:   dispatcher,
		config:       config,
		metrics:      m,
		logger:       componentLogger(logger, "scheduler"),
		tracer:       tracer(),
		trigger:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		pollDone:     make(chan struct{}),
		dispatchDone: make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	l.autoProcessing.Store(true)
	return l
}

// Start launches both loops. The first poll runs immediately.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.started.Store(true)
		l.logger.Info("Starting scheduler", map[string]interface{}{
			"poll_interval":     l.config.PollInterval.String(),
			"dispatch_interval": l.config.DispatchInterval.String(),
		})
		go l.pollLoop()
		go l.dispatchLoop()
	})
}

// Stop stops both loops and waits for running ticks to return
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.logger.Info("Stopping scheduler")
		close(l.stopCh)
		if !l.started.Load() {
			l.cancel()
			return
		}

		done := make(chan struct{})
		go func() {
			<-l.pollDone
			<-l.dispatchDone
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(l.config.StopTimeout):
			l.logger.Warn("Timeout waiting for scheduler loops to stop")
		}
		l.cancel()
		l.logger.Info("Scheduler stopped")
	})
}

// SetAutoProcessing pauses or resumes the dispatch timer. Polling is unaffected.
func (l *Loop) SetAutoProcessing(enabled bool) {
	if l.autoProcessing.Swap(enabled) != enabled {
		l.logger.Info("Auto processing changed", map[string]interface{}{"enabled": enabled})
	}
}

// AutoProcessing reports whether the dispatch timer is active
func (l *Loop) AutoProcessing() bool {
	return l.autoProcessing.Load()
}

// Trigger asks for a dispatch pass as soon as possible. It never blocks and
// is ignored while auto processing is disabled.
func (l *Loop) Trigger() {
	if !l.AutoProcessing() {
		return
	}
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// RunDispatchNow runs one dispatch pass synchronously, regardless of auto processing
func (l *Loop) RunDispatchNow(ctx context.Context) ([]Outcome, error) {
	var outcomes []Outcome
	ran, err := l.runTick(ctx, LoopDispatch, &l.dispatching, func(ctx context.Context) error {
		var err error
		outcomes, err = l.dispatcher.Tick(ctx)
		return err
	})
	if !ran {
		return nil, ErrTickInProgress
	}
	return outcomes, err
}

// PollNow runs one poll pass synchronously
func (l *Loop) PollNow(ctx context.Context) error {
	ran, err := l.runTick(ctx, LoopPoll, &l.polling, l.poller.Tick)
	if !ran {
		return ErrTickInProgress
	}
	return err
}

func (l *Loop) pollLoop() {
	defer close(l.pollDone)

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	l.pollTick()
	for {
		select {
		case <-ticker.C:
			l.pollTick()
			l.dropStale(ticker.C, LoopPoll)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loop) dispatchLoop() {
	defer close(l.dispatchDone)

	ticker := time.NewTicker(l.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.AutoProcessing() {
				l.dispatchTick()
				l.dropStale(ticker.C, LoopDispatch)
			}
		case <-l.trigger:
			l.dispatchTick()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loop) pollTick() {
	if _, err := l.runTick(l.ctx, LoopPoll, &l.polling, l.poller.Tick); err != nil {
		l.logger.Error("Poll tick failed", map[string]interface{}{"error": err.Error()})
	}
}

func (l *Loop) dispatchTick() {
	ran, err := l.runTick(l.ctx, LoopDispatch, &l.dispatching, func(ctx context.Context) error {
		_, err := l.dispatcher.Tick(ctx)
		return err
	})
	if ran && err != nil {
		l.logger.Error("Dispatch tick failed", map[string]interface{}{"error": err.Error()})
	}
}

// dropStale discards a tick that came due while the last one was running
func (l *Loop) dropStale(c <-chan time.Time, loop string) {
	select {
	case <-c:
		l.logger.Warn("Tick skipped, previous tick overran", map[string]interface{}{"loop": loop})
		l.metrics.RecordTickSkipped(loop)
	default:
	}
}

// runTick runs fn unless a tick of the same loop is in flight. Panics are
// converted to errors so the timer survives a bad cycle.
func (l *Loop) runTick(ctx context.Context, loop string, running *atomic.Bool, fn func(context.Context) error) (ran bool, err error) {
	if !running.CompareAndSwap(false, true) {
		l.logger.Warn("Tick skipped, previous tick still running", map[string]interface{}{"loop": loop})
		l.metrics.RecordTickSkipped(loop)
		return false, nil
	}
	defer running.Store(false)

	ctx, span := l.tracer.Start(ctx, "scheduler."+loop, trace.WithAttributes(tracing.LoopKey.String(loop)))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s tick: %v", loop, r)
			l.logger.Error("Recovered from panic", map[string]interface{}{
				"loop":  loop,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
		}
		tracing.Fail(span, err)
		span.End()
		l.metrics.ObserveTick(loop, time.Since(start))
	}()

	ran = true
	err = fn(ctx)
	return ran, err
}
