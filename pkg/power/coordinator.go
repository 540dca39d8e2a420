package power

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/printfarm/pkg/logging"
	"github.com/psantana5/printfarm/pkg/models"
)

var (
	// ErrUnknownDevice is returned for a device id with no relay channel
	ErrUnknownDevice = errors.New("unknown device")
	// ErrPowerCommandFailed wraps a serial write failure
	ErrPowerCommandFailed = errors.New("power command failed")
	// ErrDuplicateChannel rejects a mapping that reuses a channel
	ErrDuplicateChannel = errors.New("relay channel already mapped")
)

const (
	// DefaultCommandDelay spaces out commands in ToggleAll
	DefaultCommandDelay = 100 * time.Millisecond
	// DefaultWriteTimeout bounds a single serial write
	DefaultWriteTimeout = 2 * time.Second
)

// Port is the write side of a serial connection
type Port interface {
	io.Writer
	Close() error
}

// Result reports the outcome of one channel command
type Result struct {
	DeviceID string `json:"device_id"`
	Channel  int    `json:"channel"`
	On       bool   `json:"on"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Observer is told about every command outcome
type Observer func(r Result)

// Coordinator owns the serial connection and serializes every relay command
type Coordinator struct {
	mu       sync.Mutex // guards port writes and states
	port     Port
	encode   Encoder
	channels map[string]int
	states   map[int]models.PowerState
	delay    time.Duration
	timeout  time.Duration
	pending  chan struct{} // closed when a timed-out write finally returns
	logger   *logging.Logger
	observer Observer
	sleep    func(time.Duration)
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithEncoder selects the wire encoding
func WithEncoder(e Encoder) Option {
	return func(c *Coordinator) { c.encode = e }
}

// WithCommandDelay sets the pause between commands in ToggleAll
func WithCommandDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.delay = d }
}

// WithWriteTimeout bounds each serial write
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithObserver registers a callback for command outcomes
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// NewCoordinator creates a coordinator for a static deviceID → channel mapping.
// The mapping must be one to one.
func NewCoordinator(port Port, mapping map[string]int, logger *logging.Logger, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		port:     port,
		encode:   TextEncoder,
		channels: make(map[string]int, len(mapping)),
		states:   make(map[int]models.PowerState, len(mapping)),
		delay:    DefaultCommandDelay,
		timeout:  DefaultWriteTimeout,
		logger:   logger,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}

	seen := make(map[int]string, len(mapping))
	for deviceID, ch := range mapping {
		if ch <= 0 {
			return nil, fmt.Errorf("device %s: invalid relay channel %d", deviceID, ch)
		}
		if other, ok := seen[ch]; ok {
			return nil, fmt.Errorf("%w: channel %d used by %s and %s", ErrDuplicateChannel, ch, other, deviceID)
		}
		seen[ch] = deviceID
		c.channels[deviceID] = ch
		c.states[ch] = models.PowerUnknown
	}
	return c, nil
}

// Channel resolves a device id to its relay channel
func (c *Coordinator) Channel(deviceID string) (int, error) {
	ch, ok := c.channels[deviceID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return ch, nil
}

// SetPower switches one device. The remembered state changes only after the write succeeds.
func (c *Coordinator) SetPower(deviceID string, on bool) (Result, error) {
	ch, err := c.Channel(deviceID)
	if err != nil {
		return Result{DeviceID: deviceID, On: on, Error: err.Error()}, err
	}

	c.mu.Lock()
	err = c.writeLocked(ch, on)
	if err == nil {
		c.states[ch] = models.PowerStateOf(on)
	}
	c.mu.Unlock()

	res := Result{DeviceID: deviceID, Channel: ch, On: on, Success: err == nil}
	if err != nil {
		res.Error = err.Error()
		c.logger.Error("Relay command failed", map[string]interface{}{
			"device_id": deviceID, "channel": ch, "on": on, "error": err.Error(),
		})
	} else {
		c.logger.Info("Relay switched", map[string]interface{}{
			"device_id": deviceID, "channel": ch, "state": models.PowerStateOf(on).String(),
		})
	}
	if c.observer != nil {
		c.observer(res)
	}
	return res, err
}

type writeResult struct {
	n   int
	err error
}

// writeLocked sends one frame. The port has no write deadline, so the write
// runs on its own goroutine; while a timed-out write is still stuck every
// further command fails instead of queueing behind it.
func (c *Coordinator) writeLocked(ch int, on bool) error {
	if c.port == nil {
		return fmt.Errorf("%w: serial port not open", ErrPowerCommandFailed)
	}
	if c.pending != nil {
		select {
		case <-c.pending:
			c.pending = nil
		default:
			return fmt.Errorf("%w: channel %d: previous write still pending", ErrPowerCommandFailed, ch)
		}
	}

	frame := c.encode(ch, on)
	port := c.port
	done := make(chan writeResult, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		n, err := port.Write(frame)
		done <- writeResult{n: n, err: err}
	}()

	var res writeResult
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		select {
		case res = <-done:
		case <-timer.C:
			c.pending = finished
			return fmt.Errorf("%w: channel %d: write timed out after %s", ErrPowerCommandFailed, ch, c.timeout)
		}
	} else {
		res = <-done
	}

	if res.err != nil {
		return fmt.Errorf("%w: channel %d: %v", ErrPowerCommandFailed, ch, res.err)
	}
	if res.n != len(frame) {
		return fmt.Errorf("%w: channel %d: short write %d/%d", ErrPowerCommandFailed, ch, res.n, len(frame))
	}
	return nil
}

// GetState returns the last known state of a device's channel
func (c *Coordinator) GetState(deviceID string) (models.PowerState, error) {
	ch, err := c.Channel(deviceID)
	if err != nil {
		return models.PowerUnknown, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[ch], nil
}

// States returns every mapped device with its channel and last known state, in channel order
func (c *Coordinator) States() []models.RelayChannel {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.RelayChannel, 0, len(c.channels))
	for deviceID, ch := range c.channels {
		out = append(out, models.RelayChannel{Channel: ch, DeviceID: deviceID, State: c.states[ch]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// ToggleAll switches every channel in channel order, one at a time.
// A failing channel does not stop the rest; skip may veto individual devices.
func (c *Coordinator) ToggleAll(on bool, skip func(deviceID string) bool) []Result {
	relays := c.States()
	results := make([]Result, 0, len(relays))
	for i, relay := range relays {
		if skip != nil && skip(relay.DeviceID) {
			c.logger.Warn("Skipping relay", map[string]interface{}{"device_id": relay.DeviceID, "channel": relay.Channel})
			results = append(results, Result{DeviceID: relay.DeviceID, Channel: relay.Channel, On: on, Error: "skipped"})
			continue
		}
		res, _ := c.SetPower(relay.DeviceID, on)
		results = append(results, res)
		if i < len(relays)-1 && c.delay > 0 {
			c.sleep(c.delay)
		}
	}
	return results
}

// Resync records states read back from the hardware. It never sends a command.
func (c *Coordinator) Resync(states map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for deviceID, on := range states {
		if ch, ok := c.channels[deviceID]; ok {
			c.states[ch] = models.PowerStateOf(on)
		}
	}
}

// Close closes the serial port
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}
