package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psantana5/printfarm/pkg/models"
)

const (
	TypeFleetSnapshot = "fleet.snapshot"
	TypeQueueUpdated  = "queue.updated"
)

// Queue actions carried by queue.updated events
const (
	ActionAdded     = "added"
	ActionCancelled = "cancelled"
	ActionStarted   = "started"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
	ActionPriority  = "priority"
	ActionDeferred  = "deferred"
)

// Event is the envelope sent to subscribers
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// QueueEvent describes a change to one job
type QueueEvent struct {
	Action   string `json:"action"`
	JobID    string `json:"job_id"`
	OwnerID  string `json:"owner_id"`
	DeviceID string `json:"device_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Publisher fans fleet and queue changes out to observers
type Publisher interface {
	PublishSnapshot(ctx context.Context, snapshot models.FleetSnapshot) error
	PublishQueue(ctx context.Context, ev QueueEvent) error
}

// Hub is an in-process publisher. It keeps the last snapshot for GET /fleet.
type Hub struct {
	mu          sync.RWMutex
	last        *models.FleetSnapshot
	subscribers map[int]chan Event
	nextID      int
	buffer      int
}

// NewHub creates a hub whose subscriber channels hold buffer events
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subscribers: make(map[int]chan Event), buffer: buffer}
}

// PublishSnapshot stores the snapshot and delivers it to subscribers
func (h *Hub) PublishSnapshot(ctx context.Context, snapshot models.FleetSnapshot) error {
	h.mu.Lock()
	s := snapshot
	h.last = &s
	h.mu.Unlock()

	h.broadcast(Event{Type: TypeFleetSnapshot, Timestamp: snapshot.Timestamp, Payload: snapshot})
	return nil
}

// PublishQueue delivers a queue event to subscribers
func (h *Hub) PublishQueue(ctx context.Context, ev QueueEvent) error {
	h.broadcast(Event{Type: TypeQueueUpdated, Timestamp: time.Now().UTC(), Payload: ev})
	return nil
}

// broadcast never blocks; a full subscriber misses the event
func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// LastSnapshot returns the most recent snapshot
func (h *Hub) LastSnapshot() (models.FleetSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return models.FleetSnapshot{}, false
	}
	return *h.last, true
}

// Subscribe returns a channel of events and a function that unsubscribes
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Fanout publishes to several publishers and joins their errors
type Fanout []Publisher

func (f Fanout) PublishSnapshot(ctx context.Context, snapshot models.FleetSnapshot) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishSnapshot(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishQueue(ctx context.Context, ev QueueEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishQueue(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = (*Hub)(nil)
	_ Publisher = Fanout(nil)
)
