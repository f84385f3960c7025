package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// EventType identifies a lifecycle event
type EventType string

const (
	EventSubmitted  EventType = "task.submitted"
	EventDispatched EventType = "task.dispatched"
	EventCompleted  EventType = "task.completed"
	EventFailed     EventType = "task.failed"
	EventRetrying   EventType = "task.retrying"
	EventRequeued   EventType = "task.requeued"
	EventCancelled  EventType = "task.cancelled"
	EventEvicted    EventType = "task.evicted"
)

// Event describes one lifecycle transition
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	TaskID    string        `json:"task_id"`
	TaskName  string        `json:"task_name,omitempty"`
	State     task.State    `json:"status,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Backend   task.Backend  `json:"backend,omitempty"`
	WorkerID  string        `json:"worker_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func eventFor(typ EventType, t *task.Task) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		TaskID:    t.ID,
		TaskName:  t.Name,
		State:     t.State,
		Attempt:   t.AttemptCount,
		Backend:   t.Backend,
		WorkerID:  t.WorkerID,
		Error:     t.Error,
		Timestamp: time.Now(),
	}
}

// Subscription receives events on C until it is closed
type Subscription struct {
	ID      string
	C       <-chan Event
	ch      chan Event
	Created time.Time
	dropped atomic.Int64
}

// Dropped returns the number of events this subscriber missed
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// EventBusMetrics tracks event bus counters
type EventBusMetrics struct {
	EventsPublished   int64 `json:"events_published"`
	EventsDelivered   int64 `json:"events_delivered"`
	EventsDropped     int64 `json:"events_dropped"`
	ActiveSubscribers int   `json:"active_subscribers"`
}

// EventBus fans lifecycle events out to subscribers without blocking the
// publisher. A subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewEventBus creates an event bus
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber with the given buffer size
func (b *EventBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		ID:      uuid.New().String(),
		C:       ch,
		ch:      ch,
		Created: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub

	log.Debug().Str("subscription_id", sub.ID).Int("buffer", buffer).Msg("Event subscription created")
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	close(sub.ch)
	return true
}

// Publish delivers e to every subscriber that has room for it
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
			b.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Metrics returns event bus counters
func (b *EventBus) Metrics() EventBusMetrics {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()

	return EventBusMetrics{
		EventsPublished:   b.published.Load(),
		EventsDelivered:   b.delivered.Load(),
		EventsDropped:     b.dropped.Load(),
		ActiveSubscribers: active,
	}
}

// Close closes every subscription; later publishes are ignored
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
