package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/cascadeview/internal/logging"
)

// EventType names a change published on the Bus.
type EventType string

const (
	// EventPhaseStatusChanged carries session_id, phase, from and to.
	EventPhaseStatusChanged EventType = "phase_status_changed"
	// EventCostUpdated carries session_id, phase, delta and total_cost.
	EventCostUpdated EventType = "cost_updated"
	// EventRunStatusChanged carries session_id and status.
	EventRunStatusChanged EventType = "run_status_changed"
	// EventDocumentChanged carries action and phases after an edit, undo,
	// redo or load.
	EventDocumentChanged EventType = "document_changed"
	// EventStreamError carries error when the backend stream gives up.
	EventStreamError EventType = "stream_error"
)

const defaultQueueLen = 100

// Event is one published change.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber handles events on its own goroutine.
type Subscriber func(Event)

type subscription struct {
	queue chan Event
	once  sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.queue) })
}

// Bus fans state changes out to presentation subscribers. Publish never
// waits: an event that does not fit in a subscriber's queue is dropped for
// that subscriber and counted.
type Bus struct {
	queueLen int
	now      func() time.Time
	logger   *logging.Logger
	dropped  atomic.Int64

	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	closed bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithClock stamps events with now instead of the wall clock.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// WithBusLogger reports subscriber panics to logger.
func WithBusLogger(logger *logging.Logger) BusOption {
	return func(b *Bus) { b.logger = logger.With("bus") }
}

// NewBus returns a bus that queues up to queueLen events per subscriber.
func NewBus(queueLen int, opts ...BusOption) *Bus {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	b := &Bus{
		queueLen: queueLen,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.Discard(),
		subs:     make(map[EventType][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe calls fn for every event of type t, in publish order, until the
// returned function is called or the bus is closed. Subscribing to a closed
// bus is a no-op.
func (b *Bus) Subscribe(t EventType, fn Subscriber) (unsubscribe func()) {
	sub := &subscription{queue: make(chan Event, b.queueLen)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	go b.deliver(t, sub, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, s := range list {
			if s == sub {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		sub.close()
	}
}

func (b *Bus) deliver(t EventType, sub *subscription, fn Subscriber) {
	for ev := range sub.queue {
		b.call(t, fn, ev)
	}
}

// call keeps one misbehaving subscriber from taking down the delivery loop.
func (b *Bus) call(t EventType, fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("subscriber for %s panicked: %v", t, r)
		}
	}()
	fn(ev)
}

// Publish queues an event of type t for every current subscriber.
func (b *Bus) Publish(t EventType, data map[string]interface{}) {
	ev := Event{Type: t, Timestamp: b.now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[t] {
		select {
		case sub.queue <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops every subscriber. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for t, list := range b.subs {
		for _, sub := range list {
			sub.close()
		}
		delete(b.subs, t)
	}
}
