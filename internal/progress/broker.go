// Package progress provides one-shot per-operation event streams with
// replay. Events published before the first subscriber attaches are
// buffered; every subscriber receives the full history in order before
// live events. Once an operation terminates, its buffer survives for a
// grace window so late subscribers can still observe the outcome.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one named progress event.
type Event struct {
	Type    string
	Payload any
	Seq     int // monotonically increasing per operation
}

// Terminal event types end an operation's stream.
const (
	EventComplete = "complete"
	EventError    = "error"
)

// defaultGrace is how long a finished operation's buffer is retained.
const defaultGrace = 2 * time.Minute

// subscriberBuffer bounds each subscriber's channel. A subscriber that
// cannot keep up is dropped rather than blocking the publisher.
const subscriberBuffer = 64

type operation struct {
	events      []Event
	subscribers map[int]chan Event
	nextSub     int
	done        bool
}

// Broker multiplexes progress streams across operations.
type Broker struct {
	mu     sync.Mutex
	ops    map[string]*operation
	grace  time.Duration
	logger *zap.Logger

	// evict is replaced in tests to make expiry deterministic.
	evict func(id string, after time.Duration)
}

// NewBroker constructs a progress broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		ops:    make(map[string]*operation),
		grace:  defaultGrace,
		logger: logger,
	}
	b.evict = func(id string, after time.Duration) {
		time.AfterFunc(after, func() { b.remove(id) })
	}
	return b
}

// SetGrace overrides the retention window for finished operations.
func (b *Broker) SetGrace(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grace = d
}

func (b *Broker) op(id string) *operation {
	o, ok := b.ops[id]
	if !ok {
		o = &operation{subscribers: make(map[int]chan Event)}
		b.ops[id] = o
	}
	return o
}

// Publish appends an event to the operation's stream and fans it out to
// live subscribers. Publishing a terminal event starts the grace timer.
func (b *Broker) Publish(id, eventType string, payload any) {
	b.mu.Lock()

	o := b.op(id)
	if o.done {
		b.mu.Unlock()
		b.logger.Warn("event published after terminal event dropped",
			zap.String("operation", id), zap.String("event", eventType))
		return
	}

	event := Event{Type: eventType, Payload: payload, Seq: len(o.events) + 1}
	o.events = append(o.events, event)

	var dropped []int
	for subID, ch := range o.subscribers {
		select {
		case ch <- event:
		default:
			dropped = append(dropped, subID)
		}
	}
	for _, subID := range dropped {
		close(o.subscribers[subID])
		delete(o.subscribers, subID)
	}

	terminal := eventType == EventComplete || eventType == EventError
	if terminal {
		o.done = true
		for subID, ch := range o.subscribers {
			close(ch)
			delete(o.subscribers, subID)
		}
	}
	grace := b.grace
	b.mu.Unlock()

	if len(dropped) > 0 {
		b.logger.Warn("dropped slow progress subscribers",
			zap.String("operation", id), zap.Int("count", len(dropped)))
	}
	if terminal {
		b.evict(id, grace)
	}
}

// Subscribe returns the operation's full history so far plus a channel
// of live events. The channel is closed when the operation terminates
// or the subscriber falls too far behind. The cancel func detaches the
// subscriber.
//
// Subscribing to a finished operation returns the complete history and
// an already-closed channel.
func (b *Broker) Subscribe(id string) (history []Event, live <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.op(id)
	history = make([]Event, len(o.events))
	copy(history, o.events)

	ch := make(chan Event, subscriberBuffer)
	if o.done {
		close(ch)
		return history, ch, func() {}
	}

	subID := o.nextSub
	o.nextSub++
	o.subscribers[subID] = ch

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := o.subscribers[subID]; ok {
			close(cur)
			delete(o.subscribers, subID)
		}
	}
	return history, ch, cancel
}

// Active reports whether the operation exists and has not terminated.
func (b *Broker) Active(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.ops[id]
	return ok && !o.done
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ops, id)
}
