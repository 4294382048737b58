// Package events implements the in-memory publish-subscribe fan-out used for
// the live event channel.
package events

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds each subscriber's queue when no explicit size is
// configured. A disconnected or stalled client can hold at most this many
// serialized events before being dropped.
const DefaultQueueSize = 64

// Subscriber is one registered consumer. The transport drains C until it is
// closed (slow-consumer drop) or the transport itself goes away.
type Subscriber struct {
	id string
	ch chan []byte
}

// C returns the subscriber's receive channel. It is closed when the broker
// drops or unregisters the subscriber.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// ID returns the subscriber's opaque identifier.
func (s *Subscriber) ID() string { return s.id }

// Broker fans published events out to all live subscribers. Publishing is
// best-effort and never blocks: subscribers whose queues are full are dropped,
// not waited on.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]*Subscriber
	queueSize int

	// DropHook, when set, runs once per dropped slow subscriber.
	DropHook func()
}

// NewBroker creates a broker whose subscribers each get a queue of queueSize
// events (DefaultQueueSize if <= 0).
func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan []byte, b.queueSize),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe deregisters a subscriber. Idempotent; safe after a drop.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish serializes {type, data} once and enqueues it to every subscriber
// without blocking. A subscriber with a full queue is unregistered and its
// channel closed; the message is not delivered to it.
func (b *Broker) Publish(kind string, data any) {
	payload, err := json.Marshal(map[string]any{"type": kind, "data": data})
	if err != nil {
		log.Printf("[events] drop unserializable %s event: %v", kind, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- payload:
		default:
			delete(b.subs, id)
			close(sub.ch)
			log.Printf("[events] dropped slow subscriber %s", id)
			if b.DropHook != nil {
				b.DropHook()
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
