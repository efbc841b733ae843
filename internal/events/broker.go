// Package events provides the publish/subscribe bus for pipeline lifecycle
// and log events.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/autoci/internal/models"
)

// subscriberBuffer is the channel capacity given to each subscriber.
const subscriberBuffer = 100

// Subscriber represents an event stream subscriber.
type Subscriber struct {
	ID        string
	JobID     string // "" for every job
	Ch        chan models.Event
	CreatedAt time.Time
}

// Sink receives every event synchronously on the publishing goroutine.
// Implementations must not block.
type Sink interface {
	Handle(event models.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event models.Event)

// Handle calls f(event).
func (f SinkFunc) Handle(event models.Event) { f(event) }

// Broker manages subscriptions and publishing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // subscriber ID -> subscriber
	sinks       []Sink
	closed      bool
	logger      *slog.Logger
}

// NewBroker creates a new event broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe creates a new subscription. An empty jobID receives events for
// every job. Subscribing to a closed broker returns a closed channel.
func (b *Broker) Subscribe(jobID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Ch:        make(chan models.Event, subscriberBuffer),
		CreatedAt: time.Now(),
	}
	if b.closed {
		close(sub.Ch)
		return sub
	}

	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added",
		"subscriber_id", sub.ID,
		"job_id", jobID,
	)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// AddSink registers a sink that sees every event.
func (b *Broker) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish delivers event to all sinks and matching subscribers. It never
// blocks: a subscriber whose buffer is full misses the event.
func (b *Broker) Publish(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sink := range b.sinks {
		sink.Handle(event)
	}

	for _, sub := range b.subscribers {
		if sub.JobID != "" && sub.JobID != event.JobID {
			continue
		}
		select {
		case sub.Ch <- event:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"job_id", event.JobID,
				"event_type", event.Type,
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close removes every subscriber and closes their channels. Later
// publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
	b.logger.Debug("broker closed")
}
