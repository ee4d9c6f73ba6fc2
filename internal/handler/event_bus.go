// internal/handler/event_bus.go
package handler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"picoammeter-service/internal/model"
)

const (
	eventQueueSize      = 1000
	subscriberQueueSize = 256
)

// EventBus fans instrument events out to stream subscribers. A single
// distributor goroutine drains one FIFO queue, so every subscriber sees
// events in publish order.
type EventBus struct {
	subscribers map[string]*subscription
	events      chan model.Event
	mutex       sync.RWMutex
	logger      *zap.Logger
	dropped     atomic.Int64
}

type subscription struct {
	ch    chan model.Event
	types map[model.EventType]bool
}

func (s *subscription) wants(eventType model.EventType) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string]*subscription),
		events:      make(chan model.Event, eventQueueSize),
		logger:      logger.With(zap.String("component", "event-bus")),
	}
}

// Start distributes events until ctx is cancelled, then closes every
// subscriber channel
func (eb *EventBus) Start(ctx context.Context) {
	defer eb.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.events:
			eb.distributeEvent(event)
		}
	}
}

// Publish queues an event. It never blocks the sampling goroutine; when the
// queue is full the event is dropped.
func (eb *EventBus) Publish(event model.Event) {
	select {
	case eb.events <- event:
	default:
		eb.dropped.Add(1)
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// Subscribe registers a subscriber for the given event types, or for all
// of them when none are named
func (eb *EventBus) Subscribe(types ...model.EventType) (string, <-chan model.Event) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	sub := &subscription{
		ch:    make(chan model.Event, subscriberQueueSize),
		types: make(map[model.EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	id := uuid.New().String()
	eb.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel
func (eb *EventBus) Unsubscribe(id string) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if sub, ok := eb.subscribers[id]; ok {
		delete(eb.subscribers, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	return len(eb.subscribers)
}

// Dropped returns how many events were lost to a full queue or a slow
// subscriber
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// distributeEvent holds the read lock while sending so Unsubscribe cannot
// close a channel mid-send
func (eb *EventBus) distributeEvent(event model.Event) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for id, sub := range eb.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
			eb.logger.Debug("Subscriber is slow, skipping event",
				zap.String("subscriber", id),
				zap.String("event_type", string(event.Type)),
			)
		}
	}
}

func (eb *EventBus) closeAll() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	for id, sub := range eb.subscribers {
		close(sub.ch)
		delete(eb.subscribers, id)
	}
}
