// Package bus implements a small async pub/sub primitive used to decouple
// the session, task engine, and control plane from each other and from the
// logger's diagnostic hook.
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType discriminates published events.
type EventType string

const (
	EventPeerConnected    EventType = "peerConnected"
	EventPeerDisconnected EventType = "peerDisconnected"
	EventManifestUpdated  EventType = "manifestUpdated"

	EventTaskCreated      EventType = "taskCreated"
	EventTaskStatusUpdate EventType = "taskStatusUpdate"
	EventTaskDeadLettered EventType = "taskDeadLettered"

	EventLogEntry EventType = "logEntry"
)

// Event is one published occurrence, carrying a free-form payload.
type Event struct {
	Type    EventType              `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// EventHandler is a subscriber callback.
type EventHandler func(event Event)

// EventBus fans published events out to subscribers asynchronously. A
// single internal goroutine drains the event channel and dispatches to
// handlers, each in its own goroutine with panic recovery, so one slow or
// panicking handler cannot block publishers or other subscribers.
type EventBus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]EventHandler
	logger    *logrus.Logger
	eventChan chan Event
	stopChan  chan struct{}
}

// NewEventBus creates and starts an EventBus with a bounded event buffer.
func NewEventBus(logger *logrus.Logger) *EventBus {
	eb := &EventBus{
		handlers:  make(map[EventType][]EventHandler),
		logger:    logger,
		eventChan: make(chan Event, 256),
		stopChan:  make(chan struct{}),
	}
	go eb.processEvents()
	return eb
}

// Subscribe registers handler for eventType.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// allEventTypes enumerates every EventType this bus carries, for SubscribeAll.
var allEventTypes = []EventType{
	EventPeerConnected,
	EventPeerDisconnected,
	EventManifestUpdated,
	EventTaskCreated,
	EventTaskStatusUpdate,
	EventTaskDeadLettered,
	EventLogEntry,
}

// SubscribeAll registers handler for every known event type, for a single
// fan-out consumer (e.g. a diagnostics feed) that forwards everything on.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, eventType := range allEventTypes {
		eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	}
}

// Publish enqueues event for dispatch. If the buffer is full the event is
// dropped and a warning is logged rather than blocking the caller.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
	default:
		eb.logger.Warnf("event bus buffer full, dropping event: %s", event.Type)
	}
}

// PublishAsync is a convenience wrapper building an Event from loose parts
// and publishing it off the caller's goroutine.
func (eb *EventBus) PublishAsync(eventType EventType, payload map[string]interface{}) {
	go eb.Publish(Event{Type: eventType, Payload: payload})
}

func (eb *EventBus) processEvents() {
	for {
		select {
		case event := <-eb.eventChan:
			eb.handleEvent(event)
		case <-eb.stopChan:
			return
		}
	}
}

func (eb *EventBus) handleEvent(event Event) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Errorf("panic in event handler for %s: %v", event.Type, r)
				}
			}()
			h(event)
		}(handler)
	}
}

// Stop terminates the dispatch goroutine. Not safe to call concurrently
// with Publish.
func (eb *EventBus) Stop() {
	close(eb.stopChan)
}
