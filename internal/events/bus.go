package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the number of events the bus buffers before dropping.
const DefaultQueueSize = 1024

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an ordered event queue. Emit never blocks the caller; a single
// dispatcher goroutine delivers events in emit order, calling the handlers
// of each event in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	queue    chan Event
	stopped  bool
	started  bool
	wg       sync.WaitGroup
	dropped  atomic.Uint64
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a bus with the given queue size. A size below 1 uses
// DefaultQueueSize.
func NewEventBus(queueSize int) *EventBus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		queue:    make(chan Event, queueSize),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging/debugging purposes.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered
}

// Start runs the dispatcher until Stop is called. ctx is passed to handlers.
func (eb *EventBus) Start(ctx context.Context) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.started || eb.stopped {
		return
	}
	eb.started = true

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for event := range eb.queue {
			eb.dispatch(ctx, event)
		}
	}()
}

// Emit queues an event. If the queue is full the event is dropped and logged.
func (eb *EventBus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	select {
	case eb.queue <- event:
	default:
		eb.dropped.Add(1)
		log.Warn().
			Str("event", string(event.Type)).
			Str("source", event.Source).
			Msg("event queue full, event dropped")
	}
}

// EmitSync delivers an event on the caller's goroutine and returns the
// first handler error. It bypasses the queue.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	return eb.dispatch(ctx, event)
}

func (eb *EventBus) dispatch(ctx context.Context, event Event) error {
	eb.mu.RLock()
	handlers := make([]handlerEntry, len(eb.handlers[event.Type]))
	copy(handlers, eb.handlers[event.Type])
	eb.mu.RUnlock()

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("dispatching event")

	var firstErr error
	for _, h := range handlers {
		if err := eb.call(ctx, h, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (eb *EventBus) call(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop stops accepting events, delivers what is already queued, and waits
// for the dispatcher to finish.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.queue)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

// Pending returns the number of queued events.
func (eb *EventBus) Pending() int {
	return len(eb.queue)
}

// Dropped returns the number of events dropped because the queue was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
