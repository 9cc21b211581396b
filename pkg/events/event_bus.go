// pkg/events/event_bus.go
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType defines the type of inventory event
type EventType string

const (
	EventAdapterRegistered EventType = "adapter_registered"
	EventFetchStarted      EventType = "fetch_started"
	EventFetchCompleted    EventType = "fetch_completed"
	EventFetchFailed       EventType = "fetch_failed"
	EventDeviceDiscovered  EventType = "device_discovered"
	EventDeviceUpdated     EventType = "device_updated"
	EventUserDiscovered    EventType = "user_discovered"
	EventEntityLinked      EventType = "entity_linked"
	EventActionTriggered   EventType = "action_triggered"
	EventActionFailed      EventType = "action_failed"
	// scheduler lifecycle
	EventSystemStatus EventType = "system_status"
	EventSystemError  EventType = "system_error"
)

// Event represents something that happened in the inventory
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Source      string                 `json:"source"` // adapter, scheduler, correlator...
	Target      string                 `json:"target"` // device key, client id, job name
	Severity    string                 `json:"severity"`
	Timestamp   time.Time              `json:"timestamp"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data"`
	Tags        []string               `json:"tags"`
}

// EventHandler defines the interface for event handlers
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
	GetEventTypes() []EventType
}

// Publisher is the sending half of the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// WaitPublisher is a Publisher that can hold an event until the bus has
// room for it.
type WaitPublisher interface {
	Publisher
	PublishWait(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to EventHandler for the given types.
func HandlerFunc(fn func(ctx context.Context, event Event) error, types ...EventType) EventHandler {
	return funcHandler{fn: fn, types: types}
}

type funcHandler struct {
	fn    func(ctx context.Context, event Event) error
	types []EventType
}

func (h funcHandler) Handle(ctx context.Context, event Event) error { return h.fn(ctx, event) }
func (h funcHandler) GetEventTypes() []EventType                    { return h.types }

// EventBus manages event distribution between fleet components
type EventBus struct {
	handlers    map[EventType][]EventHandler
	buffer      chan Event
	logger      zerolog.Logger
	mu          sync.RWMutex
	metrics     EventMetrics
	running     bool
	stopChannel chan struct{}
	wg          sync.WaitGroup

	dedup     *EventDeduplicator
	validator *EventValidator
}

type EventMetrics struct {
	EventsPublished    int64            `json:"events_published"`
	EventsProcessed    int64            `json:"events_processed"`
	EventsDropped      int64            `json:"events_dropped"`
	EventsDeduplicated int64            `json:"events_deduplicated"`
	EventsRejected     int64            `json:"events_rejected"`
	EventsByType       map[string]int64 `json:"events_by_type"`
	EventsBySeverity   map[string]int64 `json:"events_by_severity"`
	HandlerErrors      int64            `json:"handler_errors"`
	AverageProcessing  time.Duration    `json:"average_processing_time"`
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithDeduplicator drops events the deduplicator has already seen.
func WithDeduplicator(d *EventDeduplicator) Option {
	return func(eb *EventBus) { eb.dedup = d }
}

// WithValidator rejects events failing validation.
func WithValidator(v *EventValidator) Option {
	return func(eb *EventBus) { eb.validator = v }
}

// NewEventBus creates a new event bus
func NewEventBus(logger zerolog.Logger, bufferSize int, opts ...Option) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	eb := &EventBus{
		handlers:    make(map[EventType][]EventHandler),
		buffer:      make(chan Event, bufferSize),
		logger:      logger.With().Str("component", "event_bus").Logger(),
		stopChannel: make(chan struct{}),
		metrics: EventMetrics{
			EventsByType:     make(map[string]int64),
			EventsBySeverity: make(map[string]int64),
		},
	}
	for _, opt := range opts {
		opt(eb)
	}
	return eb
}

// Subscribe registers an event handler for specific event types
func (eb *EventBus) Subscribe(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eventTypes := handler.GetEventTypes()
	for _, eventType := range eventTypes {
		eb.handlers[eventType] = append(eb.handlers[eventType], handler)
		eb.logger.Debug().
			Str("event_type", string(eventType)).
			Msg("Handler subscribed to event type")
	}
}

// Publish queues an event for all registered handlers. Duplicates are
// dropped silently; invalid events and a full buffer are errors.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	queue, err := eb.prepare(&event)
	if !queue {
		return err
	}
	if eb.tryEnqueue(event) {
		return nil
	}
	return eb.drop(event, ErrEventBusBufferFull)
}

// PublishWait is Publish for producers that must not lose events. While the
// bus is running it waits for buffer space until ctx is done. It must not be
// called from a handler, which would wait on its own worker.
func (eb *EventBus) PublishWait(ctx context.Context, event Event) error {
	queue, err := eb.prepare(&event)
	if !queue {
		return err
	}
	if eb.tryEnqueue(event) {
		return nil
	}

	eb.mu.RLock()
	running := eb.running
	eb.mu.RUnlock()
	if !running {
		return eb.drop(event, ErrEventBusBufferFull)
	}

	select {
	case eb.buffer <- event:
		eb.enqueued(event)
		return nil
	case <-ctx.Done():
		return eb.drop(event, ctx.Err())
	case <-eb.stopChannel:
		return eb.drop(event, ErrEventBusStopped)
	}
}

// prepare fills defaults, validates and deduplicates. It reports whether
// the event should be queued.
func (eb *EventBus) prepare(event *Event) (bool, error) {
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = "info"
	}

	if eb.validator != nil {
		if err := eb.validator.ValidateEvent(event); err != nil {
			eb.count(func(m *EventMetrics) { m.EventsRejected++ })
			return false, err
		}
	}
	if eb.dedup != nil && eb.dedup.IsDuplicate(*event) {
		eb.count(func(m *EventMetrics) { m.EventsDeduplicated++ })
		return false, nil
	}
	return true, nil
}

func (eb *EventBus) tryEnqueue(event Event) bool {
	select {
	case eb.buffer <- event:
		eb.enqueued(event)
		return true
	default:
		return false
	}
}

func (eb *EventBus) enqueued(event Event) {
	eb.updateMetrics(event, true)
	eb.logger.Debug().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("source", event.Source).
		Msg("Event published to bus")
}

func (eb *EventBus) drop(event Event, reason error) error {
	eb.count(func(m *EventMetrics) { m.EventsDropped++ })
	eb.logger.Error().
		Err(reason).
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Msg("Dropping event")
	return fmt.Errorf("%w: %s", reason, event.Type)
}

// Start begins processing events from the buffer
func (eb *EventBus) Start(ctx context.Context) {
	eb.mu.Lock()
	if eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = true
	eb.mu.Unlock()

	eb.logger.Info().Msg("Event bus starting...")

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-eb.buffer:
				eb.processEvent(ctx, event)
			case <-ctx.Done():
				eb.logger.Info().Msg("Event bus shutting down due to context cancellation...")
				return
			case <-eb.stopChannel:
				eb.drain(ctx)
				eb.logger.Info().Msg("Event bus shutting down...")
				return
			}
		}
	}()
}

// drain processes whatever is still buffered.
func (eb *EventBus) drain(ctx context.Context) {
	for {
		select {
		case event := <-eb.buffer:
			eb.processEvent(ctx, event)
		default:
			return
		}
	}
}

// Stop gracefully shuts down the event bus
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = false
	eb.mu.Unlock()

	close(eb.stopChannel)
	eb.wg.Wait()
	if eb.dedup != nil {
		eb.dedup.Stop()
	}
	eb.logger.Info().Msg("Event bus stopped")
}

// processEvent handles distribution of events to handlers
func (eb *EventBus) processEvent(ctx context.Context, event Event) {
	start := time.Now()

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		eb.updateMetrics(event, false)
		return
	}

	// Process handlers concurrently
	var wg sync.WaitGroup
	errorChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errorChan <- fmt.Errorf("handler panic: %v", r)
					eb.logger.Error().Interface("panic", r).Str("event_id", event.ID).Msg("Handler panicked")
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errorChan <- err
				eb.logger.Error().
					Err(err).
					Str("event_id", event.ID).
					Str("event_type", string(event.Type)).
					Msg("Handler error processing event")
			}
		}(handler)
	}

	wg.Wait()
	close(errorChan)

	errorCount := 0
	for range errorChan {
		errorCount++
	}

	eb.updateMetrics(event, false)
	eb.count(func(m *EventMetrics) {
		m.HandlerErrors += int64(errorCount)
		m.AverageProcessing = time.Since(start)
	})

	eb.logger.Debug().
		Str("event_id", event.ID).
		Dur("processing_time", time.Since(start)).
		Int("handlers", len(handlers)).
		Int("errors", errorCount).
		Msg("Event processed by all handlers")
}

func (eb *EventBus) count(fn func(m *EventMetrics)) {
	eb.mu.Lock()
	fn(&eb.metrics)
	eb.mu.Unlock()
}

// updateMetrics updates internal metrics
func (eb *EventBus) updateMetrics(event Event, published bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if published {
		eb.metrics.EventsPublished++
		eb.metrics.EventsByType[string(event.Type)]++
		eb.metrics.EventsBySeverity[event.Severity]++
	} else {
		eb.metrics.EventsProcessed++
	}
}

// GetMetrics returns current event bus metrics
func (eb *EventBus) GetMetrics() EventMetrics {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	metricsCopy := eb.metrics
	metricsCopy.EventsByType = make(map[string]int64, len(eb.metrics.EventsByType))
	metricsCopy.EventsBySeverity = make(map[string]int64, len(eb.metrics.EventsBySeverity))
	for k, v := range eb.metrics.EventsByType {
		metricsCopy.EventsByType[k] = v
	}
	for k, v := range eb.metrics.EventsBySeverity {
		metricsCopy.EventsBySeverity[k] = v
	}

	return metricsCopy
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return "evt_" + uuid.NewString()
}

// Errors
var (
	ErrEventBusBufferFull = fmt.Errorf("event bus buffer is full")
	ErrEventBusStopped    = fmt.Errorf("event bus is stopped")
)
