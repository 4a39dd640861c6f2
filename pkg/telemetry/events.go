package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

// EventLevel constants for event severity. These mirror the levels the
// engine assigns per event type.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events. Subscribers run on
// the bus delivery goroutine and must not block.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventBus buffers engine events and fans them out to subscribers in
// publish order. It implements engine.EventPublisher.
type EventBus struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

var _ engine.EventPublisher = (*EventBus)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig) (*EventBus, error) {
	if !cfg.Enabled {
		return &EventBus{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &EventBus{
		config:      cfg,
		buffer:      make(chan engine.Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		bus.wg.Add(1)
		go bus.processEvents()
	}

	return bus, nil
}

// Publish publishes an event to all subscribers. Missing ID, timestamp
// and level fields are filled in. When the buffer is full the event is
// dropped and an error returned; publishing never blocks the engine.
func (b *EventBus) Publish(ctx context.Context, event *engine.Event) error {
	if !b.config.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = e.Type.Severity()
	}

	// Apply global filters
	b.mu.RLock()
	for _, filter := range b.filters {
		if !filter(e) {
			b.mu.RUnlock()
			return nil
		}
	}
	b.mu.RUnlock()

	if b.config.EnableAsync {
		select {
		case b.buffer <- e:
			return nil
		case <-b.ctx.Done():
			return fmt.Errorf("event bus stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	b.deliverEvent(e)
	return nil
}

// Subscribe adds a new event subscriber. A nil filter receives every
// event.
func (b *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter applied before buffering.
func (b *EventBus) AddFilter(filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filters = append(b.filters, filter)
}

// processEvents drains the buffer, delivering events in batches. A flush
// ticker bounds how long a partial batch can sit undelivered.
func (b *EventBus) processEvents() {
	defer b.wg.Done()

	flushEvery := b.config.FlushInterval
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]engine.Event, 0, b.config.MaxBatchSize)

	for {
		select {
		case event := <-b.buffer:
			batch = append(batch, event)
			if len(batch) >= b.config.MaxBatchSize {
				b.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flushBatch(batch)
				batch = batch[:0]
			}

		case <-b.ctx.Done():
			// Drain what is already buffered before shutting down.
			for {
				select {
				case event := <-b.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						b.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (b *EventBus) flushBatch(events []engine.Event) {
	for _, event := range events {
		b.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in subscription
// order. Delivery is synchronous so subscribers observe events in
// publish order.
func (b *EventBus) deliverEvent(event engine.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, entry := range b.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the bus, delivering any buffered events first.
func (b *EventBus) Shutdown(ctx context.Context) error {
	if !b.config.Enabled || b.cancel == nil {
		return nil
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific
// level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific
// run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByNodeID creates a filter that only allows events for a specific
// graph node.
func FilterByNodeID(nodeID string) EventFilter {
	return func(event engine.Event) bool {
		return event.NodeID == nodeID
	}
}

// Bridge subscribers.

// NewLogSubscriber returns a subscriber that logs every event at its
// level with run and node context.
func NewLogSubscriber(logger *Logger) EventSubscriber {
	return func(event engine.Event) {
		entry := logger.WithField("event", string(event.Type))
		if event.RunID != "" {
			entry = entry.WithRunID(event.RunID)
		}
		if event.NodeID != "" {
			entry = entry.WithNodeID(event.NodeID)
		}
		switch event.Level {
		case EventLevelError:
			entry.Error(event.Message)
		case EventLevelWarning:
			entry.Warn(event.Message)
		default:
			entry.Info(event.Message)
		}
	}
}

// NewMetricsSubscriber returns a subscriber that maps node-level events
// to metrics. Run and resolution metrics are recorded by the context
// helpers, which carry durations events do not.
func NewMetricsSubscriber(m *Metrics) EventSubscriber {
	return func(event engine.Event) {
		switch event.Type {
		case engine.EventTypeNodeCompleted:
			m.RecordNodeOutcome("built")
		case engine.EventTypeCacheHit:
			m.RecordNodeOutcome("reused")
		case engine.EventTypeNodeFailed:
			m.RecordNodeOutcome("failed")
		}
	}
}
