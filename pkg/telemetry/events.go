package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence during a command, such as a resolved
// transaction or a failed download.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// TransactionID is the associated transaction, if any.
	TransactionID string `json:"transaction_id,omitempty"`

	// Package is the associated package, if any.
	Package string `json:"package,omitempty"`

	// Backend is the associated backend kind, if any.
	Backend string `json:"backend,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeTransactionStarted   = "transaction.started"
	EventTypeTransactionResolved  = "transaction.resolved"
	EventTypeTransactionCommitted = "transaction.committed"
	EventTypeTransactionFailed    = "transaction.failed"
	EventTypeBackendCommitted     = "backend.committed"
	EventTypeFetchFailed          = "fetch.failed"
	EventTypeGuardViolation       = "guard.violation"
	EventTypeChannelsUpdated      = "channels.updated"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishTransactionStarted publishes a transaction started event.
func (ep *EventPublisher) PublishTransactionStarted(transactionID, policy string, intents int) error {
	return ep.Publish(Event{
		Type:          EventTypeTransactionStarted,
		Source:        "control",
		TransactionID: transactionID,
		Message:       fmt.Sprintf("Transaction %s started with %d intent(s)", transactionID, intents),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"policy":  policy,
			"intents": intents,
		},
	})
}

// PublishTransactionResolved publishes the resolved change set summary.
func (ep *EventPublisher) PublishTransactionResolved(transactionID string, summary map[string]int) error {
	data := make(map[string]interface{}, len(summary))
	for action, n := range summary {
		data[action] = n
	}
	return ep.Publish(Event{
		Type:          EventTypeTransactionResolved,
		Source:        "engine",
		TransactionID: transactionID,
		Message:       fmt.Sprintf("Transaction %s resolved", transactionID),
		Level:         EventLevelInfo,
		Data:          data,
	})
}

// PublishTransactionCommitted publishes a transaction committed event.
func (ep *EventPublisher) PublishTransactionCommitted(transactionID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:          EventTypeTransactionCommitted,
		Source:        "control",
		TransactionID: transactionID,
		Message:       fmt.Sprintf("Transaction %s finished with status: %s", transactionID, status),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishTransactionFailed publishes a transaction failed event.
func (ep *EventPublisher) PublishTransactionFailed(transactionID, reason string) error {
	return ep.Publish(Event{
		Type:          EventTypeTransactionFailed,
		Source:        "control",
		TransactionID: transactionID,
		Message:       fmt.Sprintf("Transaction %s failed: %s", transactionID, reason),
		Level:         EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishBackendCommitted publishes the outcome of one backend partition.
func (ep *EventPublisher) PublishBackendCommitted(transactionID, backend string, packages int, err error) error {
	event := Event{
		Type:          EventTypeBackendCommitted,
		Source:        "committer",
		TransactionID: transactionID,
		Backend:       backend,
		Message:       fmt.Sprintf("Backend %s committed %d package(s)", backend, packages),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"packages": packages,
		},
	}
	if err != nil {
		event.Message = fmt.Sprintf("Backend %s failed: %v", backend, err)
		event.Level = EventLevelError
		event.Data["error"] = err.Error()
	}
	return ep.Publish(event)
}

// PublishFetchFailed publishes a failed download.
func (ep *EventPublisher) PublishFetchFailed(url, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeFetchFailed,
		Source:  "fetch",
		Message: fmt.Sprintf("Failed to fetch %s: %s", url, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"url":    url,
			"reason": reason,
		},
	})
}

// PublishGuardViolation publishes a guard rule violation.
func (ep *EventPublisher) PublishGuardViolation(transactionID, pkg, rule, message string) error {
	return ep.Publish(Event{
		Type:          EventTypeGuardViolation,
		Source:        "guard",
		TransactionID: transactionID,
		Package:       pkg,
		Message:       fmt.Sprintf("Rule %s: %s", rule, message),
		Level:         EventLevelError,
		Data: map[string]interface{}{
			"rule": rule,
		},
	})
}

// PublishChannelsUpdated publishes a channel reload.
func (ep *EventPublisher) PublishChannelsUpdated(channels, packages int) error {
	return ep.Publish(Event{
		Type:    EventTypeChannelsUpdated,
		Source:  "control",
		Message: fmt.Sprintf("Loaded %d package(s) from %d channel(s)", packages, channels),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"channels": channels,
			"packages": packages,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTransactionID creates a filter that only allows events of one transaction.
func FilterByTransactionID(transactionID string) EventFilter {
	return func(event Event) bool {
		return event.TransactionID == transactionID
	}
}
