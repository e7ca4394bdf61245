package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the statecraft system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ResourceID is the associated resource ID, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// SnapshotID is the associated snapshot ID, if applicable.
	SnapshotID string `json:"snapshot_id,omitempty"`

	// ShardKey is the associated shard, if applicable.
	ShardKey string `json:"shard_key,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeResourceRegistered   = "resource.registered"
	EventTypeResourceUpdated      = "resource.updated"
	EventTypeResourceDeleted      = "resource.deleted"
	EventTypeResourceStateChanged = "resource.state_changed"
	EventTypeDriftDetected        = "drift.detected"
	EventTypeConflictResolved     = "conflict.resolved"
	EventTypeSnapshotCreated      = "snapshot.created"
	EventTypeSnapshotRestored     = "snapshot.restored"
	EventTypePolicyViolation      = "policy.violation"
	EventTypeHealthCheck          = "health.check"
	EventTypeError                = "error"
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
	flushTick   chan struct{}
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

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		flushTick:   make(chan struct{}, 1),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()

		// Start the periodic flush goroutine
		if cfg.FlushInterval > 0 {
			ep.wg.Add(1)
			go ep.periodicFlush()
		}
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishResourceRegistered publishes a resource registered event.
func (ep *EventPublisher) PublishResourceRegistered(resourceID, resourceType string, version int64) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceRegistered,
		Source:     "manager",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s registered as %s", resourceID, resourceType),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"resource_type": resourceType,
			"version":       version,
		},
	})
}

// PublishResourceUpdated publishes a resource updated event.
func (ep *EventPublisher) PublishResourceUpdated(resourceID string, version int64, checksum string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceUpdated,
		Source:     "manager",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s updated to version %d", resourceID, version),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"version":  version,
			"checksum": checksum,
		},
	})
}

// PublishResourceDeleted publishes a resource deleted event.
func (ep *EventPublisher) PublishResourceDeleted(resourceID, resourceType string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceDeleted,
		Source:     "manager",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s removed from tracking", resourceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"resource_type": resourceType,
		},
	})
}

// PublishResourceStateChanged publishes a resource state change event.
func (ep *EventPublisher) PublishResourceStateChanged(resourceID, oldState, newState string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceStateChanged,
		Source:     "manager",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s state changed from %s to %s", resourceID, oldState, newState),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishDriftDetected publishes a drift detected event.
func (ep *EventPublisher) PublishDriftDetected(resourceID string, findingCount int, topSeverity string) error {
	return ep.Publish(Event{
		Type:       EventTypeDriftDetected,
		Source:     "drift_detector",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Drift detected on resource %s (%d findings, top severity %s)", resourceID, findingCount, topSeverity),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"finding_count": findingCount,
			"top_severity":  topSeverity,
		},
	})
}

// PublishConflictResolved publishes a conflict resolved event.
func (ep *EventPublisher) PublishConflictResolved(resourceID, strategy string, version int64) error {
	return ep.Publish(Event{
		Type:       EventTypeConflictResolved,
		Source:     "conflict_resolver",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Write conflict on resource %s resolved via %s", resourceID, strategy),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"strategy": strategy,
			"version":  version,
		},
	})
}

// PublishSnapshotCreated publishes a snapshot created event.
func (ep *EventPublisher) PublishSnapshotCreated(snapshotID, shardKey string, resourceCount int) error {
	return ep.Publish(Event{
		Type:       EventTypeSnapshotCreated,
		Source:     "manager",
		SnapshotID: snapshotID,
		ShardKey:   shardKey,
		Message:    fmt.Sprintf("Snapshot %s captured %d resources", snapshotID, resourceCount),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"resource_count": resourceCount,
		},
	})
}

// PublishSnapshotRestored publishes a snapshot restored event.
func (ep *EventPublisher) PublishSnapshotRestored(snapshotID string, resourceCount int) error {
	return ep.Publish(Event{
		Type:       EventTypeSnapshotRestored,
		Source:     "manager",
		SnapshotID: snapshotID,
		Message:    fmt.Sprintf("Snapshot %s restored %d resources", snapshotID, resourceCount),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"resource_count": resourceCount,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(resourceID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypePolicyViolation,
		Source:     "policy_engine",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Policy violation on resource %s: %s - %s", resourceID, policyName, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishHealthCheck publishes a health check outcome.
func (ep *EventPublisher) PublishHealthCheck(component, status string) error {
	level := EventLevelInfo
	if status != "healthy" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeHealthCheck,
		Source:  component,
		Message: fmt.Sprintf("Health check for %s: %s", component, status),
		Level:   level,
		Data: map[string]interface{}{
			"status": status,
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

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.flushTick:
			// Deliver a partial batch so events never sit longer than
			// the flush interval
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush signals the processor to deliver partial batches.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case ep.flushTick <- struct{}{}:
			default:
			}
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// Common event filters.

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

// FilterByResourceID creates a filter that only allows events for a specific resource.
func FilterByResourceID(resourceID string) EventFilter {
	return func(event Event) bool {
		return event.ResourceID == resourceID
	}
}

// FilterByShardKey creates a filter that only allows events for a specific shard.
func FilterByShardKey(shardKey string) EventFilter {
	return func(event Event) bool {
		return event.ShardKey == shardKey
	}
}
