package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the SimForge system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// CycleID is the associated cycle ID, if applicable.
	CycleID string `json:"cycle_id,omitempty"`

	// Attempt is the associated attempt number, if applicable.
	Attempt int `json:"attempt,omitempty"`

	// Backend is the associated backend ID, if applicable.
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
	EventTypeCycleStarted     = "cycle.started"
	EventTypeCycleCompleted   = "cycle.completed"
	EventTypeCycleAborted     = "cycle.aborted"
	EventTypeAttemptStarted   = "attempt.started"
	EventTypeAttemptCompleted = "attempt.completed"
	EventTypeAttemptFailed    = "attempt.failed"
	EventTypeCandidateDropped = "candidate.dropped"
	EventTypePolicyViolation  = "policy.violation"
	EventTypeScoreAwarded     = "score.awarded"
	EventTypeError            = "error"
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

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
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
			return nil // Event filtered out
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

// PublishCycleStarted publishes a cycle started event.
func (ep *EventPublisher) PublishCycleStarted(cycleID, experiment, backend string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleStarted,
		Source:  "engine",
		CycleID: cycleID,
		Backend: backend,
		Message: fmt.Sprintf("Cycle %s started for experiment %s", cycleID, experiment),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"experiment": experiment,
		},
	})
}

// PublishCycleCompleted publishes a cycle completed event.
func (ep *EventPublisher) PublishCycleCompleted(cycleID, outcome string, attempts int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleCompleted,
		Source:  "engine",
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s completed with outcome %s after %d attempts", cycleID, outcome, attempts),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"outcome":  outcome,
			"attempts": attempts,
			"duration": duration.Seconds(),
		},
	})
}

// PublishCycleAborted publishes a cycle aborted event.
func (ep *EventPublisher) PublishCycleAborted(cycleID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleAborted,
		Source:  "engine",
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s aborted: %s", cycleID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishAttemptStarted publishes an attempt started event.
func (ep *EventPublisher) PublishAttemptStarted(cycleID string, attempt int, backend string) error {
	return ep.Publish(Event{
		Type:    EventTypeAttemptStarted,
		Source:  "engine",
		CycleID: cycleID,
		Attempt: attempt,
		Backend: backend,
		Message: fmt.Sprintf("Attempt %d started in cycle %s", attempt, cycleID),
		Level:   EventLevelInfo,
	})
}

// PublishAttemptCompleted publishes an attempt completed event.
func (ep *EventPublisher) PublishAttemptCompleted(cycleID string, attempt int, stageReached string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeAttemptCompleted,
		Source:  "engine",
		CycleID: cycleID,
		Attempt: attempt,
		Message: fmt.Sprintf("Attempt %d in cycle %s completed at stage %s", attempt, cycleID, stageReached),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"stage_reached": stageReached,
			"duration":      duration.Seconds(),
		},
	})
}

// PublishAttemptFailed publishes an attempt failed event.
func (ep *EventPublisher) PublishAttemptFailed(cycleID string, attempt int, stage, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeAttemptFailed,
		Source:  "engine",
		CycleID: cycleID,
		Attempt: attempt,
		Message: fmt.Sprintf("Attempt %d in cycle %s failed during %s: %s", attempt, cycleID, stage, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"stage":  stage,
			"reason": reason,
		},
	})
}

// PublishCandidateDropped publishes a candidate dropped event.
func (ep *EventPublisher) PublishCandidateDropped(cycleID string, index int, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCandidateDropped,
		Source:  "selector",
		CycleID: cycleID,
		Message: fmt.Sprintf("Candidate %d dropped in cycle %s: %s", index, cycleID, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"candidate_index": index,
			"reason":          reason,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(cycleID, backend string, violations []string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		CycleID: cycleID,
		Backend: backend,
		Message: fmt.Sprintf("Policy denied script execution in cycle %s (%d violations)", cycleID, len(violations)),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"violations": violations,
		},
	})
}

// PublishScoreAwarded publishes a score awarded event.
func (ep *EventPublisher) PublishScoreAwarded(cycleID string, attempt int, band string, reward float64) error {
	return ep.Publish(Event{
		Type:    EventTypeScoreAwarded,
		Source:  "scorer",
		CycleID: cycleID,
		Attempt: attempt,
		Message: fmt.Sprintf("Attempt %d in cycle %s scored %s (%.1f)", attempt, cycleID, band, reward),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"band":   band,
			"reward": reward,
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

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain remaining events before shutting down.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
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

// Shutdown gracefully shuts down the event publisher.
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

// FilterByCycleID creates a filter that only allows events for a specific cycle.
func FilterByCycleID(cycleID string) EventFilter {
	return func(event Event) bool {
		return event.CycleID == cycleID
	}
}
