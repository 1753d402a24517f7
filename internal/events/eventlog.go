// Package events provides the append-only event log of the grid.
// Every completed tick, replan cap and operator action is recorded here and
// fanned out to storage and the status stream.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
)

// EventType defines the category of a grid event.
type EventType string

const (
	EventTypeTickCompleted      EventType = "TICK_COMPLETED"
	EventTypeReplanCapReached   EventType = "REPLAN_CAP_REACHED"
	EventTypeModifierAttached   EventType = "MODIFIER_ATTACHED"
	EventTypeModifierExpired    EventType = "MODIFIER_EXPIRED"
	EventTypeNodeEnabledChanged EventType = "NODE_ENABLED_CHANGED"
)

// SystemActor is the actor id of events raised by the engine itself.
const SystemActor = "ENGINE"

// TickPayload summarises one tick.
type TickPayload struct {
	Tick            int64    `json:"tick"`
	ReplanRounds    int      `json:"replan_rounds"`
	CapReached      bool     `json:"cap_reached"`
	Pending         []string `json:"pending,omitempty"`
	LockedShortfall float64  `json:"locked_shortfall"`
	DurationMs      float64  `json:"duration_ms"`
}

// ModifierPayload carries the persisted shape of a modifier.
type ModifierPayload struct {
	Modifier grid.Data `json:"modifier"`
}

// EnabledPayload records an enable/disable switch.
type EnabledPayload struct {
	Enabled bool `json:"enabled"`
}

// Event represents an immutable record of something that happened on the grid.
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"type"`
	ActorID   string      `json:"actor_id"`
	TargetID  string      `json:"target_id,omitempty"` // node affected, if any
	Payload   interface{} `json:"payload"`
	Tick      int64       `json:"tick"`
}

// New builds an event with a fresh id and the current time.
func New(eventType EventType, actorID, targetID string, tick int64, payload interface{}) Event {
	return Event{
		ID:        GenerateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		ActorID:   actorID,
		TargetID:  targetID,
		Payload:   payload,
		Tick:      tick,
	}
}

// EventPersister defines how an event is durably stored.
type EventPersister interface {
	Append(event Event) error
}

// EventLog is the in-memory append-only log of grid events.
type EventLog struct {
	mu        sync.RWMutex
	events    []Event
	persister EventPersister
	pending   sync.WaitGroup
}

// NewEventLog creates a new event log with an optional persister.
func NewEventLog(persister EventPersister) *EventLog {
	return &EventLog{
		events:    make([]Event, 0),
		persister: persister,
	}
}

// Append adds a new event to the log. Events are immutable once appended.
func (el *EventLog) Append(event Event) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.events = append(el.events, event)

	if el.persister != nil {
		// Write through without holding up the tick; Flush waits for these.
		el.pending.Add(1)
		go func(e Event) {
			defer el.pending.Done()
			_ = el.persister.Append(e)
		}(event)
	}
}

// Flush blocks until every write-through started so far has returned.
func (el *EventLog) Flush() {
	el.pending.Wait()
}

// Len returns the number of events in the log.
func (el *EventLog) Len() int {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return len(el.events)
}

// Since returns the events appended after the first offset events.
func (el *EventLog) Since(offset int) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(el.events) {
		return nil
	}
	out := make([]Event, len(el.events)-offset)
	copy(out, el.events[offset:])
	return out
}

// GetByTarget returns all events that affected a specific node.
func (el *EventLog) GetByTarget(targetID string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	var result []Event
	for _, e := range el.events {
		if e.TargetID == targetID {
			result = append(result, e)
		}
	}
	return result
}

// GetByType returns all events of one type.
func (el *EventLog) GetByType(eventType EventType) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	var result []Event
	for _, e := range el.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Replay returns a copy of the full history for state reconstruction.
func (el *EventLog) Replay() []Event {
	return el.Since(0)
}

// GenerateEventID creates a unique event identifier.
func GenerateEventID() string {
	return uuid.NewString()
}
