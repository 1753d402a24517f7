// Package storage provides the persistence layer for the grid server.
// This package implements the repository pattern to keep the domain pure.
package storage

import (
	"context"
	"time"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
)

// Event mirrors the domain event structure for persistence.
// The domain package should NOT import this; use interfaces instead.
type Event struct {
	ID        string                 `json:"id" db:"id"`
	GridID    string                 `json:"grid_id" db:"grid_id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	EventType string                 `json:"event_type" db:"event_type"`
	ActorID   string                 `json:"actor_id" db:"actor_id"`
	TargetID  string                 `json:"target_id" db:"target_id"`
	Payload   map[string]interface{} `json:"payload" db:"payload"`
	Tick      int64                  `json:"tick" db:"tick"`
}

// EventRepository defines the interface for event persistence.
type EventRepository interface {
	// Append adds a new event to the immutable ledger.
	Append(ctx context.Context, event Event) error

	// GetByGridID retrieves all events of a grid in append order (for replay).
	GetByGridID(ctx context.Context, gridID string) ([]Event, error)

	// GetByTargetID retrieves all events that affected a node.
	GetByTargetID(ctx context.Context, gridID, targetID string) ([]Event, error)

	// GetByEventType retrieves all events of a specific type.
	GetByEventType(ctx context.Context, gridID string, eventType string) ([]Event, error)

	// GetSinceTick retrieves the events recorded at or after tick.
	GetSinceTick(ctx context.Context, gridID string, tick int64) ([]Event, error)
}

// NodeSnapshot is the persisted state of one node for quick restarts.
type NodeSnapshot struct {
	GridID      string      `json:"grid_id" db:"grid_id"`
	NodeID      string      `json:"node_id" db:"node_id"`
	Temperature float64     `json:"temperature" db:"temperature"`
	Enabled     bool        `json:"enabled" db:"enabled"`
	Modifiers   []grid.Data `json:"modifiers" db:"modifiers"`
	Tick        int64       `json:"tick" db:"tick"`
	LastUpdated time.Time   `json:"last_updated" db:"last_updated"`
}

// SnapshotRepository defines the interface for node state snapshots.
type SnapshotRepository interface {
	// Upsert updates or inserts a node snapshot.
	Upsert(ctx context.Context, snapshot NodeSnapshot) error

	// GetByNodeID retrieves a specific node's snapshot, or nil if none exists.
	GetByNodeID(ctx context.Context, gridID, nodeID string) (*NodeSnapshot, error)

	// GetByGridID retrieves all snapshots of a grid.
	GetByGridID(ctx context.Context, gridID string) ([]NodeSnapshot, error)
}

// FromState converts a node state into a snapshot row.
func FromState(gridID string, tick int64, s grid.State) NodeSnapshot {
	return NodeSnapshot{
		GridID:      gridID,
		NodeID:      s.ID,
		Temperature: s.Temperature,
		Enabled:     s.Enabled,
		Modifiers:   s.Modifiers,
		Tick:        tick,
		LastUpdated: time.Now().UTC(),
	}
}

// State converts the snapshot back into a node state.
func (s NodeSnapshot) State() grid.State {
	mods := s.Modifiers
	if mods == nil {
		mods = []grid.Data{}
	}
	return grid.State{
		ID:          s.NodeID,
		Temperature: s.Temperature,
		Enabled:     s.Enabled,
		Modifiers:   mods,
	}
}
