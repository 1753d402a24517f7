package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
	"github.com/MRamiBalles/nodegrid/internal/events"
)

// Reconstructor rebuilds node state from snapshots and the event ledger.
// It is used to:
//  1. resume a grid after a restart when events were written after the last snapshot
//  2. render a per-node timeline for operators
//
// Temperature is not event-sourced; it comes from the snapshot as-is.
type Reconstructor struct {
	eventRepo    EventRepository
	snapshotRepo SnapshotRepository
}

// NewReconstructor creates a new state reconstructor.
func NewReconstructor(eventRepo EventRepository, snapshotRepo SnapshotRepository) *Reconstructor {
	return &Reconstructor{eventRepo: eventRepo, snapshotRepo: snapshotRepo}
}

// Rebuilt is the reconstructed state of a grid.
type Rebuilt struct {
	Tick   int64
	States []grid.State
	// Applied counts the ledger events replayed on top of the snapshots.
	Applied int
}

// TimelineEntry is a simplified event for the node timeline view.
type TimelineEntry struct {
	Tick      int64  `json:"tick"`
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	Summary   string `json:"summary"`
	Impact    string `json:"impact"` // "POSITIVE", "NEGATIVE", "NEUTRAL"
}

// Rebuild loads the snapshots of a grid and replays every event recorded
// after the newest of them. It returns nil when the grid has no snapshots.
func (r *Reconstructor) Rebuild(ctx context.Context, gridID string) (*Rebuilt, error) {
	snaps, err := r.snapshotRepo.GetByGridID(ctx, gridID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	var (
		baseTick int64
		cutoff   time.Time
	)
	states := make([]grid.State, 0, len(snaps))
	for _, s := range snaps {
		baseTick = max(baseTick, s.Tick)
		if s.LastUpdated.After(cutoff) {
			cutoff = s.LastUpdated
		}
		states = append(states, s.State())
	}

	ledger, err := r.eventRepo.GetSinceTick(ctx, gridID, baseTick)
	if err != nil {
		return nil, fmt.Errorf("failed to load events since tick %d: %w", baseTick, err)
	}

	// Write-through is asynchronous, so ledger order can differ from creation order.
	slices.SortStableFunc(ledger, func(a, b Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	out := &Rebuilt{Tick: baseTick, States: states}
	for _, e := range ledger {
		if !e.Timestamp.After(cutoff) {
			continue
		}
		if err := out.apply(e); err != nil {
			return nil, err
		}
		out.Applied++
	}
	return out, nil
}

// Timeline lists the events that touched a node from sinceTick onwards,
// including engine-wide events such as replan cap hits.
func (r *Reconstructor) Timeline(ctx context.Context, gridID, nodeID string, sinceTick int64) ([]TimelineEntry, error) {
	ledger, err := r.eventRepo.GetSinceTick(ctx, gridID, sinceTick)
	if err != nil {
		return nil, err
	}

	var timeline []TimelineEntry
	for _, e := range ledger {
		if e.TargetID != nodeID && e.EventType != string(events.EventTypeReplanCapReached) {
			continue
		}
		timeline = append(timeline, TimelineEntry{
			Tick:      e.Tick,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			EventType: e.EventType,
			Summary:   summarizeEvent(e),
			Impact:    determineImpact(e),
		})
	}
	return timeline, nil
}

func (r *Rebuilt) state(id string) *grid.State {
	for i := range r.States {
		if r.States[i].ID == id {
			return &r.States[i]
		}
	}
	return nil
}

// apply modifies the rebuilt state based on event type. Events for nodes
// without a snapshot are ignored.
func (r *Rebuilt) apply(e Event) error {
	switch events.EventType(e.EventType) {
	case events.EventTypeTickCompleted:
		r.Tick = max(r.Tick, e.Tick)
		for i := range r.States {
			r.States[i].Modifiers = ageModifiers(r.States[i].Modifiers)
		}

	case events.EventTypeNodeEnabledChanged:
		var p events.EnabledPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		if s := r.state(e.TargetID); s != nil {
			s.Enabled = p.Enabled
		}

	case events.EventTypeModifierAttached:
		var p events.ModifierPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		if s := r.state(e.TargetID); s != nil {
			s.Modifiers = append(s.Modifiers, p.Modifier)
		}

	case events.EventTypeModifierExpired:
		var p events.ModifierPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		if s := r.state(e.TargetID); s != nil {
			s.Modifiers = removeModifier(s.Modifiers, p.Modifier)
		}
	}
	return nil
}

// ageModifiers applies one tick of countdown, dropping what runs out.
func ageModifiers(mods []grid.Data) []grid.Data {
	out := mods[:0]
	for _, d := range mods {
		d.Duration--
		if d.Duration > 0 {
			out = append(out, d)
		}
	}
	return out
}

// removeModifier drops the first modifier matching expired by kind and maps.
func removeModifier(mods []grid.Data, expired grid.Data) []grid.Data {
	i := slices.IndexFunc(mods, func(d grid.Data) bool {
		return d.Type == expired.Type &&
			maps.Equal(d.Modifiers, expired.Modifiers) &&
			maps.Equal(d.Factors, expired.Factors)
	})
	if i < 0 {
		return mods
	}
	return slices.Delete(mods, i, i+1)
}

func decodePayload(e Event, dst interface{}) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to re-encode payload of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode payload of %s: %w", e.ID, err)
	}
	return nil
}

// summarizeEvent creates a human-readable summary.
func summarizeEvent(e Event) string {
	switch events.EventType(e.EventType) {
	case events.EventTypeModifierAttached:
		return fmt.Sprintf("%s attached %s.", e.ActorID, modifierType(e))
	case events.EventTypeModifierExpired:
		return fmt.Sprintf("%s expired.", modifierType(e))
	case events.EventTypeNodeEnabledChanged:
		if on, _ := e.Payload["enabled"].(bool); on {
			return fmt.Sprintf("%s enabled the node.", e.ActorID)
		}
		return fmt.Sprintf("%s disabled the node.", e.ActorID)
	case events.EventTypeReplanCapReached:
		return "Replanning stopped at the round cap; some reservations stayed unsatisfied."
	default:
		return "Something happened on the grid."
	}
}

func modifierType(e Event) string {
	if m, ok := e.Payload["modifier"].(map[string]interface{}); ok {
		if t, ok := m["type"].(string); ok {
			return t
		}
	}
	return "a modifier"
}

// determineImpact classifies the event impact.
func determineImpact(e Event) string {
	switch events.EventType(e.EventType) {
	case events.EventTypeReplanCapReached, events.EventTypeModifierExpired:
		return "NEGATIVE"
	case events.EventTypeModifierAttached:
		return "POSITIVE"
	case events.EventTypeNodeEnabledChanged:
		if on, _ := e.Payload["enabled"].(bool); !on {
			return "NEGATIVE"
		}
		return "POSITIVE"
	default:
		return "NEUTRAL"
	}
}
