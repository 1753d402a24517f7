package engine

import (
	"fmt"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
)

// ConnectionStatus describes one edge as seen from a node.
type ConnectionStatus struct {
	Peer         string `json:"peer"`
	ResourceType string `json:"resource_type"`
}

// NodeStatus is a read-only view of a node between ticks. Received and
// Produced are the values committed by the last completed tick.
type NodeStatus struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	Enabled     bool               `json:"enabled"`
	Temperature float64            `json:"temperature"`
	Weight      float64            `json:"weight"`
	Required    map[string]float64 `json:"required"`
	Received    map[string]float64 `json:"received"`
	Produced    map[string]float64 `json:"produced"`
	Properties  map[string]float64 `json:"properties"`
	Modifiers   []ModifierStatus   `json:"modifiers"`
	Incoming    []ConnectionStatus `json:"incoming"`
	Outgoing    []ConnectionStatus `json:"outgoing"`
}

// ModifierStatus describes an attached modifier.
type ModifierStatus struct {
	Type      string             `json:"type"`
	Name      string             `json:"name"`
	Duration  int                `json:"duration"`
	Modifiers map[string]float64 `json:"modifiers"`
	Factors   map[string]float64 `json:"factors"`
}

// NodeIDs returns every node id in registration order.
func (e *Engine) NodeIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.grid.IDs()
}

// NodeStatus returns the status of one node.
func (e *Engine) NodeStatus(id string) (NodeStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.grid.Node(id); !ok {
		return NodeStatus{}, fmt.Errorf("failed to read status of %q: %w", id, ErrUnknownNode)
	}
	return e.status(id), nil
}

// Snapshot returns the status of every node in registration order.
func (e *Engine) Snapshot() []NodeStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]NodeStatus, 0, e.grid.Len())
	for _, id := range e.grid.IDs() {
		out = append(out, e.status(id))
	}
	return out
}

func (e *Engine) status(id string) NodeStatus {
	n, _ := e.grid.Node(id)
	s := NodeStatus{
		ID:          id,
		Kind:        grid.KindOf(n.Behavior()),
		Enabled:     n.Enabled(),
		Temperature: n.Temperature(),
		Weight:      n.Weight(),
		Required:    n.ResourcesRequiredPerTick(),
		Received:    e.lastOf(e.lastReceived, id),
		Produced:    e.lastOf(e.lastProduced, id),
		Properties:  n.AdditionalProperties(),
		Modifiers:   make([]ModifierStatus, 0),
		Incoming:    make([]ConnectionStatus, 0),
		Outgoing:    make([]ConnectionStatus, 0),
	}
	for _, m := range n.Modifiers() {
		d := m.Serialize()
		s.Modifiers = append(s.Modifiers, ModifierStatus{
			Type:      d.Type,
			Name:      m.Name(),
			Duration:  d.Duration,
			Modifiers: d.Modifiers,
			Factors:   d.Factors,
		})
	}
	for _, c := range n.IncomingConnections() {
		s.Incoming = append(s.Incoming, ConnectionStatus{Peer: c.Origin().ID(), ResourceType: c.ResourceType()})
	}
	for _, c := range n.OutgoingConnections() {
		s.Outgoing = append(s.Outgoing, ConnectionStatus{Peer: c.Target().ID(), ResourceType: c.ResourceType()})
	}
	return s
}
