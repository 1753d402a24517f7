// Package grid defines the resource network: nodes, the typed connections
// between them and the timed modifiers attached to them.
// This package is PURE and must NOT import any infrastructure packages (network, events, platform).
//
// Every Node and Connection lives in a Grid. Connections and modifiers refer
// back to nodes by slot index in the Grid rather than by pointer, so the only
// owner of a Node is the Grid that registered it.
package grid

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateNode is returned when a node id is registered twice.
	ErrDuplicateNode = errors.New("node already registered")
	// ErrUnknownNode is returned for lookups of ids that were never registered.
	ErrUnknownNode = errors.New("unknown node")
	// ErrForeignNode is returned when two nodes from different grids are connected.
	ErrForeignNode = errors.New("node belongs to another grid")
)

// ExpiryHook is called when a modifier runs out and detaches from its node.
type ExpiryHook func(n *Node, m *Modifier)

// Grid is the registry and arena of a single simulation.
type Grid struct {
	nodes []*Node
	byID  map[string]int
	conns []*Connection

	expiryHooks []ExpiryHook
}

// New creates an empty grid.
func New() *Grid {
	return &Grid{
		nodes: make([]*Node, 0),
		byID:  make(map[string]int),
		conns: make([]*Connection, 0),
	}
}

// Add registers a new node with the given behavior. A nil behavior means Neutral.
func (g *Grid) Add(id string, behavior Behavior, opts ...Option) (*Node, error) {
	if id == "" {
		return nil, fmt.Errorf("failed to add node: empty id")
	}
	if _, exists := g.byID[id]; exists {
		return nil, fmt.Errorf("failed to add node %q: %w", id, ErrDuplicateNode)
	}
	if behavior == nil {
		behavior = Neutral{}
	}

	n := newNode(g, len(g.nodes), id, behavior)
	for _, opt := range opts {
		opt(n)
	}
	g.nodes = append(g.nodes, n)
	g.byID[id] = n.slot

	if a, ok := behavior.(Attacher); ok {
		a.Attach(n)
	}
	return n, nil
}

// Node looks a node up by id.
func (g *Grid) Node(id string) (*Node, bool) {
	slot, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return g.nodes[slot], true
}

// Nodes returns all nodes in registration order.
func (g *Grid) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// IDs returns all node ids in registration order.
func (g *Grid) IDs() []string {
	out := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.id)
	}
	return out
}

// Len returns the number of registered nodes.
func (g *Grid) Len() int {
	return len(g.nodes)
}

// Connections returns every connection in creation order.
func (g *Grid) Connections() []*Connection {
	out := make([]*Connection, len(g.conns))
	copy(out, g.conns)
	return out
}

// Connect links two registered nodes by id.
func (g *Grid) Connect(resourceType, fromID, toID string) (*Connection, error) {
	from, ok := g.Node(fromID)
	if !ok {
		return nil, fmt.Errorf("failed to connect from %q: %w", fromID, ErrUnknownNode)
	}
	to, ok := g.Node(toID)
	if !ok {
		return nil, fmt.Errorf("failed to connect to %q: %w", toID, ErrUnknownNode)
	}
	return from.ConnectWith(resourceType, to)
}

// MaxIncoming returns the largest incoming connection count of any node.
func (g *Grid) MaxIncoming() int {
	max := 0
	for _, n := range g.nodes {
		if len(n.incoming) > max {
			max = len(n.incoming)
		}
	}
	return max
}

// OnModifierExpired registers a hook fired whenever a modifier on any node expires.
func (g *Grid) OnModifierExpired(hook ExpiryHook) {
	if hook != nil {
		g.expiryHooks = append(g.expiryHooks, hook)
	}
}

func (g *Grid) node(slot int) *Node {
	if slot < 0 || slot >= len(g.nodes) {
		return nil
	}
	return g.nodes[slot]
}

func (g *Grid) conn(index int) *Connection {
	return g.conns[index]
}

func (g *Grid) newConnection(resourceType string, origin, target int) *Connection {
	c := &Connection{
		grid:         g,
		index:        len(g.conns),
		origin:       origin,
		target:       target,
		resourceType: resourceType,
	}
	g.conns = append(g.conns, c)
	return c
}

func (g *Grid) modifierExpired(n *Node, m *Modifier) {
	for _, hook := range g.expiryHooks {
		hook(n, m)
	}
}
