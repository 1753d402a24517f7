package grid

import (
	"fmt"
	"maps"
	"slices"
)

const (
	DefaultTemperature = 20.0
	DefaultWeight      = 300.0
)

// Option customises a node at registration.
type Option func(n *Node)

// WithWeight sets the thermal mass of the node. Non-positive values are ignored.
func WithWeight(weight float64) Option {
	return func(n *Node) {
		if weight > 0 {
			n.weight = weight
		}
	}
}

// WithTemperature sets the starting temperature.
func WithTemperature(t float64) Option {
	return func(n *Node) {
		n.temperature = t
	}
}

// Node is a vertex of the grid.
type Node struct {
	id       string
	slot     int
	grid     *Grid
	behavior Behavior
	enabled  bool

	incoming []int
	outgoing []int

	required map[string]float64
	received map[string]float64
	produced map[string]float64

	temperature float64
	weight      float64
	modifiers   []*Modifier

	preUpdateCalled  Signal
	updateCalled     Signal
	postUpdateCalled Signal
}

func newNode(g *Grid, slot int, id string, behavior Behavior) *Node {
	return &Node{
		id:          id,
		slot:        slot,
		grid:        g,
		behavior:    behavior,
		enabled:     true,
		incoming:    make([]int, 0),
		outgoing:    make([]int, 0),
		required:    make(map[string]float64),
		received:    make(map[string]float64),
		produced:    make(map[string]float64),
		temperature: DefaultTemperature,
		weight:      DefaultWeight,
	}
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(%q, %T)", n.id, n.behavior)
}

func (n *Node) ID() string { return n.id }
func (n *Node) Behavior() Behavior { return n.behavior }
func (n *Node) Temperature() float64 { return n.temperature }
func (n *Node) Weight() float64 { return n.weight }
func (n *Node) Enabled() bool { return n.enabled }
func (n *Node) SetEnabled(enabled bool) { n.enabled = enabled }

// PreUpdateCalled fires at the start of PreUpdate.
func (n *Node) PreUpdateCalled() *Signal { return &n.preUpdateCalled }

// UpdateCalled fires at the start of Update.
func (n *Node) UpdateCalled() *Signal { return &n.updateCalled }

// PostUpdateCalled fires at the start of PostUpdate, before the per-tick
// buffers are cleared.
func (n *Node) PostUpdateCalled() *Signal { return &n.postUpdateCalled }

// ResourcesRequiredPerTick returns a copy of the node's demand.
func (n *Node) ResourcesRequiredPerTick() map[string]float64 {
	return maps.Clone(n.required)
}

// ResourcesReceivedThisTick returns a copy of what was committed this tick.
func (n *Node) ResourcesReceivedThisTick() map[string]float64 {
	return maps.Clone(n.received)
}

// ResourcesProducedThisTick returns a copy of what the node produced this tick.
func (n *Node) ResourcesProducedThisTick() map[string]float64 {
	return maps.Clone(n.produced)
}

// SetRequiredPerTick sets the demand for a resource type. A non-positive
// amount removes the demand.
func (n *Node) SetRequiredPerTick(resourceType string, amount float64) {
	if amount <= 0 {
		delete(n.required, resourceType)
		return
	}
	n.required[resourceType] = amount
}

// RecordProduced stores what the node produced of a type this tick.
func (n *Node) RecordProduced(resourceType string, amount float64) {
	n.produced[resourceType] = amount
}

// AdditionalProperties returns the extra numeric properties exposed by the
// node's behavior, if any.
func (n *Node) AdditionalProperties() map[string]float64 {
	if r, ok := n.behavior.(Reporter); ok {
		return r.AdditionalProperties(n)
	}
	return map[string]float64{}
}

// AddHeat raises the temperature by heat spread over the node's thermal mass.
func (n *Node) AddHeat(heat float64) {
	n.temperature += heat / n.weight
}

// SubtractHeat is the inverse of AddHeat.
func (n *Node) SubtractHeat(heat float64) {
	n.temperature -= heat / n.weight
}

// ConnectWith creates a connection of resourceType from n to target. n owns
// the connection; target only keeps a reference to it.
func (n *Node) ConnectWith(resourceType string, target *Node) (*Connection, error) {
	if target == nil {
		return nil, fmt.Errorf("failed to connect %q: nil target", n.id)
	}
	if target.grid != n.grid {
		return nil, fmt.Errorf("failed to connect %q to %q: %w", n.id, target.id, ErrForeignNode)
	}
	c := n.grid.newConnection(resourceType, n.slot, target.slot)
	n.outgoing = append(n.outgoing, c.index)
	target.addConnection(c)
	return c, nil
}

func (n *Node) addConnection(c *Connection) {
	n.incoming = append(n.incoming, c.index)
}

// IncomingConnections returns the connections that deliver to this node.
func (n *Node) IncomingConnections() []*Connection {
	return n.resolve(n.incoming, "")
}

// OutgoingConnections returns the connections owned by this node.
func (n *Node) OutgoingConnections() []*Connection {
	return n.resolve(n.outgoing, "")
}

func (n *Node) IncomingConnectionsByType(resourceType string) []*Connection {
	return n.resolve(n.incoming, resourceType)
}

func (n *Node) OutgoingConnectionsByType(resourceType string) []*Connection {
	return n.resolve(n.outgoing, resourceType)
}

func (n *Node) resolve(indices []int, resourceType string) []*Connection {
	out := make([]*Connection, 0, len(indices))
	for _, idx := range indices {
		c := n.grid.conn(idx)
		if resourceType != "" && c.resourceType != resourceType {
			continue
		}
		out = append(out, c)
	}
	return out
}

// PreGetResource asks the behavior how much it could accept. Disabled nodes accept nothing.
func (n *Node) PreGetResource(resourceType string, amount float64) float64 {
	if !n.enabled || amount <= 0 {
		return 0
	}
	return n.behavior.PreGetResource(n, resourceType, amount)
}

// PreGiveResource asks the behavior how much it could supply. Disabled nodes supply nothing.
func (n *Node) PreGiveResource(resourceType string, amount float64) float64 {
	if !n.enabled || amount <= 0 {
		return 0
	}
	return n.behavior.PreGiveResource(n, resourceType, amount)
}

func (n *Node) GetResource(resourceType string, amount float64) float64 {
	if !n.enabled || amount <= 0 {
		return 0
	}
	return n.behavior.GetResource(n, resourceType, amount)
}

func (n *Node) GiveResource(resourceType string, amount float64) float64 {
	if !n.enabled || amount <= 0 {
		return 0
	}
	return n.behavior.GiveResource(n, resourceType, amount)
}

// PreUpdate reserves this tick's demand, split evenly over the incoming
// connections of each required type. A type without suppliers is left
// unsatisfied.
func (n *Node) PreUpdate() {
	n.preUpdateCalled.emit(n)
	if !n.enabled {
		return
	}
	for _, resourceType := range n.requiredTypes() {
		connections := n.IncomingConnectionsByType(resourceType)
		if len(connections) == 0 {
			continue
		}
		share := n.required[resourceType] / float64(len(connections))
		for _, c := range connections {
			c.ReserveResource(share)
		}
	}
}

// RequiresReplanning reports whether another ReplanReservations pass could
// still change this node's allocation.
func (n *Node) RequiresReplanning() bool {
	total, satisfied, open := 0, 0, 0
	for _, c := range n.IncomingConnections() {
		if _, ok := n.required[c.resourceType]; !ok {
			continue
		}
		total++
		if c.IsReservationSatisfied() {
			satisfied++
		}
		if !c.locked {
			open++
		}
	}
	if satisfied == 0 || open == 0 {
		return false
	}
	return satisfied != total
}

// ReplanReservations moves the shortfall of maxed-out connections onto the
// connections that still delivered in full, and locks whatever cannot give
// more.
func (n *Node) ReplanReservations() {
	for _, resourceType := range n.requiredTypes() {
		open := make([]*Connection, 0)
		for _, c := range n.IncomingConnectionsByType(resourceType) {
			if !c.locked {
				open = append(open, c)
			}
		}
		if len(open) == 0 {
			continue
		}

		totalDeficiency := 0.0
		satisfied := 0
		for _, c := range open {
			totalDeficiency += c.ReservationDeficiency()
			if c.IsReservationSatisfied() {
				satisfied++
			}
		}

		if satisfied == 0 {
			for _, c := range open {
				c.Lock()
			}
			continue
		}

		extra := totalDeficiency / float64(satisfied)
		for _, c := range open {
			switch {
			case !c.IsReservationSatisfied():
				c.Lock()
			case extra == 0:
				c.Lock()
			default:
				c.ReserveResource(c.requested + extra)
			}
		}
	}
}

// Update commits the granted reservations as this tick's inflow, runs the
// behavior and ticks the attached modifiers.
func (n *Node) Update() {
	n.updateCalled.emit(n)
	for resourceType := range n.required {
		total := 0.0
		for _, c := range n.IncomingConnectionsByType(resourceType) {
			total += c.granted
		}
		n.received[resourceType] = total
	}
	if n.enabled {
		n.behavior.Update(n)
	}
	for _, m := range slices.Clone(n.modifiers) {
		m.Update()
	}
}

// PostUpdate resets the outgoing connections and clears the per-tick buffers.
func (n *Node) PostUpdate() {
	n.postUpdateCalled.emit(n)
	for _, c := range n.OutgoingConnections() {
		c.Reset()
	}
	n.received = make(map[string]float64)
	n.produced = make(map[string]float64)
}

func (n *Node) requiredTypes() []string {
	return slices.Sorted(maps.Keys(n.required))
}
