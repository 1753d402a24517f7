package grid

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	// ErrUnknownModifierKind is returned when decoding a modifier whose type is not registered.
	ErrUnknownModifierKind = errors.New("unknown modifier kind")
	// ErrModifierAttached is returned when a modifier that already has a node is added again.
	ErrModifierAttached = errors.New("modifier already attached")
)

// Kind names used in serialized modifiers.
const (
	KindModifier          = "Modifier"
	KindMediumCoolingPack = "MediumCoolingPackModifier"
	KindOverclock         = "OverclockModifier"
)

// Effect is the per-kind behavior of a modifier. Tick runs once per node
// update before the duration is decremented; Removed runs once when the
// modifier expires.
type Effect interface {
	Tick(m *Modifier, n *Node)
	Removed(m *Modifier, n *Node)
}

type noEffect struct{}

func (noEffect) Tick(*Modifier, *Node) {}
func (noEffect) Removed(*Modifier, *Node) {}

// Modifier is a timed additive/multiplicative effect on a node's properties.
// The node's modifier set owns it; the modifier only remembers the node's slot.
type Modifier struct {
	kind        string
	name        string
	abbrev      string
	description string
	effect      Effect

	grid *Grid
	slot int

	duration  int
	modifiers map[string]float64
	factors   map[string]float64
}

// NewModifier creates a plain modifier with the given additive deltas and
// multiplicative factors. Nil maps are treated as empty.
func NewModifier(modifiers, factors map[string]float64, duration int) *Modifier {
	return newModifier(KindModifier, "Modifier", noEffect{}, modifiers, factors, duration)
}

func newModifier(kind, name string, effect Effect, modifiers, factors map[string]float64, duration int) *Modifier {
	if modifiers == nil {
		modifiers = make(map[string]float64)
	}
	if factors == nil {
		factors = make(map[string]float64)
	}
	return &Modifier{
		kind:      kind,
		name:      name,
		effect:    effect,
		slot:      -1,
		duration:  duration,
		modifiers: maps.Clone(modifiers),
		factors:   maps.Clone(factors),
	}
}

func (m *Modifier) String() string {
	return fmt.Sprintf("%s(duration=%d)", m.kind, m.duration)
}

func (m *Modifier) Kind() string { return m.kind }
func (m *Modifier) Name() string { return m.name }
func (m *Modifier) Abbreviation() string { return m.abbrev }
func (m *Modifier) Description() string { return m.description }
func (m *Modifier) Duration() int { return m.duration }

// Node returns the node the modifier is attached to, or nil.
func (m *Modifier) Node() *Node {
	if m.grid == nil {
		return nil
	}
	return m.grid.node(m.slot)
}

// ModifierForProperty returns the additive delta for name, or 0.
func (m *Modifier) ModifierForProperty(name string) float64 {
	return m.modifiers[name]
}

// FactorForProperty returns the multiplicative factor for name, or 1.
func (m *Modifier) FactorForProperty(name string) float64 {
	if f, ok := m.factors[name]; ok {
		return f
	}
	return 1
}

// Update runs the kind's per-tick effect and counts the duration down. Once
// the duration is spent the modifier detaches from its node and its removal
// hook fires.
func (m *Modifier) Update() {
	n := m.Node()
	if n != nil {
		m.effect.Tick(m, n)
	}
	m.duration--
	if m.duration > 0 || n == nil {
		return
	}
	g := m.grid
	n.RemoveModifier(m)
	m.effect.Removed(m, n)
	g.modifierExpired(n, m)
}

// Equal reports structural equality: same kind, duration, deltas and factors.
func (m *Modifier) Equal(other *Modifier) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.kind == other.kind &&
		m.duration == other.duration &&
		maps.Equal(m.modifiers, other.modifiers) &&
		maps.Equal(m.factors, other.factors)
}

// Data is the persisted shape of a modifier.
type Data struct {
	Type      string             `json:"type"`
	Modifiers map[string]float64 `json:"modifiers"`
	Factors   map[string]float64 `json:"factors"`
	Duration  int                `json:"duration"`
}

func (m *Modifier) Serialize() Data {
	return Data{
		Type:      m.kind,
		Modifiers: maps.Clone(m.modifiers),
		Factors:   maps.Clone(m.factors),
		Duration:  m.duration,
	}
}

// Deserialize overwrites the modifier's duration and any delta or factor map
// present in d. Absent maps keep the kind's defaults. The kind is fixed at
// construction; use DecodeModifier to restore an arbitrary kind.
func (m *Modifier) Deserialize(d Data) {
	if d.Modifiers != nil {
		m.modifiers = maps.Clone(d.Modifiers)
	}
	if d.Factors != nil {
		m.factors = maps.Clone(d.Factors)
	}
	m.duration = d.Duration
}

var modifierKinds = map[string]func(duration int) *Modifier{
	KindModifier: func(duration int) *Modifier {
		return NewModifier(nil, nil, duration)
	},
	KindMediumCoolingPack: NewMediumCoolingPack,
	KindOverclock:         NewOverclock,
}

// ModifierKinds lists the kinds DecodeModifier understands.
func ModifierKinds() []string {
	return slices.Sorted(maps.Keys(modifierKinds))
}

// NewModifierOfKind creates a detached modifier of a registered kind with its
// default deltas and factors.
func NewModifierOfKind(kind string, duration int) (*Modifier, error) {
	construct, ok := modifierKinds[kind]
	if !ok {
		return nil, fmt.Errorf("failed to create modifier %q: %w", kind, ErrUnknownModifierKind)
	}
	return construct(duration), nil
}

// DecodeModifier rebuilds a detached modifier from its persisted shape.
func DecodeModifier(d Data) (*Modifier, error) {
	m, err := NewModifierOfKind(d.Type, d.Duration)
	if err != nil {
		return nil, err
	}
	m.Deserialize(d)
	return m, nil
}

// AddModifier attaches m to the node.
func (n *Node) AddModifier(m *Modifier) error {
	if m == nil {
		return fmt.Errorf("failed to add modifier to %q: nil modifier", n.id)
	}
	if m.grid != nil {
		return fmt.Errorf("failed to add %s to %q: %w", m, n.id, ErrModifierAttached)
	}
	m.grid = n.grid
	m.slot = n.slot
	n.modifiers = append(n.modifiers, m)
	return nil
}

// RemoveModifier detaches m. It reports false if m was not attached here.
func (n *Node) RemoveModifier(m *Modifier) bool {
	i := slices.Index(n.modifiers, m)
	if i < 0 {
		return false
	}
	n.modifiers = slices.Delete(n.modifiers, i, i+1)
	m.grid = nil
	m.slot = -1
	return true
}

// Modifiers returns the attached modifiers in attachment order.
func (n *Node) Modifiers() []*Modifier {
	return slices.Clone(n.modifiers)
}

// PropertyValue applies every attached modifier to base:
// (base + sum of deltas) * product of factors.
func (n *Node) PropertyValue(name string, base float64) float64 {
	delta, factor := 0.0, 1.0
	for _, m := range n.modifiers {
		delta += m.ModifierForProperty(name)
		factor *= m.FactorForProperty(name)
	}
	return (base + delta) * factor
}
