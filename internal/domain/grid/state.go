package grid

import "fmt"

// State is the part of a node that must survive a restart. Demand and the
// per-tick buffers are rebuilt by the behavior and the next tick.
type State struct {
	ID          string  `json:"id"`
	Temperature float64 `json:"temperature"`
	Enabled     bool    `json:"enabled"`
	Modifiers   []Data  `json:"modifiers"`
}

// State captures the node's persistent state.
func (n *Node) State() State {
	mods := make([]Data, 0, len(n.modifiers))
	for _, m := range n.modifiers {
		mods = append(mods, m.Serialize())
	}
	return State{
		ID:          n.id,
		Temperature: n.temperature,
		Enabled:     n.enabled,
		Modifiers:   mods,
	}
}

// Restore brings the node back to s. Attached modifiers are replaced by the
// decoded ones; the temperature is reached through the heat model.
func (n *Node) Restore(s State) error {
	restored := make([]*Modifier, 0, len(s.Modifiers))
	for _, d := range s.Modifiers {
		m, err := DecodeModifier(d)
		if err != nil {
			return fmt.Errorf("failed to restore %q: %w", n.id, err)
		}
		restored = append(restored, m)
	}

	for _, m := range n.Modifiers() {
		n.RemoveModifier(m)
	}
	for _, m := range restored {
		if err := n.AddModifier(m); err != nil {
			return err
		}
	}
	n.enabled = s.Enabled
	if d := s.Temperature - n.temperature; d > 0 {
		n.AddHeat(d * n.weight)
	} else if d < 0 {
		n.SubtractHeat(-d * n.weight)
	}
	return nil
}

// KindOf names a behavior for status output and topology files.
func KindOf(b Behavior) string {
	switch b.(type) {
	case *Generator:
		return "generator"
	case *Battery:
		return "battery"
	case *Consumer:
		return "consumer"
	case Neutral, *Neutral:
		return "neutral"
	default:
		return fmt.Sprintf("%T", b)
	}
}
