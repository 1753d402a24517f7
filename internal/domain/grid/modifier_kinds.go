package grid

// heatPerTick adds a fixed amount of heat to the node every tick.
type heatPerTick struct {
	heat float64
}

func (e heatPerTick) Tick(_ *Modifier, n *Node) {
	n.AddHeat(e.heat)
}

func (heatPerTick) Removed(*Modifier, *Node) {}

// NewMediumCoolingPack extracts 2250 units of heat per tick for duration ticks.
func NewMediumCoolingPack(duration int) *Modifier {
	m := newModifier(KindMediumCoolingPack, "Medium Cooling Pack", heatPerTick{heat: -2250}, nil, nil, duration)
	m.abbrev = "MCP"
	m.description = "Apply a medium chemical cooling pack to extract heat from a device."
	return m
}

const (
	OverclockOutputFactor = 1.5
	OverclockHeatPerTick  = 600.0

	// OverclockTicksKey holds the duration the overclock started with. No
	// node property reads it; it travels with the serialized modifier so the
	// heat to give back can be recomputed after a restore.
	OverclockTicksKey = "overclock_ticks"
)

// overclock heats the node while the output factor is active and gives the
// heat back when it runs out.
type overclock struct{}

func (overclock) Tick(m *Modifier, n *Node) {
	if _, ok := m.modifiers[OverclockTicksKey]; !ok {
		m.modifiers[OverclockTicksKey] = float64(m.duration)
	}
	n.AddHeat(OverclockHeatPerTick)
}

func (overclock) Removed(m *Modifier, n *Node) {
	elapsed := m.modifiers[OverclockTicksKey] - float64(max(m.duration, 0))
	if elapsed > 0 {
		n.SubtractHeat(elapsed * OverclockHeatPerTick)
	}
}

// NewOverclock scales a node's "output" property by OverclockOutputFactor for
// duration ticks.
func NewOverclock(duration int) *Modifier {
	m := newModifier(KindOverclock, "Overclock", overclock{},
		map[string]float64{OverclockTicksKey: float64(duration)},
		map[string]float64{"output": OverclockOutputFactor}, duration)
	m.abbrev = "OC"
	m.description = "Push a device past its rated output at the cost of extra heat."
	return m
}
