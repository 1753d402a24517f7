// Package topology reads grid layouts from YAML and builds them into a grid.
package topology

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid topology")

// Node kinds understood by Build.
const (
	KindGenerator = "generator"
	KindBattery   = "battery"
	KindConsumer  = "consumer"
	KindNeutral   = "neutral"
)

// NodeSpec describes one node. Which kind parameters apply depends on Kind.
type NodeSpec struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"`
	Weight      float64  `yaml:"weight,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty"`

	// generator, battery
	Resource string  `yaml:"resource,omitempty"`
	Amount   float64 `yaml:"amount,omitempty"`

	// battery
	Capacity      float64 `yaml:"capacity,omitempty"`
	Stored        float64 `yaml:"stored,omitempty"`
	ChargeRate    float64 `yaml:"charge_rate,omitempty"`
	DischargeRate float64 `yaml:"discharge_rate,omitempty"`

	// consumer
	Demand      map[string]float64 `yaml:"demand,omitempty"`
	HeatPerUnit float64            `yaml:"heat_per_unit,omitempty"`
}

// ConnectionSpec is a directed edge from the supplier to the receiver.
type ConnectionSpec struct {
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	Resource string `yaml:"resource"`
}

// ModifierSpec attaches a modifier to a node at build time.
type ModifierSpec struct {
	Node      string             `yaml:"node"`
	Type      string             `yaml:"type"`
	Duration  int                `yaml:"duration"`
	Modifiers map[string]float64 `yaml:"modifiers,omitempty"`
	Factors   map[string]float64 `yaml:"factors,omitempty"`
}

// Topology is a whole grid layout.
type Topology struct {
	Nodes       []NodeSpec       `yaml:"nodes"`
	Connections []ConnectionSpec `yaml:"connections"`
	Modifiers   []ModifierSpec   `yaml:"modifiers,omitempty"`
}

// Load decodes and validates a topology. Unknown fields are rejected.
func Load(r io.Reader) (*Topology, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	t := &Topology{}
	if err := dec.Decode(t); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFile reads a topology from path.
func LoadFile(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open topology: %w", err)
	}
	defer f.Close()

	t, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return t, nil
}

// Validate reports every problem in the layout at once.
func (t *Topology) Validate() error {
	var errs []error
	ids := make(map[string]bool, len(t.Nodes))

	if len(t.Nodes) == 0 {
		errs = append(errs, errors.New("no nodes"))
	}
	for i, n := range t.Nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("node %d: missing id", i))
			continue
		}
		if ids[n.ID] {
			errs = append(errs, fmt.Errorf("node %q: duplicate id", n.ID))
		}
		ids[n.ID] = true
		if n.Weight < 0 {
			errs = append(errs, fmt.Errorf("node %q: negative weight", n.ID))
		}
		errs = append(errs, n.validateKind()...)
	}

	for i, c := range t.Connections {
		if c.Resource == "" {
			errs = append(errs, fmt.Errorf("connection %d: missing resource", i))
		}
		if !ids[c.From] {
			errs = append(errs, fmt.Errorf("connection %d: unknown node %q", i, c.From))
		}
		if !ids[c.To] {
			errs = append(errs, fmt.Errorf("connection %d: unknown node %q", i, c.To))
		}
		if c.From == c.To && c.From != "" {
			errs = append(errs, fmt.Errorf("connection %d: %q connects to itself", i, c.From))
		}
	}

	for i, m := range t.Modifiers {
		if !ids[m.Node] {
			errs = append(errs, fmt.Errorf("modifier %d: unknown node %q", i, m.Node))
		}
		if m.Duration < 1 {
			errs = append(errs, fmt.Errorf("modifier %d: duration must be positive", i))
		}
		if _, err := grid.NewModifierOfKind(m.Type, m.Duration); err != nil {
			errs = append(errs, fmt.Errorf("modifier %d: %w", i, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (n NodeSpec) validateKind() []error {
	var errs []error
	switch n.Kind {
	case KindGenerator:
		if n.Resource == "" {
			errs = append(errs, fmt.Errorf("node %q: generator needs a resource", n.ID))
		}
		if n.Amount < 0 {
			errs = append(errs, fmt.Errorf("node %q: negative amount", n.ID))
		}
	case KindBattery:
		if n.Resource == "" {
			errs = append(errs, fmt.Errorf("node %q: battery needs a resource", n.ID))
		}
		if n.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("node %q: battery capacity must be positive", n.ID))
		}
		if n.Stored < 0 || n.Stored > n.Capacity {
			errs = append(errs, fmt.Errorf("node %q: stored must be within capacity", n.ID))
		}
		if n.ChargeRate < 0 || n.DischargeRate < 0 {
			errs = append(errs, fmt.Errorf("node %q: negative rate", n.ID))
		}
	case KindConsumer:
		for resourceType, amount := range n.Demand {
			if amount < 0 {
				errs = append(errs, fmt.Errorf("node %q: negative demand for %q", n.ID, resourceType))
			}
		}
	case KindNeutral, "":
	default:
		errs = append(errs, fmt.Errorf("node %q: unknown kind %q", n.ID, n.Kind))
	}
	return errs
}

// Build creates a fresh grid from the layout.
func (t *Topology) Build() (*grid.Grid, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	g := grid.New()
	for _, spec := range t.Nodes {
		opts := []grid.Option{grid.WithWeight(spec.Weight)}
		if spec.Temperature != nil {
			opts = append(opts, grid.WithTemperature(*spec.Temperature))
		}
		n, err := g.Add(spec.ID, spec.behavior(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build node %q: %w", spec.ID, err)
		}
		if spec.Enabled != nil {
			n.SetEnabled(*spec.Enabled)
		}
	}

	for _, c := range t.Connections {
		if _, err := g.Connect(c.Resource, c.From, c.To); err != nil {
			return nil, fmt.Errorf("failed to build connection: %w", err)
		}
	}

	for _, spec := range t.Modifiers {
		m, err := grid.DecodeModifier(grid.Data{
			Type:      spec.Type,
			Modifiers: spec.Modifiers,
			Factors:   spec.Factors,
			Duration:  spec.Duration,
		})
		if err != nil {
			return nil, err
		}
		n, _ := g.Node(spec.Node)
		if err := n.AddModifier(m); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (n NodeSpec) behavior() grid.Behavior {
	switch n.Kind {
	case KindGenerator:
		return grid.NewGenerator(n.Resource, n.Amount)
	case KindBattery:
		return grid.NewBattery(n.Resource, n.Capacity, n.Stored, n.ChargeRate, n.DischargeRate)
	case KindConsumer:
		return grid.NewConsumer(maps.Clone(n.Demand), n.HeatPerUnit)
	default:
		return grid.Neutral{}
	}
}
