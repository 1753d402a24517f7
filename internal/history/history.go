// Package history keeps a bounded per-node record of what each node did in
// recent ticks. It listens to the nodes' PostUpdateCalled signal, so samples
// are taken after production and consumption but before the tick buffers are
// cleared.
package history

import (
	"maps"
	"sync"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
)

// Sample is one node's state at the end of a tick.
type Sample struct {
	Tick        int64              `json:"tick"`
	Temperature float64            `json:"temperature"`
	Enabled     bool               `json:"enabled"`
	Received    map[string]float64 `json:"received"`
	Produced    map[string]float64 `json:"produced"`
	Properties  map[string]float64 `json:"properties,omitempty"`
}

// Recorder stores the last N samples of every node it observes.
type Recorder struct {
	mu     sync.RWMutex
	length int
	series map[string][]Sample
	tick   func() int64
}

// NewRecorder creates a recorder keeping length samples per node.
func NewRecorder(length int) *Recorder {
	if length < 1 {
		length = 1
	}
	return &Recorder{
		length: length,
		series: make(map[string][]Sample),
		tick:   func() int64 { return 0 },
	}
}

// Observe subscribes to every node currently in g. tick reports the number of
// the tick being recorded and is called from inside the tick.
func (r *Recorder) Observe(g *grid.Grid, tick func() int64) {
	if tick != nil {
		r.tick = tick
	}
	for _, n := range g.Nodes() {
		n.PostUpdateCalled().Connect(r.record)
	}
}

func (r *Recorder) record(n *grid.Node) {
	s := Sample{
		Tick:        r.tick(),
		Temperature: n.Temperature(),
		Enabled:     n.Enabled(),
		Received:    n.ResourcesReceivedThisTick(),
		Produced:    n.ResourcesProducedThisTick(),
		Properties:  n.AdditionalProperties(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	series := append(r.series[n.ID()], s)
	if len(series) > r.length {
		series = series[len(series)-r.length:]
	}
	r.series[n.ID()] = series
}

// Series returns a copy of the recorded samples of a node, oldest first.
func (r *Recorder) Series(id string) ([]Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	series, ok := r.series[id]
	if !ok {
		return nil, false
	}
	out := make([]Sample, len(series))
	for i, s := range series {
		out[i] = s.clone()
	}
	return out, true
}

// Latest returns the newest sample of a node.
func (r *Recorder) Latest(id string) (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	series := r.series[id]
	if len(series) == 0 {
		return Sample{}, false
	}
	return series[len(series)-1].clone(), true
}

func (s Sample) clone() Sample {
	s.Received = maps.Clone(s.Received)
	s.Produced = maps.Clone(s.Produced)
	s.Properties = maps.Clone(s.Properties)
	return s
}
