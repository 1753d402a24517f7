// Package engine drives the grid: it runs the tick lifecycle over every node,
// caps replanning and publishes what happened to the event log and metrics.
//
// ARCHITECTURAL RULE: a tick is one unit of work. The engine holds its write
// lock from the first PreUpdate to the last PostUpdate; status readers take
// the read lock and never see a half-committed tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/history"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
)

// DefaultMaxReplanRounds bounds replanning when no limit is configured.
const DefaultMaxReplanRounds = 16

// ErrUnknownNode is returned by operations addressed to an id the grid does not know.
var ErrUnknownNode = grid.ErrUnknownNode

// ErrInvalidModifier is returned when a modifier cannot be attached as given.
var ErrInvalidModifier = errors.New("invalid modifier")

// TickReport summarises one completed tick.
type TickReport struct {
	Tick         int64
	ReplanRounds int
	// CapReached is set when replanning stopped at the round cap with nodes still pending.
	CapReached bool
	Pending    []string
	Shortfall  float64
	Duration   time.Duration
}

// Engine is the tick driver of one grid.
type Engine struct {
	mu sync.RWMutex

	grid     *grid.Grid
	eventLog *events.EventLog
	logger   *logger.Logger
	metrics  *metrics.Collector

	maxReplanRounds int

	tickNumber   int64
	lastReport   TickReport
	lastReceived map[string]map[string]float64
	lastProduced map[string]map[string]float64
}

// NewEngine wires the engine to a grid. m may be nil.
func NewEngine(g *grid.Grid, eventLog *events.EventLog, log *logger.Logger, m *metrics.Collector, maxReplanRounds int) *Engine {
	if maxReplanRounds < 1 {
		maxReplanRounds = DefaultMaxReplanRounds
	}
	e := &Engine{
		grid:            g,
		eventLog:        eventLog,
		logger:          log,
		metrics:         m,
		maxReplanRounds: maxReplanRounds,
		lastReceived:    make(map[string]map[string]float64),
		lastProduced:    make(map[string]map[string]float64),
	}

	for _, n := range g.Nodes() {
		n.PostUpdateCalled().Connect(e.capture)
	}
	g.OnModifierExpired(e.onModifierExpired)
	return e
}

// Grid exposes the grid for wiring observers before the first tick. It must
// not be mutated while the engine is running.
func (e *Engine) Grid() *grid.Grid {
	return e.grid
}

// AttachHistory subscribes rec to every node. Samples are stamped with the
// number of the tick being run.
func (e *Engine) AttachHistory(rec *history.Recorder) {
	rec.Observe(e.grid, e.currentTick)
}

// currentTick is only called from node signals, which fire while Tick holds
// the write lock.
func (e *Engine) currentTick() int64 {
	return e.tickNumber
}

// ReplanCap is the number of replanning passes a tick may run: the configured
// bound, but never more than the largest incoming connection count plus one.
func (e *Engine) ReplanCap() int {
	return min(e.maxReplanRounds, e.grid.MaxIncoming()+1)
}

// Tick runs one complete tick.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	if err := ctx.Err(); err != nil {
		return TickReport{}, fmt.Errorf("failed to start tick: %w", err)
	}

	e.mu.Lock()
	report := e.tick()
	e.mu.Unlock()

	e.publish(report)
	return report, nil
}

func (e *Engine) tick() TickReport {
	start := time.Now()
	e.tickNumber++
	nodes := e.grid.Nodes()

	for _, n := range nodes {
		n.PreUpdate()
	}

	limit := e.ReplanCap()
	rounds := 0
	for rounds < limit {
		pending := pendingNodes(nodes)
		if len(pending) == 0 {
			break
		}
		for _, n := range pending {
			n.ReplanReservations()
		}
		rounds++
	}

	report := TickReport{
		Tick:         e.tickNumber,
		ReplanRounds: rounds,
	}
	if still := pendingNodes(nodes); len(still) > 0 {
		report.CapReached = true
		for _, n := range still {
			report.Pending = append(report.Pending, n.ID())
		}
	}
	report.Shortfall = shortfall(nodes)

	for _, n := range nodes {
		n.Update()
	}
	for _, n := range nodes {
		n.PostUpdate()
	}

	report.Duration = time.Since(start)
	e.lastReport = report
	return report
}

func (e *Engine) publish(r TickReport) {
	if e.metrics != nil {
		e.metrics.RecordTick(r.Duration, r.ReplanRounds, r.CapReached, r.Shortfall)
	}

	if r.CapReached {
		e.logger.Warn("replan cap reached",
			"tick", r.Tick, "rounds", r.ReplanRounds, "pending", r.Pending)
		e.eventLog.Append(events.New(events.EventTypeReplanCapReached, events.SystemActor, "", r.Tick,
			events.TickPayload{Tick: r.Tick, ReplanRounds: r.ReplanRounds, CapReached: true, Pending: r.Pending}))
	}

	e.eventLog.Append(events.New(events.EventTypeTickCompleted, events.SystemActor, "", r.Tick, events.TickPayload{
		Tick:            r.Tick,
		ReplanRounds:    r.ReplanRounds,
		CapReached:      r.CapReached,
		LockedShortfall: r.Shortfall,
		DurationMs:      float64(r.Duration.Microseconds()) / 1000,
	}))
	e.logger.Debug("tick completed", "tick", r.Tick, "rounds", r.ReplanRounds, "shortfall", r.Shortfall)
}

func pendingNodes(nodes []*grid.Node) []*grid.Node {
	var pending []*grid.Node
	for _, n := range nodes {
		if n.RequiresReplanning() {
			pending = append(pending, n)
		}
	}
	return pending
}

// shortfall is the demand that the committed reservations leave unmet.
func shortfall(nodes []*grid.Node) float64 {
	total := 0.0
	for _, n := range nodes {
		if !n.Enabled() {
			continue
		}
		for resourceType, demand := range n.ResourcesRequiredPerTick() {
			granted := 0.0
			for _, c := range n.IncomingConnectionsByType(resourceType) {
				granted += c.GrantedAmount()
			}
			if demand > granted {
				total += demand - granted
			}
		}
	}
	return total
}

func (e *Engine) capture(n *grid.Node) {
	e.lastReceived[n.ID()] = n.ResourcesReceivedThisTick()
	e.lastProduced[n.ID()] = n.ResourcesProducedThisTick()
}

func (e *Engine) onModifierExpired(n *grid.Node, m *grid.Modifier) {
	e.eventLog.Append(events.New(events.EventTypeModifierExpired, events.SystemActor, n.ID(), e.tickNumber,
		events.ModifierPayload{Modifier: m.Serialize()}))
	e.logger.Event(string(events.EventTypeModifierExpired), n.ID(), m.Name())
}

// SetNodeEnabled switches a node on or off between ticks.
func (e *Engine) SetNodeEnabled(id string, enabled bool, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.grid.Node(id)
	if !ok {
		return fmt.Errorf("failed to set enabled on %q: %w", id, ErrUnknownNode)
	}
	if n.Enabled() == enabled {
		return nil
	}
	n.SetEnabled(enabled)
	e.eventLog.Append(events.New(events.EventTypeNodeEnabledChanged, actor, id, e.tickNumber,
		events.EnabledPayload{Enabled: enabled}))
	e.logger.Info("node enabled changed", "node", id, "enabled", enabled, "actor", actor)
	return nil
}

// AttachModifier decodes d and attaches it to a node between ticks.
func (e *Engine) AttachModifier(id string, d grid.Data, actor string) error {
	if d.Duration < 1 {
		return fmt.Errorf("failed to attach %s to %q: %w: duration must be positive", d.Type, id, ErrInvalidModifier)
	}
	m, err := grid.DecodeModifier(d)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.grid.Node(id)
	if !ok {
		return fmt.Errorf("failed to attach modifier to %q: %w", id, ErrUnknownNode)
	}
	if err := n.AddModifier(m); err != nil {
		return err
	}
	e.eventLog.Append(events.New(events.EventTypeModifierAttached, actor, id, e.tickNumber,
		events.ModifierPayload{Modifier: m.Serialize()}))
	e.logger.Event(string(events.EventTypeModifierAttached), actor, fmt.Sprintf("%s on %s", m, id))
	return nil
}

// Restore applies persisted node states and resumes counting at tick.
// Unknown ids are skipped and reported together.
func (e *Engine) Restore(tick int64, states []grid.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, s := range states {
		n, ok := e.grid.Node(s.ID)
		if !ok {
			errs = append(errs, fmt.Errorf("node %q: %w", s.ID, ErrUnknownNode))
			continue
		}
		if err := n.Restore(s); err != nil {
			errs = append(errs, err)
		}
	}
	if tick > e.tickNumber {
		e.tickNumber = tick
	}
	return errors.Join(errs...)
}

// States captures the persistent state of every node.
func (e *Engine) States() (int64, []grid.State) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	states := make([]grid.State, 0, e.grid.Len())
	for _, n := range e.grid.Nodes() {
		states = append(states, n.State())
	}
	return e.tickNumber, states
}

// TickNumber returns the number of completed ticks.
func (e *Engine) TickNumber() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tickNumber
}

// LastReport returns the report of the last completed tick.
func (e *Engine) LastReport() TickReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReport
}

// GetEventLog exposes the event log to the transport layer.
func (e *Engine) GetEventLog() *events.EventLog {
	return e.eventLog
}

func (e *Engine) lastOf(store map[string]map[string]float64, id string) map[string]float64 {
	if m, ok := store[id]; ok {
		return maps.Clone(m)
	}
	return map[string]float64{}
}
