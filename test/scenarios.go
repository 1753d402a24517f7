// Package test holds the scenario harness: canonical grid layouts run
// through the real engine, with the outcome compared against known values.
package test

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/MRamiBalles/nodegrid/internal/domain/topology"
	"github.com/MRamiBalles/nodegrid/internal/engine"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
)

const tolerance = 1e-9

// Metric names an Expectation can check.
const (
	MetricReceived    = "received"
	MetricProduced    = "produced"
	MetricTemperature = "temperature"
	MetricProperty    = "property"
)

// Expectation is one value read from a node's status after the last tick.
type Expectation struct {
	Node   string
	Metric string
	Key    string // resource type or property name
	Want   float64
}

// Scenario is a topology, a number of ticks and what must hold afterwards.
type Scenario struct {
	Name            string
	Topology        string
	MaxReplanRounds int
	Ticks           int

	Expect []Expectation
	// WantRounds is checked on the last tick when positive.
	WantRounds     int
	WantCapReached bool
	WantPending    []string
	WantShortfall  float64
}

// TestResult captures the outcome of each scenario.
type TestResult struct {
	ScenarioName string
	Ticks        int64
	Passed       bool
	Reason       string
}

// Harness runs scenarios and collects their results.
type Harness struct {
	logger  *logger.Logger
	results []TestResult
}

// NewHarness creates the scenario harness.
func NewHarness(log *logger.Logger) *Harness {
	return &Harness{logger: log}
}

// Results returns the results collected so far.
func (h *Harness) Results() []TestResult {
	return slices.Clone(h.results)
}

// Failed counts the failed scenarios.
func (h *Harness) Failed() int {
	failed := 0
	for _, r := range h.results {
		if !r.Passed {
			failed++
		}
	}
	return failed
}

// RunAll runs every scenario in order and stops early if ctx is done.
func (h *Harness) RunAll(ctx context.Context, scenarios []Scenario) []TestResult {
	for _, s := range scenarios {
		if ctx.Err() != nil {
			break
		}
		h.results = append(h.results, h.Run(ctx, s))
	}
	return h.Results()
}

// Run executes one scenario.
func (h *Harness) Run(ctx context.Context, s Scenario) TestResult {
	res := TestResult{ScenarioName: s.Name}
	fail := func(format string, args ...interface{}) TestResult {
		res.Reason = fmt.Sprintf(format, args...)
		h.logger.Warn("scenario failed", "scenario", s.Name, "reason", res.Reason)
		return res
	}

	topo, err := topology.Load(strings.NewReader(s.Topology))
	if err != nil {
		return fail("load: %v", err)
	}
	g, err := topo.Build()
	if err != nil {
		return fail("build: %v", err)
	}
	eng := engine.NewEngine(g, events.NewEventLog(nil), h.logger, nil, s.MaxReplanRounds)

	ticks := max(s.Ticks, 1)
	var report engine.TickReport
	for i := 0; i < ticks; i++ {
		if report, err = eng.Tick(ctx); err != nil {
			return fail("tick %d: %v", i+1, err)
		}
	}
	res.Ticks = report.Tick

	var problems []string
	if s.WantRounds > 0 && report.ReplanRounds != s.WantRounds {
		problems = append(problems, fmt.Sprintf("replan rounds %d, want %d", report.ReplanRounds, s.WantRounds))
	}
	if report.CapReached != s.WantCapReached {
		problems = append(problems, fmt.Sprintf("cap reached %t, want %t", report.CapReached, s.WantCapReached))
	}
	if !slices.Equal(report.Pending, s.WantPending) {
		problems = append(problems, fmt.Sprintf("pending %v, want %v", report.Pending, s.WantPending))
	}
	if math.Abs(report.Shortfall-s.WantShortfall) > tolerance {
		problems = append(problems, fmt.Sprintf("shortfall %g, want %g", report.Shortfall, s.WantShortfall))
	}
	for _, exp := range s.Expect {
		if p := check(eng, exp); p != "" {
			problems = append(problems, p)
		}
	}

	if len(problems) > 0 {
		return fail("%s", strings.Join(problems, "; "))
	}
	res.Passed = true
	h.logger.Info("scenario passed", "scenario", s.Name, "ticks", res.Ticks)
	return res
}

func check(eng *engine.Engine, exp Expectation) string {
	status, err := eng.NodeStatus(exp.Node)
	if err != nil {
		return err.Error()
	}
	var got float64
	switch exp.Metric {
	case MetricReceived:
		got = status.Received[exp.Key]
	case MetricProduced:
		got = status.Produced[exp.Key]
	case MetricTemperature:
		got = status.Temperature
	case MetricProperty:
		got = status.Properties[exp.Key]
	default:
		return fmt.Sprintf("unknown metric %q", exp.Metric)
	}
	if math.Abs(got-exp.Want) > tolerance {
		return fmt.Sprintf("%s %s[%s] = %g, want %g", exp.Node, exp.Metric, exp.Key, got, exp.Want)
	}
	return ""
}

const splitLayout = `
nodes:
  - {id: A1, kind: generator, resource: power, amount: 30}
  - {id: A2, kind: generator, resource: power, amount: 1000}
  - {id: B, kind: consumer, demand: {power: 100}}
connections:
  - {from: A1, to: B, resource: power}
  - {from: A2, to: B, resource: power}
`

// CanonicalScenarios are the reference behaviors of the reservation protocol.
func CanonicalScenarios() []Scenario {
	return []Scenario{
		{
			Name: "single producer delivers full demand",
			Topology: `
nodes:
  - {id: A, kind: generator, resource: power, amount: 1000}
  - {id: B, kind: consumer, demand: {power: 100}}
connections:
  - {from: A, to: B, resource: power}
`,
			MaxReplanRounds: 10,
			Ticks:           1,
			Expect: []Expectation{
				{Node: "B", Metric: MetricReceived, Key: "power", Want: 100},
				{Node: "A", Metric: MetricProduced, Key: "power", Want: 100},
			},
		},
		{
			Name:            "split producers replan onto the larger supplier",
			Topology:        splitLayout,
			MaxReplanRounds: 10,
			Ticks:           1,
			WantRounds:      2,
			Expect: []Expectation{
				{Node: "B", Metric: MetricReceived, Key: "power", Want: 100},
				{Node: "A1", Metric: MetricProduced, Key: "power", Want: 30},
				{Node: "A2", Metric: MetricProduced, Key: "power", Want: 70},
			},
		},
		{
			Name:            "round cap stops replanning with the consumer pending",
			Topology:        splitLayout,
			MaxReplanRounds: 1,
			Ticks:           1,
			WantRounds:      1,
			WantCapReached:  true,
			WantPending:     []string{"B"},
			Expect: []Expectation{
				{Node: "B", Metric: MetricReceived, Key: "power", Want: 100},
			},
		},
		{
			Name: "unmet demand is reported as shortfall",
			Topology: `
nodes:
  - {id: A, kind: generator, resource: power, amount: 40}
  - {id: B, kind: consumer, demand: {power: 100, water: 5}}
connections:
  - {from: A, to: B, resource: power}
`,
			MaxReplanRounds: 10,
			Ticks:           1,
			WantShortfall:   65,
			Expect: []Expectation{
				{Node: "B", Metric: MetricReceived, Key: "power", Want: 40},
			},
		},
		{
			Name: "battery charges then discharges",
			Topology: `
nodes:
  - {id: gen, kind: generator, resource: power, amount: 50}
  - {id: bat, kind: battery, resource: power, capacity: 100, charge_rate: 40, discharge_rate: 30}
  - {id: load, kind: consumer, demand: {power: 30}, heat_per_unit: 3}
connections:
  - {from: gen, to: bat, resource: power}
  - {from: bat, to: load, resource: power}
`,
			MaxReplanRounds: 10,
			Ticks:           2,
			Expect: []Expectation{
				{Node: "load", Metric: MetricReceived, Key: "power", Want: 30},
				{Node: "bat", Metric: MetricProperty, Key: "amount_stored", Want: 50},
				{Node: "load", Metric: MetricTemperature, Want: 20.3},
			},
		},
		{
			Name: "overclock expires and returns its heat",
			Topology: `
nodes:
  - {id: A, kind: generator, resource: power, amount: 100}
  - {id: B, kind: consumer, demand: {power: 200}}
connections:
  - {from: A, to: B, resource: power}
modifiers:
  - {node: A, type: OverclockModifier, duration: 2}
`,
			MaxReplanRounds: 10,
			Ticks:           3,
			WantShortfall:   100,
			Expect: []Expectation{
				{Node: "B", Metric: MetricReceived, Key: "power", Want: 100},
				{Node: "A", Metric: MetricTemperature, Want: 20},
			},
		},
		{
			Name: "medium cooling pack extracts heat until it runs out",
			Topology: `
nodes:
  - {id: N, kind: neutral}
modifiers:
  - {node: N, type: MediumCoolingPackModifier, duration: 2}
`,
			MaxReplanRounds: 10,
			Ticks:           3,
			Expect: []Expectation{
				{Node: "N", Metric: MetricTemperature, Want: 5},
			},
		},
	}
}
