package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
	"github.com/MRamiBalles/nodegrid/internal/engine"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/history"
	"github.com/MRamiBalles/nodegrid/internal/infra/storage"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
	"github.com/MRamiBalles/nodegrid/internal/platform/optimization"
)

// newTestEngine builds a generator of 100 feeding a load of 60.
func newTestEngine(t *testing.T) (*engine.Engine, *history.Recorder) {
	t.Helper()
	g := grid.New()
	gen, err := g.Add("gen", grid.NewGenerator("power", 100))
	require.NoError(t, err)
	load, err := g.Add("load", grid.NewConsumer(map[string]float64{"power": 60}, 0))
	require.NoError(t, err)
	_, err = gen.ConnectWith("power", load)
	require.NoError(t, err)

	e := engine.NewEngine(g, events.NewEventLog(nil), logger.NewNop(), nil, 10)
	rec := history.NewRecorder(10)
	e.AttachHistory(rec)
	return e, rec
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestNodeStatusEndpoints(t *testing.T) {
	e, rec := newTestEngine(t)
	h := NewAPI(e, rec, logger.NewNop(), nil).Handler()

	res := do(t, h, http.MethodGet, "/api/nodes", "")
	require.Equal(t, http.StatusOK, res.Code)
	var all struct {
		Tick  int64               `json:"tick"`
		Nodes []engine.NodeStatus `json:"nodes"`
	}
	decode(t, res, &all)
	require.Len(t, all.Nodes, 2)
	assert.Equal(t, "gen", all.Nodes[0].ID)
	assert.Equal(t, "generator", all.Nodes[0].Kind)

	res = do(t, h, http.MethodGet, "/api/nodes/load", "")
	require.Equal(t, http.StatusOK, res.Code)
	var one engine.NodeStatus
	decode(t, res, &one)
	assert.Equal(t, 60.0, one.Required["power"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/nodes/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/nodes/nope/history", "").Code)
}

func TestManualTickAndHistory(t *testing.T) {
	e, rec := newTestEngine(t)
	h := NewAPI(e, rec, logger.NewNop(), nil).Handler()

	res := do(t, h, http.MethodGet, "/api/nodes/load/history", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"samples":[]`)

	for i := 0; i < 3; i++ {
		res = do(t, h, http.MethodPost, "/api/tick", "")
		require.Equal(t, http.StatusOK, res.Code)
	}
	var tick TickResponse
	decode(t, res, &tick)
	assert.Equal(t, int64(3), tick.Tick)
	assert.False(t, tick.CapReached)
	assert.Zero(t, tick.Shortfall)

	res = do(t, h, http.MethodGet, "/api/nodes/load/history?limit=2", "")
	require.Equal(t, http.StatusOK, res.Code)
	var hist struct {
		Samples []history.Sample `json:"samples"`
	}
	decode(t, res, &hist)
	require.Len(t, hist.Samples, 2)
	assert.Equal(t, int64(2), hist.Samples[0].Tick)
	assert.Equal(t, 60.0, hist.Samples[1].Received["power"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/nodes/load/history?limit=x", "").Code)

	res = do(t, h, http.MethodGet, "/api/nodes/load", "")
	var status engine.NodeStatus
	decode(t, res, &status)
	assert.Equal(t, 60.0, status.Received["power"])
}

func TestManualTickIsRateLimited(t *testing.T) {
	e, rec := newTestEngine(t)
	tuning := optimization.DefaultConfig()
	tuning.ManualTicksPerSecond = 0.001
	tuning.ManualTickBurst = 1
	h := NewAPI(e, rec, logger.NewNop(), tuning).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/tick", "").Code)
	res := do(t, h, http.MethodPost, "/api/tick", "")
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
	assert.Equal(t, int64(1), e.TickNumber())
}

func TestSetEnabled(t *testing.T) {
	e, rec := newTestEngine(t)
	h := NewAPI(e, rec, logger.NewNop(), nil).Handler()

	res := do(t, h, http.MethodPost, "/api/nodes/load/enabled", `{"enabled": false, "actor": "alice"}`)
	require.Equal(t, http.StatusOK, res.Code)
	var status engine.NodeStatus
	decode(t, res, &status)
	assert.False(t, status.Enabled)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/nodes/load/enabled", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/nodes/nope/enabled", `{"enabled": true}`).Code)

	res = do(t, h, http.MethodGet, "/api/events?type=NODE_ENABLED_CHANGED", "")
	require.Equal(t, http.StatusOK, res.Code)
	var evs EventsResponse
	decode(t, res, &evs)
	require.Equal(t, 1, evs.Total)
	assert.Equal(t, "alice", evs.Events[0].ActorID)
	assert.Equal(t, "load", evs.Events[0].TargetID)
}

func TestAttachModifier(t *testing.T) {
	e, rec := newTestEngine(t)
	h := NewAPI(e, rec, logger.NewNop(), nil).Handler()

	res := do(t, h, http.MethodPost, "/api/nodes/gen/modifiers", `{"type": "OverclockModifier", "duration": 2}`)
	require.Equal(t, http.StatusCreated, res.Code)
	var status engine.NodeStatus
	decode(t, res, &status)
	require.Len(t, status.Modifiers, 1)
	assert.Equal(t, grid.KindOverclock, status.Modifiers[0].Type)
	assert.Equal(t, grid.OverclockOutputFactor, status.Modifiers[0].Factors["output"])

	res = do(t, h, http.MethodPost, "/api/nodes/gen/modifiers", `{"modifiers": {"output": 10}, "duration": 1}`)
	require.Equal(t, http.StatusCreated, res.Code)
	decode(t, res, &status)
	assert.Len(t, status.Modifiers, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/nodes/gen/modifiers", `{"type": "OverclockModifier"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/nodes/gen/modifiers", `{"type": "Warp", "duration": 1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/nodes/gen/modifiers", `not json`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/nodes/nope/modifiers", `{"duration": 1}`).Code)

	res = do(t, h, http.MethodGet, "/api/modifiers", "")
	assert.Contains(t, res.Body.String(), grid.KindMediumCoolingPack)
}

func TestEventsPaging(t *testing.T) {
	e, rec := newTestEngine(t)
	h := NewAPI(e, rec, logger.NewNop(), nil).Handler()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.Tick(ctx)
		require.NoError(t, err)
	}

	var page EventsResponse
	decode(t, do(t, h, http.MethodGet, "/api/events?since=1", ""), &page)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 3, page.Next)

	decode(t, do(t, h, http.MethodGet, "/api/events?since=3", ""), &page)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Events)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events?since=-1", "").Code)

	res := do(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, res.Code)
	var stats struct {
		Tick   int64          `json:"tick"`
		Events map[string]int `json:"events"`
	}
	decode(t, res, &stats)
	assert.Equal(t, int64(3), stats.Tick)
	assert.Equal(t, 3, stats.Events[string(events.EventTypeTickCompleted)])
}

type fakeTimeline struct {
	entries []storage.TimelineEntry
	err     error
}

func (f fakeTimeline) Timeline(context.Context, string, string, int64) ([]storage.TimelineEntry, error) {
	return f.entries, f.err
}

func TestTimeline(t *testing.T) {
	e, rec := newTestEngine(t)

	h := NewAPI(e, rec, logger.NewNop(), nil).Handler()
	assert.Equal(t, http.StatusNotImplemented, do(t, h, http.MethodGet, "/api/nodes/gen/timeline", "").Code)

	src := fakeTimeline{entries: []storage.TimelineEntry{{Tick: 4, EventType: "MODIFIER_EXPIRED", Impact: "NEGATIVE"}}}
	h = NewAPI(e, rec, logger.NewNop(), nil, WithTimeline("g1", src)).Handler()
	res := do(t, h, http.MethodGet, "/api/nodes/gen/timeline?since=2", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "MODIFIER_EXPIRED")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/nodes/nope/timeline", "").Code)

	h = NewAPI(e, rec, logger.NewNop(), nil, WithTimeline("g1", fakeTimeline{err: errors.New("db down")})).Handler()
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/nodes/gen/timeline", "").Code)
}

func TestMetricsRoute(t *testing.T) {
	e, rec := newTestEngine(t)
	m := metrics.New()
	h := NewAPI(e, rec, logger.NewNop(), nil, WithMetrics(m)).Handler()

	res := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "nodegrid_ticks_total")
}
