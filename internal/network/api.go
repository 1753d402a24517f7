package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
	"github.com/MRamiBalles/nodegrid/internal/engine"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/history"
	"github.com/MRamiBalles/nodegrid/internal/infra/storage"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
	"github.com/MRamiBalles/nodegrid/internal/platform/optimization"
)

// OperatorActor is recorded when a request names no actor.
const OperatorActor = "OPERATOR"

// TimelineSource serves persisted per-node timelines.
type TimelineSource interface {
	Timeline(ctx context.Context, gridID, nodeID string, sinceTick int64) ([]storage.TimelineEntry, error)
}

// API serves the HTTP status and operator endpoints of one grid.
type API struct {
	gridID   string
	engine   *engine.Engine
	history  *history.Recorder
	timeline TimelineSource
	hub      *Hub
	logger   *logger.Logger
	metrics  *metrics.Collector
	limiter  *rate.Limiter
}

// APIOption customises an API.
type APIOption func(*API)

// WithTimeline enables GET /api/nodes/{id}/timeline.
func WithTimeline(gridID string, src TimelineSource) APIOption {
	return func(a *API) {
		a.gridID = gridID
		a.timeline = src
	}
}

// WithHub enables the /ws endpoint.
func WithHub(h *Hub) APIOption {
	return func(a *API) { a.hub = h }
}

// WithMetrics enables the /metrics endpoint.
func WithMetrics(m *metrics.Collector) APIOption {
	return func(a *API) { a.metrics = m }
}

// NewAPI creates the handler set. tuning may be nil.
func NewAPI(eng *engine.Engine, rec *history.Recorder, log *logger.Logger, tuning *optimization.Config, opts ...APIOption) *API {
	if tuning == nil {
		tuning = optimization.DefaultConfig()
	}
	a := &API{
		engine:  eng,
		history: rec,
		logger:  log,
		limiter: rate.NewLimiter(rate.Limit(tuning.ManualTicksPerSecond), tuning.ManualTickBurst),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterRoutes sets up the API routes.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/nodes", a.HandleNodes)
	mux.HandleFunc("GET /api/nodes/{id}", a.HandleNode)
	mux.HandleFunc("GET /api/nodes/{id}/history", a.HandleHistory)
	mux.HandleFunc("GET /api/nodes/{id}/timeline", a.HandleTimeline)
	mux.HandleFunc("POST /api/nodes/{id}/enabled", a.HandleSetEnabled)
	mux.HandleFunc("POST /api/nodes/{id}/modifiers", a.HandleAttachModifier)
	mux.HandleFunc("POST /api/tick", a.HandleTick)
	mux.HandleFunc("GET /api/events", a.HandleEvents)
	mux.HandleFunc("GET /api/stats", a.HandleStats)
	mux.HandleFunc("GET /api/modifiers", a.HandleModifierKinds)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	if a.hub != nil {
		mux.HandleFunc("GET /ws", a.hub.ServeWS)
	}
}

// Handler returns a mux with every route registered.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return mux
}

// HandleNodes returns the status of every node.
// GET /api/nodes
func (a *API) HandleNodes(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, http.StatusOK, map[string]interface{}{
		"tick":  a.engine.TickNumber(),
		"nodes": a.engine.Snapshot(),
	})
}

// HandleNode returns one node's status.
// GET /api/nodes/{id}
func (a *API) HandleNode(w http.ResponseWriter, r *http.Request) {
	status, err := a.engine.NodeStatus(r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	jsonSuccess(w, http.StatusOK, status)
}

// HandleHistory returns the recorded samples of a node, oldest first.
// GET /api/nodes/{id}/history?limit=N
func (a *API) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.engine.NodeStatus(id); err != nil {
		a.fail(w, err)
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil || limit < 0 {
		jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}

	samples, _ := a.history.Series(id)
	if samples == nil {
		samples = []history.Sample{}
	}
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	jsonSuccess(w, http.StatusOK, map[string]interface{}{
		"node_id": id,
		"samples": samples,
	})
}

// HandleTimeline returns the persisted timeline of a node.
// GET /api/nodes/{id}/timeline?since=TICK
func (a *API) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	if a.timeline == nil {
		jsonError(w, "timeline requires persistent storage", http.StatusNotImplemented)
		return
	}
	id := r.PathValue("id")
	if _, err := a.engine.NodeStatus(id); err != nil {
		a.fail(w, err)
		return
	}
	since, err := intQuery(r, "since", 0)
	if err != nil {
		jsonError(w, "since must be an integer", http.StatusBadRequest)
		return
	}

	entries, err := a.timeline.Timeline(r.Context(), a.gridID, id, int64(since))
	if err != nil {
		a.logger.Error("failed to load timeline", "node", id, "error", err)
		jsonError(w, "failed to load timeline", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []storage.TimelineEntry{}
	}
	jsonSuccess(w, http.StatusOK, map[string]interface{}{
		"node_id":  id,
		"timeline": entries,
	})
}

// EnabledRequest is the payload of POST /api/nodes/{id}/enabled.
type EnabledRequest struct {
	Enabled *bool  `json:"enabled"`
	Actor   string `json:"actor,omitempty"`
}

// HandleSetEnabled switches a node on or off.
// POST /api/nodes/{id}/enabled
func (a *API) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req EnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		jsonError(w, "body must be {\"enabled\": true|false}", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := a.engine.SetNodeEnabled(id, *req.Enabled, actorOrDefault(req.Actor)); err != nil {
		a.fail(w, err)
		return
	}
	status, err := a.engine.NodeStatus(id)
	if err != nil {
		a.fail(w, err)
		return
	}
	jsonSuccess(w, http.StatusOK, status)
}

// ModifierRequest is the payload of POST /api/nodes/{id}/modifiers. It
// carries the persisted modifier shape plus an optional actor.
type ModifierRequest struct {
	grid.Data
	Actor string `json:"actor,omitempty"`
}

// HandleAttachModifier attaches a modifier to a node.
// POST /api/nodes/{id}/modifiers
func (a *API) HandleAttachModifier(w http.ResponseWriter, r *http.Request) {
	var req ModifierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = grid.KindModifier
	}

	id := r.PathValue("id")
	if err := a.engine.AttachModifier(id, req.Data, actorOrDefault(req.Actor)); err != nil {
		a.fail(w, err)
		return
	}
	status, err := a.engine.NodeStatus(id)
	if err != nil {
		a.fail(w, err)
		return
	}
	jsonSuccess(w, http.StatusCreated, status)
}

// TickResponse summarises a manual tick.
type TickResponse struct {
	Tick         int64    `json:"tick"`
	ReplanRounds int      `json:"replan_rounds"`
	CapReached   bool     `json:"cap_reached"`
	Pending      []string `json:"pending,omitempty"`
	Shortfall    float64  `json:"locked_shortfall"`
	DurationMs   float64  `json:"duration_ms"`
}

// HandleTick runs one tick on demand.
// POST /api/tick
func (a *API) HandleTick(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		jsonError(w, "manual tick rate exceeded", http.StatusTooManyRequests)
		return
	}
	report, err := a.engine.Tick(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	jsonSuccess(w, http.StatusOK, TickResponse{
		Tick:         report.Tick,
		ReplanRounds: report.ReplanRounds,
		CapReached:   report.CapReached,
		Pending:      report.Pending,
		Shortfall:    report.Shortfall,
		DurationMs:   float64(report.Duration.Microseconds()) / 1000,
	})
}

// EventsResponse is the API response for the event history.
type EventsResponse struct {
	Total       int            `json:"total"`
	Next        int            `json:"next"`
	GeneratedAt string         `json:"generated_at"`
	Events      []events.Event `json:"events"`
}

// HandleEvents returns the in-memory event history.
// GET /api/events?since=OFFSET&type=TYPE&target=NODE
//
// Next is the offset to pass as since on the following call.
func (a *API) HandleEvents(w http.ResponseWriter, r *http.Request) {
	since, err := intQuery(r, "since", 0)
	if err != nil || since < 0 {
		jsonError(w, "since must be a non-negative integer", http.StatusBadRequest)
		return
	}
	eventType := r.URL.Query().Get("type")
	target := r.URL.Query().Get("target")

	log := a.engine.GetEventLog()
	all := log.Since(since)
	filtered := make([]events.Event, 0, len(all))
	for _, e := range all {
		if eventType != "" && string(e.Type) != eventType {
			continue
		}
		if target != "" && e.TargetID != target {
			continue
		}
		filtered = append(filtered, e)
	}

	jsonSuccess(w, http.StatusOK, EventsResponse{
		Total:       len(filtered),
		Next:        since + len(all),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Events:      filtered,
	})
}

// HandleStats returns aggregate counters.
// GET /api/stats
func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for _, e := range a.engine.GetEventLog().Replay() {
		counts[string(e.Type)]++
	}
	last := a.engine.LastReport()

	clients := 0
	if a.hub != nil {
		clients = a.hub.ClientCount()
	}
	jsonSuccess(w, http.StatusOK, map[string]interface{}{
		"tick":             a.engine.TickNumber(),
		"nodes":            len(a.engine.NodeIDs()),
		"replan_cap":       a.engine.ReplanCap(),
		"last_rounds":      last.ReplanRounds,
		"locked_shortfall": last.Shortfall,
		"events":           counts,
		"clients":          clients,
	})
}

// HandleModifierKinds lists the modifier kinds that can be attached.
// GET /api/modifiers
func (a *API) HandleModifierKinds(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, http.StatusOK, map[string]interface{}{"kinds": grid.ModifierKinds()})
}

func (a *API) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownNode):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, grid.ErrUnknownModifierKind), errors.Is(err, engine.ErrInvalidModifier):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, grid.ErrModifierAttached):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		a.logger.Error("request failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return OperatorActor
	}
	return actor
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// jsonError sends an error response.
func jsonError(w http.ResponseWriter, message string, status int) {
	jsonSuccess(w, status, map[string]string{"error": message})
}

// jsonSuccess sends a JSON response.
func jsonSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
