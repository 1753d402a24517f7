package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
)

const appendTimeout = 5 * time.Second

// BreakerPersister writes domain events through to an EventRepository behind
// a circuit breaker. While the breaker is open, appends fail fast and the
// in-memory log keeps serving.
type BreakerPersister struct {
	gridID  string
	repo    EventRepository
	breaker *gobreaker.CircuitBreaker
	logger  *logger.Logger
	metrics *metrics.Collector
}

// NewBreakerPersister creates a persister for one grid. m may be nil.
func NewBreakerPersister(gridID string, repo EventRepository, log *logger.Logger, m *metrics.Collector) *BreakerPersister {
	p := &BreakerPersister{
		gridID:  gridID,
		repo:    repo,
		logger:  log,
		metrics: m,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "event-store",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

// State reports the breaker state.
func (p *BreakerPersister) State() gobreaker.State {
	return p.breaker.State()
}

// Append implements events.EventPersister.
func (p *BreakerPersister) Append(e events.Event) error {
	row, err := p.toRow(e)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		defer cancel()
		return nil, p.repo.Append(ctx, row)
	})
	if p.metrics != nil {
		p.metrics.RecordEventWrite(time.Since(start), err)
	}
	if err != nil {
		p.logger.Error("failed to persist event", "event_id", e.ID, "type", string(e.Type), "error", err)
		return fmt.Errorf("failed to persist event %s: %w", e.ID, err)
	}
	return nil
}

func (p *BreakerPersister) toRow(e events.Event) (Event, error) {
	var payload map[string]interface{}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		// Non-object payloads are wrapped so the column always holds an object.
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = map[string]interface{}{"value": json.RawMessage(raw)}
		}
	}
	return Event{
		ID:        e.ID,
		GridID:    p.gridID,
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		ActorID:   e.ActorID,
		TargetID:  e.TargetID,
		Payload:   payload,
		Tick:      e.Tick,
	}, nil
}

var _ events.EventPersister = (*BreakerPersister)(nil)
