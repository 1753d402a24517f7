package engine

import (
	"context"
	"sync"
	"time"

	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
)

// Ticker manages the simulation heartbeat.
// It does NOT know about nodes - only when the next tick is due.
type Ticker struct {
	engine   *Engine
	logger   *logger.Logger
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTicker creates a ticker that calls engine.Tick every interval.
func NewTicker(engine *Engine, interval time.Duration, log *logger.Logger) *Ticker {
	return &Ticker{
		engine:   engine,
		logger:   log,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the tick loop and blocks until ctx is done or Stop is called.
func (t *Ticker) Start(ctx context.Context) {
	if t.interval <= 0 {
		t.logger.Info("ticker disabled, ticks are manual only")
		return
	}
	t.logger.Info("ticker started", "interval", t.interval.String())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("ticker stopped by context")
			return
		case <-t.stopChan:
			t.logger.Info("ticker stopped manually")
			return
		case <-ticker.C:
			if _, err := t.engine.Tick(ctx); err != nil {
				t.logger.Warn("tick skipped", "error", err)
			}
		}
	}
}

// Stop gracefully stops the ticker. It is safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}
