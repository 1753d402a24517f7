// Package main is the entry point for the nodegrid server.
// It only handles dependency injection and server initialization.
// NO business logic belongs here.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/MRamiBalles/nodegrid/internal/domain/topology"
	"github.com/MRamiBalles/nodegrid/internal/engine"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/history"
	"github.com/MRamiBalles/nodegrid/internal/infra/storage"
	"github.com/MRamiBalles/nodegrid/internal/network"
	"github.com/MRamiBalles/nodegrid/internal/platform/config"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nodegrid-server:", err)
		os.Exit(1)
	}
}

func run() error {
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()
	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		return err
	}

	appLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TopologyFile == "" {
		return errors.New("no topology file given (--topology or NODEGRID_TOPOLOGY_FILE)")
	}
	appLogger.Info("loading topology", "path", cfg.TopologyFile)
	topo, err := topology.LoadFile(cfg.TopologyFile)
	if err != nil {
		return err
	}
	g, err := topo.Build()
	if err != nil {
		return err
	}

	collector := metrics.New()

	var (
		store     *storage.Store
		persister events.EventPersister
	)
	if cfg.Storage.Driver != "none" {
		appLogger.Info("opening storage", "driver", cfg.Storage.Driver)
		store, err = storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Tuning)
		if err != nil {
			return err
		}
		defer store.Close()
		persister = storage.NewBreakerPersister(cfg.GridID, store.Events, appLogger, collector)
	}

	eventLog := events.NewEventLog(persister)
	eng := engine.NewEngine(g, eventLog, appLogger, collector, cfg.MaxReplanRounds)

	var reconstructor *storage.Reconstructor
	if store != nil {
		reconstructor = storage.NewReconstructor(store.Events, store.Snapshots)
		restoreState(ctx, reconstructor, eng, cfg.GridID, appLogger)
	}

	recorder := history.NewRecorder(cfg.HistoryLength)
	eng.AttachHistory(recorder)

	hub := network.NewHub(eng, appLogger, collector, cfg.Tuning)
	go hub.Run(ctx)
	hub.StartEventPoller(ctx, eventLog, network.DefaultPollInterval)

	opts := []network.APIOption{network.WithHub(hub), network.WithMetrics(collector)}
	if reconstructor != nil {
		opts = append(opts, network.WithTimeline(cfg.GridID, reconstructor))
	}
	api := network.NewAPI(eng, recorder, appLogger, cfg.Tuning, opts...)

	ticker := engine.NewTicker(eng, cfg.TickInterval, appLogger)
	go ticker.Start(ctx)

	if store != nil && cfg.SnapshotInterval > 0 {
		go snapshotLoop(ctx, store.Snapshots, eng, cfg.GridID, cfg.SnapshotInterval, appLogger)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP API & WS server listening", "addr", cfg.Addr, "nodes", g.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	appLogger.Info("shutting down")
	ticker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("HTTP shutdown incomplete", "error", err)
	}

	eventLog.Flush()
	if store != nil {
		saveSnapshots(shutdownCtx, store.Snapshots, eng, cfg.GridID, appLogger)
	}
	return nil
}

// restoreState resumes from the last snapshot plus any events written after it.
func restoreState(ctx context.Context, r *storage.Reconstructor, eng *engine.Engine, gridID string, log *logger.Logger) {
	rebuilt, err := r.Rebuild(ctx, gridID)
	if err != nil {
		log.Error("failed to rebuild state, starting fresh", "error", err)
		return
	}
	if rebuilt == nil {
		log.Info("no snapshots found, starting fresh", "grid", gridID)
		return
	}
	if err := eng.Restore(rebuilt.Tick, rebuilt.States); err != nil {
		log.Warn("partial restore", "error", err)
	}
	log.Info("restored grid state", "grid", gridID, "tick", rebuilt.Tick, "replayed_events", rebuilt.Applied)
}

func snapshotLoop(ctx context.Context, repo storage.SnapshotRepository, eng *engine.Engine, gridID string, interval time.Duration, log *logger.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			saveSnapshots(ctx, repo, eng, gridID, log)
		}
	}
}

func saveSnapshots(ctx context.Context, repo storage.SnapshotRepository, eng *engine.Engine, gridID string, log *logger.Logger) {
	tick, states := eng.States()
	for _, s := range states {
		if err := repo.Upsert(ctx, storage.FromState(gridID, tick, s)); err != nil {
			log.Error("failed to save snapshot", "node", s.ID, "error", err)
			return
		}
	}
	log.Debug("snapshots saved", "tick", tick, "nodes", len(states))
}
