package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
)

const testGrid = "g1"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "grid.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	q := `SELECT * FROM events WHERE grid_id = ? AND tick >= ?`
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, `SELECT * FROM events WHERE grid_id = $1 AND tick >= $2`, DialectPostgres.rebind(q))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "", nil)
	assert.Error(t, err)
}

func TestEventRepositoryQueries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Event{
		{ID: "e1", GridID: testGrid, Timestamp: base, EventType: "TICK_COMPLETED", ActorID: "ENGINE", Tick: 1,
			Payload: map[string]interface{}{"tick": 1.0}},
		{ID: "e2", GridID: testGrid, Timestamp: base.Add(time.Second), EventType: "NODE_ENABLED_CHANGED", ActorID: "op", TargetID: "load", Tick: 1,
			Payload: map[string]interface{}{"enabled": false}},
		{ID: "e3", GridID: testGrid, Timestamp: base.Add(2 * time.Second), EventType: "TICK_COMPLETED", ActorID: "ENGINE", Tick: 2},
		{ID: "e4", GridID: "other", Timestamp: base, EventType: "TICK_COMPLETED", ActorID: "ENGINE", Tick: 9},
	}
	for _, e := range rows {
		require.NoError(t, s.Events.Append(ctx, e))
	}

	all, err := s.Events.GetByGridID(ctx, testGrid)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"e1", "e2", "e3"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, false, all[1].Payload["enabled"])
	assert.True(t, all[1].Timestamp.Equal(base.Add(time.Second)))

	byTarget, err := s.Events.GetByTargetID(ctx, testGrid, "load")
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	assert.Equal(t, "e2", byTarget[0].ID)

	ticks, err := s.Events.GetByEventType(ctx, testGrid, "TICK_COMPLETED")
	require.NoError(t, err)
	assert.Len(t, ticks, 2)

	since, err := s.Events.GetSinceTick(ctx, testGrid, 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "e3", since[0].ID)

	// ids are unique
	assert.Error(t, s.Events.Append(ctx, rows[0]))
}

func TestSnapshotUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	missing, err := s.Snapshots.GetByNodeID(ctx, testGrid, "gen")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := FromState(testGrid, 3, grid.State{ID: "gen", Temperature: 21, Enabled: true})
	require.NoError(t, s.Snapshots.Upsert(ctx, first))

	mods := []grid.Data{grid.NewOverclock(4).Serialize()}
	second := FromState(testGrid, 5, grid.State{ID: "gen", Temperature: 30, Enabled: false, Modifiers: mods})
	require.NoError(t, s.Snapshots.Upsert(ctx, second))

	got, err := s.Snapshots.GetByNodeID(ctx, testGrid, "gen")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.Tick)
	assert.Equal(t, 30.0, got.Temperature)
	assert.False(t, got.Enabled)
	assert.Equal(t, mods, got.Modifiers)

	all, err := s.Snapshots.GetByGridID(ctx, testGrid)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSnapshotStateHasNoNilModifiers(t *testing.T) {
	st := NodeSnapshot{NodeID: "n"}.State()
	assert.NotNil(t, st.Modifiers)
	assert.Empty(t, st.Modifiers)
}

func TestBreakerPersisterWritesThrough(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	m := metrics.New()
	p := NewBreakerPersister(testGrid, s.Events, logger.NewNop(), m)

	log := events.NewEventLog(p)
	log.Append(events.New(events.EventTypeNodeEnabledChanged, "op", "load", 4, events.EnabledPayload{Enabled: true}))
	log.Append(events.New(events.EventTypeModifierAttached, "op", "gen", 4,
		events.ModifierPayload{Modifier: grid.NewMediumCoolingPack(3).Serialize()}))
	log.Flush()

	stored, err := s.Events.GetByGridID(ctx, testGrid)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, e := range stored {
		assert.Equal(t, int64(4), e.Tick)
		assert.NotNil(t, e.Payload)
	}
}

type failingRepo struct {
	EventRepository
	calls int
}

func (f *failingRepo) Append(context.Context, Event) error {
	f.calls++
	return errors.New("database is locked")
}

func TestBreakerPersisterOpensAfterFailures(t *testing.T) {
	repo := &failingRepo{}
	p := NewBreakerPersister(testGrid, repo, logger.NewNop(), nil)

	for i := 0; i < 5; i++ {
		assert.Error(t, p.Append(events.New(events.EventTypeTickCompleted, events.SystemActor, "", int64(i), nil)))
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	err := p.Append(events.New(events.EventTypeTickCompleted, events.SystemActor, "", 6, nil))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, repo.calls)
}

func TestRebuildReplaysEventsAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	snapAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	gen := FromState(testGrid, 10, grid.State{ID: "gen", Temperature: 20, Enabled: true,
		Modifiers: []grid.Data{grid.NewOverclock(2).Serialize()}})
	load := FromState(testGrid, 10, grid.State{ID: "load", Temperature: 25, Enabled: true})
	gen.LastUpdated, load.LastUpdated = snapAt, snapAt
	require.NoError(t, s.Snapshots.Upsert(ctx, gen))
	require.NoError(t, s.Snapshots.Upsert(ctx, load))

	p := NewBreakerPersister(testGrid, s.Events, logger.NewNop(), nil)
	at := func(sec int, e events.Event) events.Event {
		e.Timestamp = snapAt.Add(time.Duration(sec) * time.Second)
		return e
	}
	expired := grid.NewOverclock(2).Serialize()
	expired.Duration = 0
	ledger := []events.Event{
		// already reflected in the snapshot
		at(-1, events.New(events.EventTypeNodeEnabledChanged, "op", "gen", 10, events.EnabledPayload{Enabled: false})),
		at(1, events.New(events.EventTypeNodeEnabledChanged, "op", "load", 10, events.EnabledPayload{Enabled: false})),
		at(2, events.New(events.EventTypeModifierAttached, "op", "load", 10,
			events.ModifierPayload{Modifier: grid.NewMediumCoolingPack(3).Serialize()})),
		at(3, events.New(events.EventTypeTickCompleted, events.SystemActor, "", 11, events.TickPayload{Tick: 11})),
		at(4, events.New(events.EventTypeModifierExpired, events.SystemActor, "gen", 12,
			events.ModifierPayload{Modifier: expired})),
		at(5, events.New(events.EventTypeTickCompleted, events.SystemActor, "", 12, events.TickPayload{Tick: 12})),
	}
	// Written out of order on purpose.
	for _, i := range []int{5, 0, 1, 3, 2, 4} {
		require.NoError(t, p.Append(ledger[i]))
	}

	rebuilt, err := NewReconstructor(s.Events, s.Snapshots).Rebuild(ctx, testGrid)
	require.NoError(t, err)
	require.NotNil(t, rebuilt)

	assert.Equal(t, int64(12), rebuilt.Tick)
	assert.Equal(t, 5, rebuilt.Applied)

	byID := map[string]grid.State{}
	for _, st := range rebuilt.States {
		byID[st.ID] = st
	}
	assert.True(t, byID["gen"].Enabled)
	assert.Empty(t, byID["gen"].Modifiers)
	assert.Equal(t, 20.0, byID["gen"].Temperature)

	assert.False(t, byID["load"].Enabled)
	require.Len(t, byID["load"].Modifiers, 1)
	assert.Equal(t, grid.KindMediumCoolingPack, byID["load"].Modifiers[0].Type)
	assert.Equal(t, 1, byID["load"].Modifiers[0].Duration)
	assert.Equal(t, 25.0, byID["load"].Temperature)
}

func TestRebuildWithoutSnapshots(t *testing.T) {
	s := openTestStore(t)
	rebuilt, err := NewReconstructor(s.Events, s.Snapshots).Rebuild(context.Background(), testGrid)
	require.NoError(t, err)
	assert.Nil(t, rebuilt)
}

func TestTimeline(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p := NewBreakerPersister(testGrid, s.Events, logger.NewNop(), nil)

	require.NoError(t, p.Append(events.New(events.EventTypeNodeEnabledChanged, "op", "load", 1, events.EnabledPayload{Enabled: false})))
	require.NoError(t, p.Append(events.New(events.EventTypeNodeEnabledChanged, "op", "gen", 1, events.EnabledPayload{Enabled: false})))
	require.NoError(t, p.Append(events.New(events.EventTypeReplanCapReached, events.SystemActor, "", 2, events.TickPayload{Tick: 2})))
	require.NoError(t, p.Append(events.New(events.EventTypeModifierAttached, "op", "load", 3,
		events.ModifierPayload{Modifier: grid.NewOverclock(2).Serialize()})))

	timeline, err := NewReconstructor(s.Events, s.Snapshots).Timeline(ctx, testGrid, "load", 0)
	require.NoError(t, err)
	require.Len(t, timeline, 3)

	assert.Equal(t, "op disabled the node.", timeline[0].Summary)
	assert.Equal(t, "NEGATIVE", timeline[0].Impact)
	assert.Equal(t, string(events.EventTypeReplanCapReached), timeline[1].EventType)
	assert.Equal(t, "op attached OverclockModifier.", timeline[2].Summary)
	assert.Equal(t, "POSITIVE", timeline[2].Impact)

	later, err := NewReconstructor(s.Events, s.Snapshots).Timeline(ctx, testGrid, "load", 3)
	require.NoError(t, err)
	assert.Len(t, later, 1)
}
