package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
)

// Dialect adapts the shared queries to a driver.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites ? placeholders to $1, $2... for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLEventRepository implements EventRepository over database/sql.
type SQLEventRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLEventRepository(db *sql.DB, dialect Dialect) *SQLEventRepository {
	return &SQLEventRepository{db: db, dialect: dialect}
}

const eventColumns = `id, grid_id, timestamp, event_type, actor_id, target_id, payload, tick`

func (r *SQLEventRepository) Append(ctx context.Context, event Event) error {
	payloadBytes, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := r.dialect.rebind(`
		INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		event.ID, event.GridID, event.Timestamp.UTC(), event.EventType, event.ActorID,
		event.TargetID, string(payloadBytes), event.Tick,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *SQLEventRepository) getMany(ctx context.Context, where string, args ...interface{}) ([]Event, error) {
	query := r.dialect.rebind(`SELECT ` + eventColumns + ` FROM events WHERE ` + where + ` ORDER BY seq ASC`)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		err := rows.Scan(
			&e.ID, &e.GridID, &e.Timestamp, &e.EventType, &e.ActorID,
			&e.TargetID, &payload, &e.Tick,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *SQLEventRepository) GetByGridID(ctx context.Context, gridID string) ([]Event, error) {
	return r.getMany(ctx, `grid_id = ?`, gridID)
}

func (r *SQLEventRepository) GetByTargetID(ctx context.Context, gridID, targetID string) ([]Event, error) {
	return r.getMany(ctx, `grid_id = ? AND target_id = ?`, gridID, targetID)
}

func (r *SQLEventRepository) GetByEventType(ctx context.Context, gridID string, eventType string) ([]Event, error) {
	return r.getMany(ctx, `grid_id = ? AND event_type = ?`, gridID, eventType)
}

func (r *SQLEventRepository) GetSinceTick(ctx context.Context, gridID string, tick int64) ([]Event, error) {
	return r.getMany(ctx, `grid_id = ? AND tick >= ?`, gridID, tick)
}

// ---------------------------------------------------------
// SQLSnapshotRepository
// ---------------------------------------------------------

type SQLSnapshotRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLSnapshotRepository(db *sql.DB, dialect Dialect) *SQLSnapshotRepository {
	return &SQLSnapshotRepository{db: db, dialect: dialect}
}

const snapshotColumns = `grid_id, node_id, temperature, enabled, modifiers, tick, last_updated`

func (r *SQLSnapshotRepository) Upsert(ctx context.Context, snapshot NodeSnapshot) error {
	mods := snapshot.Modifiers
	if mods == nil {
		mods = []grid.Data{}
	}
	modsJSON, err := json.Marshal(mods)
	if err != nil {
		return fmt.Errorf("failed to marshal modifiers: %w", err)
	}
	if snapshot.LastUpdated.IsZero() {
		snapshot.LastUpdated = time.Now()
	}

	query := r.dialect.rebind(`
		INSERT INTO node_state (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (grid_id, node_id) DO UPDATE SET
			temperature=excluded.temperature,
			enabled=excluded.enabled,
			modifiers=excluded.modifiers,
			tick=excluded.tick,
			last_updated=excluded.last_updated
	`)
	_, err = r.db.ExecContext(ctx, query,
		snapshot.GridID, snapshot.NodeID, snapshot.Temperature, snapshot.Enabled,
		string(modsJSON), snapshot.Tick, snapshot.LastUpdated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot of %q: %w", snapshot.NodeID, err)
	}
	return nil
}

func scanSnapshot(scan func(dest ...interface{}) error) (NodeSnapshot, error) {
	var s NodeSnapshot
	var mods []byte
	if err := scan(&s.GridID, &s.NodeID, &s.Temperature, &s.Enabled, &mods, &s.Tick, &s.LastUpdated); err != nil {
		return s, err
	}
	if err := json.Unmarshal(mods, &s.Modifiers); err != nil {
		return s, fmt.Errorf("failed to unmarshal modifiers: %w", err)
	}
	return s, nil
}

func (r *SQLSnapshotRepository) GetByNodeID(ctx context.Context, gridID, nodeID string) (*NodeSnapshot, error) {
	query := r.dialect.rebind(`SELECT ` + snapshotColumns + ` FROM node_state WHERE grid_id = ? AND node_id = ?`)
	s, err := scanSnapshot(r.db.QueryRowContext(ctx, query, gridID, nodeID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *SQLSnapshotRepository) GetByGridID(ctx context.Context, gridID string) ([]NodeSnapshot, error) {
	query := r.dialect.rebind(`SELECT ` + snapshotColumns + ` FROM node_state WHERE grid_id = ? ORDER BY node_id`)
	rows, err := r.db.QueryContext(ctx, query, gridID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []NodeSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

var (
	_ EventRepository    = (*SQLEventRepository)(nil)
	_ SnapshotRepository = (*SQLSnapshotRepository)(nil)
)
