// Package storage - postgres.go
// PostgreSQL backend. Queries are shared with SQLite and rebound to $n placeholders.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// InitPostgres connects to PostgreSQL and creates the schemas.
func InitPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	if err := createSchemas(db, postgresSchemas); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schemas: %w", err)
	}
	return db, nil
}

var postgresSchemas = []string{
	`CREATE TABLE IF NOT EXISTS events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		grid_id TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL,
		tick BIGINT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS node_state (
		grid_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		temperature DOUBLE PRECISION NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		modifiers JSONB NOT NULL DEFAULT '[]',
		tick BIGINT NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (grid_id, node_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_grid_id ON events(grid_id);`,
	`CREATE INDEX IF NOT EXISTS idx_events_target_id ON events(target_id);`,
	`CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);`,
}
