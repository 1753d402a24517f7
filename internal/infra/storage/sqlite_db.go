package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// InitSQLite initializes the local SQLite database and creates the schemas
// for the event log and node snapshots.
func InitSQLite(dbPath string) (*sql.DB, error) {
	// Ensure directory exists
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := createSchemas(db, sqliteSchemas); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schemas: %w", err)
	}

	return db, nil
}

var sqliteSchemas = []string{
	`PRAGMA journal_mode=WAL;`,
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		grid_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		tick INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS node_state (
		grid_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		temperature REAL NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		modifiers TEXT NOT NULL DEFAULT '[]',
		tick INTEGER NOT NULL,
		last_updated DATETIME NOT NULL,
		PRIMARY KEY (grid_id, node_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_grid_id ON events(grid_id);`,
	`CREATE INDEX IF NOT EXISTS idx_events_target_id ON events(target_id);`,
	`CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);`,
}

func createSchemas(db *sql.DB, schemas []string) error {
	for _, query := range schemas {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}
