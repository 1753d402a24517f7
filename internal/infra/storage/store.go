package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MRamiBalles/nodegrid/internal/platform/optimization"
)

// Store bundles the database handle and its repositories.
type Store struct {
	DB        *sql.DB
	Dialect   Dialect
	Events    EventRepository
	Snapshots SnapshotRepository
}

// Open connects to the configured backend ("sqlite" or "postgres") and
// prepares the schema. tuning may be nil.
func Open(ctx context.Context, driver, dsn string, tuning *optimization.Config) (*Store, error) {
	if tuning == nil {
		tuning = optimization.DefaultConfig()
	}

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch driver {
	case "sqlite", "":
		db, err = InitSQLite(dsn)
		dialect = DialectSQLite
	case "postgres":
		db, err = InitPostgres(ctx, dsn, tuning.DBMaxOpenConns, tuning.DBMaxIdleConns)
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	return &Store{
		DB:        db,
		Dialect:   dialect,
		Events:    NewSQLEventRepository(db, dialect),
		Snapshots: NewSQLSnapshotRepository(db, dialect),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}
