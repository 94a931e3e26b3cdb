// Package store is the server-side persistence layer: the idempotency-key
// ledger that makes ingestion exactly-once, and the entity tables the ledger
// guards. SQLite via modernc (no CGO).
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. Writes are serialized through a single
// mutex to avoid SQLITE_BUSY under concurrent handlers.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path and runs the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
