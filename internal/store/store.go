// Package store keeps association tokens in SQLite. A token binds a client
// to one slot of a relay pool; the relay resolves it when a client sends
// Initiate.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
create table if not exists associations (
	token_id          text primary key,
	salted_secret     blob not null,
	pool              text not null,
	slot              integer not null check (slot between 0 and 255),
	issued_at_unixms  integer not null,
	expires_at_unixms integer
);
create index if not exists idx_associations_pool_slot on associations (pool, slot);
`

// Store is a SQLite-backed association token store. It is safe for
// concurrent use.
type Store struct {
	db   *sql.DB
	cost int
}

// OpenMemory opens a store that lives only as long as the process.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("unable to open in-memory database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return open(db)
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("unable to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database %s: %w", path, err)
	}
	return open(db)
}

func open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize database: %w", err)
	}
	return &Store{db: db, cost: defaultCost}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Count returns the number of stored associations, expired ones included.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "select count(*) from associations").Scan(&n)
	return n, err
}
