package store

import "database/sql"

// Store is the durable access layer for threads and messages.
type Store struct {
	db *sql.DB
}

// New builds a store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need it (tests, main).
func (s *Store) DB() *sql.DB {
	return s.db
}
