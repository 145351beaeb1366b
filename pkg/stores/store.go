package stores

import (
	"errors"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is wrapped by run status writes that violate the
// PENDING -> RUNNING -> terminal lattice.
var ErrInvalidTransition = errors.New("invalid run status transition")

// SQLStore implements persistence on top of a DB.
type SQLStore struct {
	db *DB
}

// NewSQLStore creates a store bound to an open database.
func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *DB {
	return s.db
}
