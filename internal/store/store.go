// Package store holds the persistence backends for the cache and the attempt
// log: SQLite (default), Redis (cache records only) and an in-memory store.
package store

import (
	"errors"
	"fmt"
)

// ErrStoreFailure is matched by every error a backend returns for an I/O
// problem.
var ErrStoreFailure = errors.New("store failure")

// Error wraps a backend error with the operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrStoreFailure }

func failure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
