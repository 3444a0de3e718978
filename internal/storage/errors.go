package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by reads for a missing job.
var ErrNotFound = errors.New("resource not found")

// ErrSchemaMismatch is returned when the database schema version is not the
// one this build was written against.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// PersistenceError wraps any failure to read or commit durable state. A line
// whose commit failed with a PersistenceError left nothing behind.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
