// Package storage provides the persistence adapters behind types.Storage:
// an in-memory map store for tests and single-node deployments, and a Redis
// store for deployments that must survive process restarts.
package storage

import (
	"errors"
	"fmt"

	"github.com/bonfire-party/bonfire/internal/v1/protocol"
)

// ErrNotInitialized is returned when an operation runs before Initialize or
// after Close.
var ErrNotInitialized = errors.New("storage not initialized")

// Error wraps a backend failure with the operation that produced it and tags
// it with the STORAGE_ERROR wire code. No retries happen here.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode tags every storage failure with the STORAGE_ERROR wire code.
func (e *Error) ErrorCode() protocol.ErrorCode {
	return protocol.CodeStorageError
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
