// Package storage persists per-video retry state between polling cycles.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common storage conditions.
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates the entity already exists in storage.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrInvalidInput indicates invalid or malformed input was provided.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = errors.New("storage: data corruption detected")
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = errors.New("storage: lock acquisition timeout")
)

// StorageError wraps storage errors with operation and entity context.
// Use errors.As() to extract this error type and get operation details:
//
//	var storErr *storage.StorageError
//	if errors.As(err, &storErr) {
//		fmt.Printf("Failed to %s %s %s: %v\n", storErr.Op, storErr.Entity, storErr.ID, storErr.Err)
//	}
type StorageError struct {
	// Op is the operation that failed ("create", "read", "update", "delete").
	Op string
	// Entity is the entity type ("task", "store", "file").
	Entity string
	// ID is the entity ID if applicable.
	ID string
	// Err is the underlying error that occurred.
	Err error
}

// Error returns a string representation of the storage error.
func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *StorageError) Unwrap() error { return e.Err }

// TaskStore holds VideoTask records keyed by YouTube video ID.
// Implementations must be safe for concurrent use.
type TaskStore interface {
	// CreateTask saves a new task. An empty ID is filled with a UUID.
	CreateTask(ctx context.Context, task *VideoTask) error
	// GetTask retrieves a task by its YouTube video ID.
	GetTask(ctx context.Context, videoID string) (*VideoTask, error)
	// UpdateTask replaces an existing task.
	UpdateTask(ctx context.Context, task *VideoTask) error
	// DeleteTask removes a task by its YouTube video ID.
	DeleteTask(ctx context.Context, videoID string) error
	// ListTasks returns all stored tasks.
	ListTasks(ctx context.Context) ([]*VideoTask, error)

	// Close releases any resources held by the store.
	Close() error
}
