package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Request validation errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownBrain    = errors.New("unknown brain")

	// Event bus errors
	ErrEventExpired = errors.New("event expired")
	ErrQueueFull    = errors.New("priority queue full")
	ErrNotAnEvent   = errors.New("publish requires an event")

	// Engine errors
	ErrEngineFailure  = errors.New("engine failure")
	ErrEngineNotFound = errors.New("engine not found")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrContextCanceled = errors.New("context canceled")
	ErrStateMismatch   = errors.New("state mismatch")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Persistence errors
	ErrPersistence   = errors.New("persistence failure")
	ErrCorruptRecord = errors.New("corrupt learning record")

	// Network errors
	ErrConnectionFailed = errors.New("connection failed")
)

// FabricError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type FabricError struct {
	Op      string // Operation that failed (e.g., "bus.Publish")
	Kind    string // Error kind (e.g., "bus", "coordinator", "store")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FabricError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FabricError) Unwrap() error {
	return e.Err
}

// NewFabricError creates a new FabricError
func NewFabricError(op, kind string, err error) *FabricError {
	return &FabricError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrPersistence)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsPersistenceError checks if an error came from the persistence layer.
// Persistence errors are logged and swallowed; the in-memory path continues.
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrCorruptRecord)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrStateMismatch)
}
