package cluster

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrNoBackend         = errors.New("no cluster storage backend configured")
	ErrBackendDisabled   = errors.New("cluster storage backend is disabled")
	ErrInvalidInstanceID = errors.New("instance ID cannot be empty")
	ErrInvalidStartup    = errors.New("startup timestamp cannot be zero")
	ErrTimeoutTooSmall   = errors.New("node timeout must be greater than heartbeat interval")
	ErrPurgeTooSmall     = errors.New("node purge interval must be greater than node timeout")
	ErrInvalidInterval   = errors.New("heartbeat interval must be greater than zero")
)

// Lifecycle errors
var (
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// Storage errors
var (
	ErrStorageUnavailable = errors.New("cluster storage unavailable")
	ErrMalformedRecord    = errors.New("malformed node record")

	// ErrEntryNotFound is returned by directory clients when the
	// designated entry has not been provisioned.
	ErrEntryNotFound = errors.New("directory entry not found")

	// ErrValueNotFound is returned by directory clients when a replace
	// targets a value that is no longer present.
	ErrValueNotFound = errors.New("directory value not found")
)

// ConfigurationError is a fatal startup condition. A coordinator that
// hits one goes straight to CLOSED and is never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "cluster configuration error: " + e.Reason
	}
	return fmt.Sprintf("cluster configuration error: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// StorageUnavailableError wraps any transport or backend failure of a
// storage operation. It matches ErrStorageUnavailable with errors.Is.
type StorageUnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StorageUnavailableError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func unavailable(backend, op string, err error) error {
	return &StorageUnavailableError{Backend: backend, Op: op, Err: err}
}

// SerializationError describes one stored value that could not be
// decoded into a NodeRecord. It matches ErrMalformedRecord.
type SerializationError struct {
	Value string
	Err   error
}

func (e *SerializationError) Error() string {
	value := e.Value
	if len(value) > 64 {
		value = value[:64] + "..."
	}
	return fmt.Sprintf("malformed node record %q: %v", value, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) Is(target error) bool {
	return target == ErrMalformedRecord
}
