// Package errors provides custom error types for the relsync packages
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSync            Operation = "sync"
	OpEnqueue         Operation = "enqueue"
	OpDequeue         Operation = "dequeue"
	OpStore           Operation = "store"
	OpLoad            Operation = "load"
	OpRemoteRead      Operation = "remote_read"
	OpRemoteWrite     Operation = "remote_write"
	OpConflictResolve Operation = "conflict_resolve"
	OpDeviceID        Operation = "device_id"
	OpTransport       Operation = "transport"
	OpClose           Operation = "close"
)

// Kind classifies an error independently of where it happened.
type Kind string

const (
	KindInvalid          Kind = "invalid"
	KindNotFound         Kind = "not_found"
	KindCorrupt          Kind = "corrupt"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
	KindMethodNotAllowed Kind = "method_not_allowed"
)

// Component names the package or subsystem that produced an error.
type Component string

// Op converts a string into an Operation for use with E.
func Op(s string) Operation { return Operation(s) }

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Kind of failure, orthogonal to Code
	Kind Kind

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from its arguments. Recognised argument types are
// Operation, Component, Kind, ErrorCode, error, string (appended to the message
// of the wrapped error) and map[string]interface{} (metadata). A Kind of
// KindUnavailable marks the error retryable.
func E(args ...interface{}) error {
	e := &SyncError{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
			if a == KindUnavailable {
				e.Retryable = true
			}
		case ErrorCode:
			e.Code = a
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		case map[string]interface{}:
			e.Metadata = a
		}
	}

	msg := strings.Join(msgs, ": ")
	switch {
	case e.Err == nil && msg == "":
		e.Err = errors.New("unknown error")
	case e.Err == nil:
		e.Err = errors.New(msg)
	case msg != "":
		e.Err = fmt.Errorf("%s: %w", msg, e.Err)
	}
	return e
}

// NewConflictError creates a conflict-resolution SyncError. Conflict
// failures come from bad input and are never retryable.
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Kind:      KindInvalid,
		Component: "sync",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsKind reports whether any SyncError in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Kind == kind {
			return true
		}
		err = syncErr.Err
	}
	return false
}

// CodeOf returns the error code of the outermost SyncError in err's chain.
func CodeOf(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}
