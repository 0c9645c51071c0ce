// Package svcerrors provides the structured error taxonomy used across the
// query-index subsystem, mirroring the error-handling design of spec.md §7.
package svcerrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeInvalidArgument covers the "Invalid input" failure mode of §7:
	// empty entityType, partitionIndex >= partitionCount, missing tenantId.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeNotFound covers lookups for records that do not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict covers unique-key and job-contention conflicts.
	CodeConflict Code = "CONFLICT"
	// CodeDatabase covers transient and non-transient storage failures.
	CodeDatabase Code = "DATABASE_ERROR"
	// CodeUpstream covers external collaborator failures (encrypt hooks,
	// vector service, event bus) that are swallowed per §7 but still
	// recorded.
	CodeUpstream Code = "UPSTREAM_ERROR"
	// CodeInternal is the catch-all for unexpected failures.
	CodeInternal Code = "INTERNAL"
)

// Error is a structured error carrying a Code, a human message, optional
// structured details, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a structured detail and returns the same error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// InvalidArgument builds a CodeInvalidArgument error.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a CodeNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a CodeConflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Database wraps a storage-layer error as CodeDatabase.
func Database(err error, context string) *Error {
	return &Error{Code: CodeDatabase, Message: context, Err: err}
}

// Upstream wraps an external-collaborator error as CodeUpstream.
func Upstream(err error, context string) *Error {
	return &Error{Code: CodeUpstream, Message: context, Err: err}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
