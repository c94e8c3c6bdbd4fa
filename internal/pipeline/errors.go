// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Package pipeline is the asynchronous batch path between the audit recorder
// and the store: a Publisher enqueues normalized events onto an in-process
// Pub/Sub topic and a Consumer drains them into chunked bulk appends with
// retry, circuit breaking, and dead-lettering.
package pipeline

import "errors"

// RetryableError marks a transient failure worth retrying (connection loss,
// timeouts, a tripped breaker).
type RetryableError struct {
	Message string
	Cause   error
}

// NewRetryableError creates a retryable error.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// PermanentError marks an unrecoverable failure (malformed data, validation).
// Permanent errors skip the retry loop entirely.
type PermanentError struct {
	Message string
	Cause   error
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, cause error) *PermanentError {
	return &PermanentError{Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// IsPermanent reports whether err is or wraps a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
