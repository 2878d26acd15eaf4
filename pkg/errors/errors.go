// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by the gateway components.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrDuplicateKey is returned when a session record is created with a key that already exists
	ErrDuplicateKey = "duplicate_key"

	// ErrNotFound is returned when an update targets a session record that does not exist
	ErrNotFound = "not_found"

	// ErrValidation is returned when an argument (for example a sessions filter) is malformed
	ErrValidation = "validation"

	// ErrTokenValidation is returned when a logout token fails signature or claim validation
	ErrTokenValidation = "token_validation"

	// ErrCredentialUnavailable is returned when a route requires a credential that cannot be obtained
	ErrCredentialUnavailable = "credential_unavailable"

	// ErrUpstreamTransport is returned when a proxied call fails at the network layer
	ErrUpstreamTransport = "upstream_transport"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewDuplicateKeyError creates a new duplicate key error
func NewDuplicateKeyError(message string, cause error) *Error {
	return NewError(ErrDuplicateKey, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewTokenValidationError creates a new token validation error
func NewTokenValidationError(message string, cause error) *Error {
	return NewError(ErrTokenValidation, message, cause)
}

// NewCredentialUnavailableError creates a new credential unavailable error
func NewCredentialUnavailableError(message string, cause error) *Error {
	return NewError(ErrCredentialUnavailable, message, cause)
}

// NewUpstreamTransportError creates a new upstream transport error
func NewUpstreamTransportError(message string, cause error) *Error {
	return NewError(ErrUpstreamTransport, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// typeOf returns the type of the outermost *Error in the chain, or "".
func typeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsDuplicateKey checks if the error is a duplicate key error
func IsDuplicateKey(err error) bool {
	return typeOf(err) == ErrDuplicateKey
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return typeOf(err) == ErrNotFound
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return typeOf(err) == ErrValidation
}

// IsTokenValidation checks if the error is a token validation error
func IsTokenValidation(err error) bool {
	return typeOf(err) == ErrTokenValidation
}

// IsCredentialUnavailable checks if the error is a credential unavailable error
func IsCredentialUnavailable(err error) bool {
	return typeOf(err) == ErrCredentialUnavailable
}

// IsUpstreamTransport checks if the error is an upstream transport error
func IsUpstreamTransport(err error) bool {
	return typeOf(err) == ErrUpstreamTransport
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return typeOf(err) == ErrInternal
}

// HTTPStatus maps an error to the status code returned to callers.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch typeOf(err) {
	case ErrValidation, ErrTokenValidation:
		return http.StatusBadRequest
	case ErrCredentialUnavailable:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrDuplicateKey:
		return http.StatusConflict
	case ErrUpstreamTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
