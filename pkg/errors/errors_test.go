// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err:  NewValidationError("filter is empty", errors.New("underlying error")),
			want: "validation: filter is empty: underlying error",
		},
		{
			name: "error without cause",
			err:  NewDuplicateKeyError("session exists", nil),
			want: "duplicate_key: session exists",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying error")
	err := NewInternalError("test message", cause)
	assert.Same(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)

	assert.Nil(t, NewInternalError("test message", nil).Unwrap())
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"duplicate key", NewDuplicateKeyError("x", nil), IsDuplicateKey},
		{"not found", NewNotFoundError("x", nil), IsNotFound},
		{"validation", NewValidationError("x", nil), IsValidation},
		{"token validation", NewTokenValidationError("x", nil), IsTokenValidation},
		{"credential unavailable", NewCredentialUnavailableError("x", nil), IsCredentialUnavailable},
		{"upstream transport", NewUpstreamTransportError("x", nil), IsUpstreamTransport},
		{"internal", NewInternalError("x", nil), IsInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(fmt.Errorf("outer: %w", tt.err)))
			assert.False(t, tt.check(errors.New("plain")))
			assert.False(t, tt.check(nil))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", NewValidationError("x", nil), http.StatusBadRequest},
		{"token validation", NewTokenValidationError("x", nil), http.StatusBadRequest},
		{"credential unavailable", NewCredentialUnavailableError("x", nil), http.StatusUnauthorized},
		{"not found", NewNotFoundError("x", nil), http.StatusNotFound},
		{"duplicate key", NewDuplicateKeyError("x", nil), http.StatusConflict},
		{"upstream transport", fmt.Errorf("proxy: %w", NewUpstreamTransportError("x", nil)), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
