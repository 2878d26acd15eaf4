// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bff

import (
	"log/slog"
	"net/http"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
)

// handlerWithError is an HTTP handler that returns its failure instead of
// writing it.
type handlerWithError func(http.ResponseWriter, *http.Request) error

// errorHandler converts a returned error into a status code. 5xx details
// are logged and never sent to the client; local endpoints never answer
// with a redirect on failure.
func errorHandler(logger *slog.Logger, fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := thverrors.HTTPStatus(err)
		if code >= http.StatusInternalServerError {
			logger.Error("internal server error", "path", r.URL.Path, "error", err)
			http.Error(w, http.StatusText(code), code)
			return
		}

		logger.Debug("request rejected", "path", r.URL.Path, "status", code, "error", err)
		http.Error(w, http.StatusText(code), code)
	}
}
