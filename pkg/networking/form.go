// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultErrorPreviewSize bounds the response body kept in an HTTPError.
	DefaultErrorPreviewSize = 1024

	// ContentTypeFormURLEncoded is the form-urlencoded content type.
	ContentTypeFormURLEncoded = "application/x-www-form-urlencoded"
)

// HTTPError is a non-2xx response to an outbound form POST.
type HTTPError struct {
	StatusCode int
	URL        string

	// Body is a preview of the response body, at most DefaultErrorPreviewSize bytes.
	Body string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s returned HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

// IsHTTPError reports whether err wraps an HTTPError with the given status.
// A zero status matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}

// HTTPClient is the subset of *http.Client used by this package.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// PostForm sends a form-urlencoded POST, optionally with HTTP basic client
// authentication, and returns an HTTPError for any non-2xx response.
func PostForm(
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	form url.Values,
	username, password string,
) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeFormURLEncoded)
	if username != "" {
		req.SetBasicAuth(url.QueryEscape(username), url.QueryEscape(password))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, DefaultErrorPreviewSize))
	return &HTTPError{StatusCode: resp.StatusCode, URL: requestURL, Body: strings.TrimSpace(string(preview))}
}
