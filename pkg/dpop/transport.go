// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"fmt"
	"io"
	"net/http"
)

// Transport adds a proof to every outgoing request. It is used for token
// endpoint calls so the issued tokens are bound to the prover's key. When
// the server demands a nonce the request is replayed once with it.
type Transport struct {
	Prover *Prover
	Base   http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.send(req, "")
	if err != nil {
		return nil, err
	}

	nonce := resp.Header.Get(NonceHeader)
	if nonce == "" || (resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized) {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		retry.Body = body
	}
	return t.send(retry, nonce)
}

func (t *Transport) send(req *http.Request, nonce string) (*http.Response, error) {
	proof, err := t.Prover.ProofWithNonce(req.Method, req.URL.String(), "", nonce)
	if err != nil {
		return nil, err
	}
	out := req.Clone(req.Context())
	out.Header.Set(HeaderName, proof)
	return t.base().RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
