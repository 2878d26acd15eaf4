// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides the gateway's Prometheus metrics and the
// OpenTelemetry context propagation applied to inbound and proxied requests.
package telemetry
