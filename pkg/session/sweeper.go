// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCleanupInterval is how often the sweeper removes expired records.
const DefaultCleanupInterval = 10 * time.Minute

// Sweeper periodically removes expired session records from a store.
type Sweeper struct {
	store    ExpiredDeleter
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper. A non-positive interval selects
// DefaultCleanupInterval.
func NewSweeper(store ExpiredDeleter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger, now: time.Now}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes every record that has already expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	removed, err := s.store.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		s.logger.Warn("failed to remove expired sessions", "error", err, "removed", removed)
		return removed
	}
	if removed > 0 {
		s.logger.Debug("removed expired sessions", "count", removed)
	}
	return removed
}
