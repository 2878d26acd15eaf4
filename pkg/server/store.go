// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"

	"github.com/stacklok/toolhive-bff/pkg/config"
	"github.com/stacklok/toolhive-bff/pkg/session"
	"github.com/stacklok/toolhive-bff/pkg/session/sqlstore"
	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// openStore creates the configured session record backend. The returned
// closer is nil for backends without resources to release.
func openStore(ctx context.Context, cfg config.StoreConfig) (session.Store, io.Closer, error) {
	switch cfg.Type {
	case config.StoreMemory, "":
		return session.NewMemoryStore(), nil, nil
	case config.StoreRedis:
		s, err := session.NewRedisStore(ctx, cfg.Redis.SessionRedisConfig())
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.StoreSQLite:
		s, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, cfg.SQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.StorePostgres:
		s, err := sqlstore.Open(ctx, sqlstore.DialectPostgres, cfg.SQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store type %q", cfg.Type)
	}
}

// protectors returns the ticket protector (nil when no key is configured)
// and the login state protector. Without a configured key the state is
// protected with a per-process random key.
func protectors(cfg config.SessionConfig) (ticket.Protector, ticket.Protector, error) {
	key, err := cfg.DataProtectionKeyBytes()
	if err != nil {
		return nil, nil, err
	}

	var ticketProtector ticket.Protector
	stateKey := key
	if key != nil {
		p, err := ticket.NewJWEProtector(key, ticketPurpose)
		if err != nil {
			return nil, nil, err
		}
		ticketProtector = p
	} else {
		stateKey, err = ticket.NewRandomKey()
		if err != nil {
			return nil, nil, err
		}
	}

	stateProtector, err := ticket.NewJWEProtector(stateKey, statePurpose)
	if err != nil {
		return nil, nil, err
	}
	return ticketProtector, stateProtector, nil
}
