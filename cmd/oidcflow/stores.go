// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/edulogin/oidcflow/oidc/account"
	pgstore "github.com/edulogin/oidcflow/oidc/store/postgres"
	redisstore "github.com/edulogin/oidcflow/oidc/store/redis"
	sqlitestore "github.com/edulogin/oidcflow/oidc/store/sqlite"
	"github.com/hashicorp/go-hclog"
)

// accountStore is what the sqlite and postgres stores provide beyond
// authorization states.
type accountStore interface {
	oidc.InstanceSource
	oidc.RemoteUserLinker
	account.UserStore
	instanceWriter
}

type stateStore interface {
	oidc.StateStore
	oidc.Reaper
}

// dbStore is a database that keeps both accounts and states.
type dbStore interface {
	accountStore
	stateStore
}

type stores struct {
	accounts accountStore
	states   stateStore
	closers  []func()
}

// openStores opens the account store and the state store, sharing one
// database when both use the same backend. Opening a database applies its
// migrations.
func openStores(ctx context.Context, cfg *Config, log hclog.Logger) (*stores, error) {
	const op = "main.openStores"
	opts := []oidc.Option{
		oidc.WithStateTTL(cfg.StateTTL),
		oidc.WithLogger(log.Named("store")),
	}
	st := &stores{}

	db, err := st.openDB(ctx, cfg, cfg.AccountStore, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: account store: %w", op, err)
	}
	st.accounts = db

	switch backend := cfg.StateBackend(); backend {
	case cfg.AccountStore:
		st.states = db
	case StoreMemory:
		st.states = oidc.NewMemoryStateStore(opts...)
	case StoreRedis:
		rs, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisDB, opts...)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("%s: state store: %w", op, err)
		}
		st.closers = append(st.closers, func() { _ = rs.Close() })
		st.states = rs
	default:
		sdb, err := st.openDB(ctx, cfg, backend, opts...)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("%s: state store: %w", op, err)
		}
		st.states = sdb
	}
	log.Debug("stores opened", "accounts", cfg.AccountStore, "states", cfg.StateBackend())
	return st, nil
}

func (st *stores) openDB(ctx context.Context, cfg *Config, backend string, opt ...oidc.Option) (dbStore, error) {
	switch backend {
	case StoreSQLite:
		s, err := sqlitestore.Open(cfg.SQLitePath, opt...)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = s.Close() })
		return s, nil
	case StorePostgres:
		s, err := pgstore.Open(ctx, cfg.PostgresDSN, opt...)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database %q: %w", backend, oidc.ErrConfiguration)
	}
}

// Close closes everything openStores opened, last first.
func (st *stores) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		st.closers[i]()
	}
	st.closers = nil
}
