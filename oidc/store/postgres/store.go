// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package postgres persists authorization states, auth instances and
// accounts in PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/edulogin/oidcflow/oidc/store/postgres/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationTable = "schema_migrations"

// Queryer is the subset of *pgxpool.Pool the store needs.
type Queryer interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store implements oidc.StateStore, oidc.Reaper, oidc.InstanceSource,
// oidc.RemoteUserLinker and account.UserStore over PostgreSQL.
type Store struct {
	conn  Queryer
	close func()
	opts  oidc.StateStoreOptions
}

// New wraps an existing connection or pool. The caller owns conn and must
// run Migrate before first use.
//
// Supported options: oidc.WithStateTTL, oidc.WithNow, oidc.WithLogger
func New(conn Queryer, opt ...oidc.Option) (*Store, error) {
	const op = "postgres.New"
	if conn == nil {
		return nil, fmt.Errorf("%s: connection is nil: %w", op, oidc.ErrNilParameter)
	}
	return &Store{conn: conn, close: func() {}, opts: oidc.GetStateStoreOpts(opt...)}, nil
}

// Open creates a pool for dsn and applies the bundled migrations.
//
// Supported options: oidc.WithStateTTL, oidc.WithNow, oidc.WithLogger
func Open(ctx context.Context, dsn string, opt ...oidc.Option) (*Store, error) {
	const op = "postgres.Open"
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s: dsn is required: %w", op, oidc.ErrInvalidParameter)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w: %w", op, oidc.ErrStorage, err)
	}
	s := &Store{conn: pool, close: pool.Close, opts: oidc.GetStateStoreOpts(opt...)}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Close releases the pool when the store opened it.
func (s *Store) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// Migrate applies each embedded migration at most once, each in its own
// transaction.
func (s *Store) Migrate(ctx context.Context) error {
	const op = "Store.Migrate"
	if err := applyMigrations(ctx, s.conn, migrations.FS); err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}

func applyMigrations(ctx context.Context, conn Queryer, migrationFS fs.FS) error {
	files, err := fs.Glob(migrationFS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		up := upSection(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}
		if err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO `+migrationTable+` (name) VALUES ($1) ON CONFLICT DO NOTHING`, file)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, up)
			return err
		}); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, up)
	if start == -1 {
		return content
	}
	content = content[start+len(up):]
	if end := strings.Index(content, down); end != -1 {
		content = content[:end]
	}
	return content
}
