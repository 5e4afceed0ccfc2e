// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	_ oidc.StateStore = (*Store)(nil)
	_ oidc.Reaper     = (*Store)(nil)
)

const (
	maxIssueAttempts = 3
	uniqueViolation  = "23505"
)

type stateRow struct {
	State          string            `db:"state"`
	Nonce          string            `db:"nonce"`
	SessionKey     string            `db:"session_key"`
	AdditionalData map[string]string `db:"additional_data"`
	CreatedAt      time.Time         `db:"created_at"`
	ExpiresAt      time.Time         `db:"expires_at"`
}

// Issue implements oidc.StateStore.
func (s *Store) Issue(ctx context.Context, nonce, sessionKey string, additionalData map[string]string) (string, error) {
	const op = "Store.Issue"
	for i := 0; i < maxIssueAttempts; i++ {
		rec, err := s.opts.NewAuthorizationState(nonce, sessionKey, additionalData)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		_, err = s.conn.Exec(ctx, `
INSERT INTO oidc_states (state, nonce, session_key, additional_data, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.State, rec.Nonce, rec.SessionKey, rec.AdditionalData, rec.CreatedAt, rec.ExpiresAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				s.opts.Logger.Warn("state collision, retrying", "op", op)
				continue
			}
			return "", fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
		return rec.State, nil
	}
	return "", fmt.Errorf("%s: unable to issue a unique state: %w", op, oidc.ErrStorage)
}

// Consume implements oidc.StateStore. The row is removed by a single
// DELETE ... RETURNING so only one caller can receive it.
func (s *Store) Consume(ctx context.Context, state string) (*oidc.AuthorizationState, error) {
	const op = "Store.Consume"
	var row stateRow
	err := pgxscan.Get(ctx, s.conn, &row, `
DELETE FROM oidc_states WHERE state = $1
RETURNING state, nonce, session_key, additional_data, created_at, expires_at`, state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrUnknownState)
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	rec := &oidc.AuthorizationState{
		State:          row.State,
		Nonce:          row.Nonce,
		SessionKey:     row.SessionKey,
		CreatedAt:      row.CreatedAt,
		ExpiresAt:      row.ExpiresAt,
		AdditionalData: row.AdditionalData,
	}
	if rec.IsExpired(s.opts.Now()) {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrUnknownState, oidc.ErrExpiredState)
	}
	return rec, nil
}

// Reap implements oidc.Reaper.
func (s *Store) Reap(ctx context.Context) (int, error) {
	const op = "Store.Reap"
	tag, err := s.conn.Exec(ctx, `DELETE FROM oidc_states WHERE expires_at <= $1`, s.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return int(tag.RowsAffected()), nil
}
