// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edulogin/oidcflow/oidc"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	_ oidc.StateStore = (*Store)(nil)
	_ oidc.Reaper     = (*Store)(nil)
)

const maxIssueAttempts = 3

// Issue implements oidc.StateStore.
func (s *Store) Issue(ctx context.Context, nonce, sessionKey string, additionalData map[string]string) (string, error) {
	const op = "Store.Issue"
	for i := 0; i < maxIssueAttempts; i++ {
		rec, err := s.opts.NewAuthorizationState(nonce, sessionKey, additionalData)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		data, err := json.Marshal(rec.AdditionalData)
		if err != nil {
			return "", fmt.Errorf("%s: unable to encode additional data: %w: %w", op, oidc.ErrStorage, err)
		}
		_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO oidc_states (state, nonce, session_key, additional_data, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			rec.State, rec.Nonce, rec.SessionKey, string(data), toMillis(rec.CreatedAt), toMillis(rec.ExpiresAt))
		if err != nil {
			if isConstraintError(err) {
				s.opts.Logger.Warn("state collision, retrying", "op", op)
				continue
			}
			return "", fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
		return rec.State, nil
	}
	return "", fmt.Errorf("%s: unable to issue a unique state: %w", op, oidc.ErrStorage)
}

// Consume implements oidc.StateStore with a single DELETE ... RETURNING, so
// concurrent callers can't both read the row.
func (s *Store) Consume(ctx context.Context, state string) (*oidc.AuthorizationState, error) {
	const op = "Store.Consume"
	var (
		rec       oidc.AuthorizationState
		data      string
		createdAt int64
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
DELETE FROM oidc_states WHERE state = ?
RETURNING state, nonce, session_key, additional_data, created_at, expires_at`, state).
		Scan(&rec.State, &rec.Nonce, &rec.SessionKey, &data, &createdAt, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrUnknownState)
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	if err := json.Unmarshal([]byte(data), &rec.AdditionalData); err != nil {
		return nil, fmt.Errorf("%s: unable to decode additional data: %w: %w", op, oidc.ErrStorage, err)
	}
	if rec.IsExpired(s.opts.Now()) {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrUnknownState, oidc.ErrExpiredState)
	}
	return &rec, nil
}

// Reap implements oidc.Reaper.
func (s *Store) Reap(ctx context.Context) (int, error) {
	const op = "Store.Reap"
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM oidc_states WHERE expires_at <= ?`, toMillis(s.opts.Now()))
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return int(n), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
