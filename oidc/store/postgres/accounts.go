// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/edulogin/oidcflow/oidc/account"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
)

var (
	_ oidc.InstanceSource   = (*Store)(nil)
	_ oidc.RemoteUserLinker = (*Store)(nil)
	_ account.UserStore     = (*Store)(nil)
)

// PutInstitution creates or updates an institution.
func (s *Store) PutInstitution(ctx context.Context, inst account.Institution) error {
	const op = "Store.PutInstitution"
	if inst.Name == "" {
		return fmt.Errorf("%s: missing name: %w", op, oidc.ErrInvalidParameter)
	}
	_, err := s.conn.Exec(ctx, `
INSERT INTO institutions (name, display_name, priority, max_user_accounts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    priority = EXCLUDED.priority,
    max_user_accounts = EXCLUDED.max_user_accounts`,
		inst.Name, inst.DisplayName, inst.Priority, inst.MaxUserAccounts)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}

// PutAuthInstance creates or updates an auth instance of an existing
// institution.
func (s *Store) PutAuthInstance(ctx context.Context, inst oidc.AuthInstance) error {
	const op = "Store.PutAuthInstance"
	if inst.ID <= 0 || inst.Institution == "" {
		return fmt.Errorf("%s: missing id or institution: %w", op, oidc.ErrInvalidParameter)
	}
	if inst.AuthName == "" {
		inst.AuthName = oidc.DefaultAuthName
	}
	_, err := s.conn.Exec(ctx, `
INSERT INTO auth_instances (id, auth_name, institution, priority, institution_attribute, institution_value)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    auth_name = EXCLUDED.auth_name,
    institution = EXCLUDED.institution,
    priority = EXCLUDED.priority,
    institution_attribute = EXCLUDED.institution_attribute,
    institution_value = EXCLUDED.institution_value`,
		inst.ID, inst.AuthName, inst.Institution, inst.Priority, inst.InstitutionAttribute, inst.InstitutionValue)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}

// Instances implements oidc.InstanceSource.
func (s *Store) Instances(ctx context.Context, authName string) ([]oidc.AuthInstance, error) {
	const op = "Store.Instances"
	var out []oidc.AuthInstance
	if err := pgxscan.Select(ctx, s.conn, &out, `
SELECT a.id, a.auth_name, a.institution, i.priority AS institution_priority, a.priority,
    a.institution_attribute, a.institution_value
FROM auth_instances a
JOIN institutions i ON i.name = a.institution
WHERE a.auth_name = $1
ORDER BY a.id`, authName); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return out, nil
}

type userRow struct {
	ID              int64      `db:"id"`
	Username        string     `db:"username"`
	FirstName       string     `db:"first_name"`
	LastName        string     `db:"last_name"`
	Email           string     `db:"email"`
	AuthInstanceID  int64      `db:"auth_instance_id"`
	Suspended       bool       `db:"suspended"`
	SuspendedReason string     `db:"suspended_reason"`
	SuspendedAt     *time.Time `db:"suspended_at"`
	LastLogin       *time.Time `db:"last_login"`
}

func (r *userRow) user() *account.User {
	u := &account.User{
		ID:              r.ID,
		Username:        r.Username,
		FirstName:       r.FirstName,
		LastName:        r.LastName,
		Email:           r.Email,
		AuthInstanceID:  r.AuthInstanceID,
		Suspended:       r.Suspended,
		SuspendedReason: r.SuspendedReason,
	}
	if r.SuspendedAt != nil {
		u.SuspendedAt = r.SuspendedAt.UTC()
	}
	if r.LastLogin != nil {
		u.LastLogin = r.LastLogin.UTC()
	}
	return u
}

const userColumns = `u.id, u.username, u.first_name, u.last_name, u.email, u.auth_instance_id,
    u.suspended, u.suspended_reason, u.suspended_at, u.last_login`

func (s *Store) getUser(ctx context.Context, op, query string, args ...interface{}) (*account.User, error) {
	var row userRow
	err := pgxscan.Get(ctx, s.conn, &row, query, args...)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return row.user(), nil
}

// FindByRemote implements account.UserStore.
func (s *Store) FindByRemote(ctx context.Context, authInstanceID int64, remoteUsername string) (*account.User, error) {
	return s.getUser(ctx, "Store.FindByRemote", `
SELECT `+userColumns+`
FROM auth_remote_users r
JOIN users u ON u.id = r.local_user_id
WHERE r.auth_instance_id = $1 AND r.remote_username = $2`, authInstanceID, remoteUsername)
}

// UserByUsername returns the local user with the username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*account.User, error) {
	return s.getUser(ctx, "Store.UserByUsername", `SELECT `+userColumns+` FROM users u WHERE u.username = $1`, username)
}

// UsernameExists implements account.UserStore.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	const op = "Store.UsernameExists"
	var exists bool
	if err := s.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return exists, nil
}

// InstitutionFull implements account.UserStore.
func (s *Store) InstitutionFull(ctx context.Context, institution string) (bool, error) {
	const op = "Store.InstitutionFull"
	var limit, members int
	err := s.conn.QueryRow(ctx, `
SELECT i.max_user_accounts, (SELECT COUNT(*) FROM institution_members m WHERE m.institution = i.name)
FROM institutions i WHERE i.name = $1`, institution).Scan(&limit, &members)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("%s: unknown institution %q: %w", op, institution, oidc.ErrNotFound)
	case err != nil:
		return false, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return limit > 0 && members >= limit, nil
}

// CreateUser implements account.UserStore.
func (s *Store) CreateUser(ctx context.Context, nu *account.NewUser) (*account.User, error) {
	const op = "Store.CreateUser"
	if nu == nil || nu.Username == "" || nu.RemoteUsername == "" {
		return nil, fmt.Errorf("%s: missing username: %w", op, oidc.ErrInvalidParameter)
	}
	var id int64
	err := pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
INSERT INTO users (username, first_name, last_name, email, auth_instance_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
			nu.Username, nu.FirstName, nu.LastName, nu.Email, nu.AuthInstanceID, s.opts.Now()).Scan(&id); err != nil {
			return err
		}
		if nu.Institution != "" {
			if _, err := tx.Exec(ctx, `INSERT INTO institution_members (institution, user_id) VALUES ($1, $2)`, nu.Institution, id); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
INSERT INTO auth_remote_users (auth_instance_id, local_user_id, remote_username) VALUES ($1, $2, $3)`,
			nu.AuthInstanceID, id, nu.RemoteUsername)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return &account.User{
		ID:             id,
		Username:       nu.Username,
		FirstName:      nu.FirstName,
		LastName:       nu.LastName,
		Email:          nu.Email,
		AuthInstanceID: nu.AuthInstanceID,
	}, nil
}

// RecordLogin implements account.UserStore.
func (s *Store) RecordLogin(ctx context.Context, userID int64, at time.Time) error {
	const op = "Store.RecordLogin"
	if _, err := s.conn.Exec(ctx, `UPDATE users SET last_login = $1 WHERE id = $2`, at, userID); err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}

// SuspendUser marks a user suspended. An empty reason lifts the suspension.
func (s *Store) SuspendUser(ctx context.Context, userID int64, reason string) error {
	const op = "Store.SuspendUser"
	var at *time.Time
	if reason != "" {
		now := s.opts.Now()
		at = &now
	}
	tag, err := s.conn.Exec(ctx, `
UPDATE users SET suspended = $1, suspended_reason = $2, suspended_at = $3 WHERE id = $4`,
		reason != "", reason, at, userID)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: user %d: %w", op, userID, oidc.ErrNotFound)
	}
	return nil
}

// ReplaceRemoteUser implements oidc.RemoteUserLinker.
func (s *Store) ReplaceRemoteUser(ctx context.Context, authInstanceID, localUserID int64, remoteUsername string) error {
	const op = "Store.ReplaceRemoteUser"
	err := pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
DELETE FROM auth_remote_users
WHERE auth_instance_id = $1 AND (local_user_id = $2 OR remote_username = $3)`,
			authInstanceID, localUserID, remoteUsername); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO auth_remote_users (auth_instance_id, local_user_id, remote_username) VALUES ($1, $2, $3)`,
			authInstanceID, localUserID, remoteUsername)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}
