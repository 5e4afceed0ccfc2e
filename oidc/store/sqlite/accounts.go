// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/edulogin/oidcflow/oidc/account"
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
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO institutions (name, display_name, priority, max_user_accounts)
VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
    display_name = excluded.display_name,
    priority = excluded.priority,
    max_user_accounts = excluded.max_user_accounts`,
		inst.Name, inst.DisplayName, inst.Priority, inst.MaxUserAccounts)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}

// PutAuthInstance creates or updates an auth instance. Its institution must
// exist; InstitutionPriority is read from the institution, not stored.
func (s *Store) PutAuthInstance(ctx context.Context, inst oidc.AuthInstance) error {
	const op = "Store.PutAuthInstance"
	if inst.ID <= 0 || inst.Institution == "" {
		return fmt.Errorf("%s: missing id or institution: %w", op, oidc.ErrInvalidParameter)
	}
	if inst.AuthName == "" {
		inst.AuthName = oidc.DefaultAuthName
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO auth_instances (id, auth_name, institution, priority, institution_attribute, institution_value)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    auth_name = excluded.auth_name,
    institution = excluded.institution,
    priority = excluded.priority,
    institution_attribute = excluded.institution_attribute,
    institution_value = excluded.institution_value`,
		inst.ID, inst.AuthName, inst.Institution, inst.Priority, inst.InstitutionAttribute, inst.InstitutionValue)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}

// Instances implements oidc.InstanceSource.
func (s *Store) Instances(ctx context.Context, authName string) ([]oidc.AuthInstance, error) {
	const op = "Store.Instances"
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT a.id, a.auth_name, a.institution, i.priority, a.priority, a.institution_attribute, a.institution_value
FROM auth_instances a
JOIN institutions i ON i.name = a.institution
WHERE a.auth_name = ?
ORDER BY a.id`, authName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	defer rows.Close()

	var out []oidc.AuthInstance
	for rows.Next() {
		var inst oidc.AuthInstance
		if err := rows.Scan(&inst.ID, &inst.AuthName, &inst.Institution, &inst.InstitutionPriority,
			&inst.Priority, &inst.InstitutionAttribute, &inst.InstitutionValue); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return out, nil
}

const userColumns = `u.id, u.username, u.first_name, u.last_name, u.email, u.auth_instance_id,
    u.suspended, u.suspended_reason, u.suspended_at, u.last_login`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*account.User, error) {
	var (
		u                      account.User
		suspendedAt, lastLogin int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &u.AuthInstanceID,
		&u.Suspended, &u.SuspendedReason, &suspendedAt, &lastLogin); err != nil {
		return nil, err
	}
	u.SuspendedAt = fromMillis(suspendedAt)
	u.LastLogin = fromMillis(lastLogin)
	return &u, nil
}

// FindByRemote implements account.UserStore.
func (s *Store) FindByRemote(ctx context.Context, authInstanceID int64, remoteUsername string) (*account.User, error) {
	const op = "Store.FindByRemote"
	u, err := scanUser(s.sqlDB.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM auth_remote_users r
JOIN users u ON u.id = r.local_user_id
WHERE r.auth_instance_id = ? AND r.remote_username = ?`, authInstanceID, remoteUsername))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return u, nil
}

// UserByUsername returns the local user with the username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*account.User, error) {
	const op = "Store.UserByUsername"
	u, err := scanUser(s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.username = ?`, username))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return u, nil
}

// UsernameExists implements account.UserStore.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	const op = "Store.UsernameExists"
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n); err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return n > 0, nil
}

// InstitutionFull implements account.UserStore. An institution with no
// member limit is never full.
func (s *Store) InstitutionFull(ctx context.Context, institution string) (bool, error) {
	const op = "Store.InstitutionFull"
	var limit, members int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT i.max_user_accounts, (SELECT COUNT(*) FROM institution_members m WHERE m.institution = i.name)
FROM institutions i WHERE i.name = ?`, institution).Scan(&limit, &members)
	switch {
	case errors.Is(err, sql.ErrNoRows):
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
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO users (username, first_name, last_name, email, auth_instance_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		nu.Username, nu.FirstName, nu.LastName, nu.Email, nu.AuthInstanceID, toMillis(s.opts.Now()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	if nu.Institution != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO institution_members (institution, user_id) VALUES (?, ?)`, nu.Institution, id); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO auth_remote_users (auth_instance_id, local_user_id, remote_username) VALUES (?, ?, ?)`,
		nu.AuthInstanceID, id, nu.RemoteUsername); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
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
	if _, err := s.sqlDB.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, toMillis(at), userID); err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}

// SuspendUser marks a user suspended. An empty reason lifts the suspension.
func (s *Store) SuspendUser(ctx context.Context, userID int64, reason string) error {
	const op = "Store.SuspendUser"
	suspended, at := reason != "", int64(0)
	if suspended {
		at = toMillis(s.opts.Now())
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE users SET suspended = ?, suspended_reason = ?, suspended_at = ? WHERE id = ?`,
		suspended, reason, at, userID)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: user %d: %w", op, userID, oidc.ErrNotFound)
	}
	return nil
}

// ReplaceRemoteUser implements oidc.RemoteUserLinker.
func (s *Store) ReplaceRemoteUser(ctx context.Context, authInstanceID, localUserID int64, remoteUsername string) error {
	const op = "Store.ReplaceRemoteUser"
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM auth_remote_users WHERE auth_instance_id = ? AND (local_user_id = ? OR remote_username = ?)`,
		authInstanceID, localUserID, remoteUsername); err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO auth_remote_users (auth_instance_id, local_user_id, remote_username) VALUES (?, ?, ?)`,
		authInstanceID, localUserID, remoteUsername); err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return nil
}
