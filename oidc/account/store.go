// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package account

//go:generate mockgen -source store.go -destination mock_store_test.go -package account

import (
	"context"
	"time"
)

// User is a local account as the binder sees it.
type User struct {
	ID              int64     `db:"id"`
	Username        string    `db:"username"`
	FirstName       string    `db:"first_name"`
	LastName        string    `db:"last_name"`
	Email           string    `db:"email"`
	AuthInstanceID  int64     `db:"auth_instance_id"`
	Suspended       bool      `db:"suspended"`
	SuspendedReason string    `db:"suspended_reason"`
	SuspendedAt     time.Time `db:"suspended_at"`
	LastLogin       time.Time `db:"last_login"`
}

// Institution is a tenant that owns auth instances and users. A zero
// MaxUserAccounts means no limit.
type Institution struct {
	Name            string `yaml:"name" db:"name"`
	DisplayName     string `yaml:"display_name" db:"display_name"`
	Priority        int    `yaml:"priority" db:"priority"`
	MaxUserAccounts int    `yaml:"max_user_accounts" db:"max_user_accounts"`
}

// NewUser is an account to create for an external identity.
type NewUser struct {
	Username       string
	FirstName      string
	LastName       string
	Email          string
	AuthInstanceID int64
	Institution    string

	// RemoteUsername is recorded as the user's identity on AuthInstanceID.
	RemoteUsername string
}

// UserStore is the account storage the Binder needs.
type UserStore interface {
	// FindByRemote looks up the user whose remote username on the instance
	// is remoteUsername. A missing user is an error wrapping oidc.ErrNotFound.
	FindByRemote(ctx context.Context, authInstanceID int64, remoteUsername string) (*User, error)

	// UsernameExists reports whether a local username is taken.
	UsernameExists(ctx context.Context, username string) (bool, error)

	// InstitutionFull reports whether the institution can take no more
	// members.
	InstitutionFull(ctx context.Context, institution string) (bool, error)

	// CreateUser creates the user, adds it to its institution and records
	// its remote username, atomically.
	CreateUser(ctx context.Context, u *NewUser) (*User, error)

	// RecordLogin stamps the user's last login time.
	RecordLogin(ctx context.Context, userID int64, at time.Time) error
}
