// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"

	"github.com/edulogin/oidcflow/jwt"
)

// Account is a local user account an external identity is bound to.
type Account struct {
	ID             int64  `json:"id" db:"id"`
	Username       string `json:"username" db:"username"`
	AuthInstanceID int64  `json:"auth_instance_id" db:"auth_instance_id"`
}

// BindRequest is the identity an AccountBinder is asked to authorize.
type BindRequest struct {
	// Instance is the auth instance the login resolved to.
	Instance *AuthInstance

	// ExternalID is the identity's unique id: the token's oid claim, or sub.
	ExternalID string

	// Tokens is the token endpoint response.
	Tokens *TokenResponse

	// IdToken is the decoded, verified identity token.
	IdToken *jwt.Token
}

// BindResult is an AccountBinder's decision. Account is set only when
// Authorized is true.
type BindResult struct {
	Authorized bool
	Account    *Account
}

// AccountBinder maps an external identity onto a local account. A result
// that is not authorized sends the user to link an existing account.
// Suspended accounts and institutions at capacity are errors wrapping
// ErrIdentity.
type AccountBinder interface {
	Authorize(ctx context.Context, req *BindRequest) (*BindResult, error)
}
