// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"errors"
	"fmt"
)

// Error kinds. Every error the login flow returns wraps exactly one of these
// so callers can decide how to present it.
var (
	// ErrConfiguration is a missing credential or endpoint. It is fixable by an
	// administrator and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrProtocol is a malformed or replayed callback, or an identity token
	// that failed validation.
	ErrProtocol = errors.New("protocol error")

	// ErrIdentity means the external identity can't be placed: no
	// institution, a suspended account, or an institution at capacity.
	ErrIdentity = errors.New("identity error")

	// ErrUpstream is a network or provider failure during token exchange.
	ErrUpstream = errors.New("upstream error")

	// ErrStorage is a failure persisting or reading flow records.
	ErrStorage = errors.New("storage error")
)

var (
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrNilParameter          = errors.New("nil parameter")
	ErrInvalidCACert         = errors.New("invalid CA certificate")
	ErrIdGeneratorFailed     = errors.New("id generation failed")
	ErrNotFound              = errors.New("not found")
	ErrUnknownState          = fmt.Errorf("unknown state: %w", ErrNotFound)
	ErrExpiredState          = errors.New("state is expired")
	ErrSessionMismatch       = errors.New("state was issued to another session")
	ErrMissingAuthCode       = errors.New("auth code not received")
	ErrMissingIdToken        = errors.New("id_token not received")
	ErrInvalidIdToken        = errors.New("invalid id_token received")
	ErrInvalidNonce          = errors.New("invalid nonce")
	ErrProviderError         = errors.New("provider returned an error")
	ErrMissingClientCreds    = errors.New("client credentials are not configured")
	ErrMissingEndpoint       = errors.New("server endpoints are not configured")
	ErrNoInstance            = errors.New("no auth instance")
	ErrNoMatchingInstitution = errors.New("could not determine the institution to create the user in")
	ErrAccountSuspended      = errors.New("account suspended")
	ErrInstitutionFull       = errors.New("institution is full")
)

// ProviderError is the OAuth2 error response a provider sends back to the
// redirect URI instead of a code. See:
// https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type ProviderError struct {
	Code        string
	Description string
	Uri         string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap allows errors.Is(err, ErrProviderError).
func (e *ProviderError) Unwrap() error { return ErrProviderError }
