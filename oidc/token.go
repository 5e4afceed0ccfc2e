// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// IdToken is an oidc id_token
type IdToken string

// RedactedIdToken is the redacted string or json for an oidc id_token
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// TokenResponse is the token endpoint's reply to a code exchange. Only the
// id_token is interpreted by the login flow; everything else is passed
// through.
type TokenResponse struct {
	AccessToken  AccessToken
	RefreshToken RefreshToken
	TokenType    string
	Expiry       time.Time

	// IdToken is empty when the provider did not return one.
	IdToken IdToken

	underlying *oauth2.Token
}

func newTokenResponse(t *oauth2.Token) *TokenResponse {
	idToken, _ := t.Extra("id_token").(string)
	return &TokenResponse{
		AccessToken:  AccessToken(t.AccessToken),
		RefreshToken: RefreshToken(t.RefreshToken),
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
		IdToken:      IdToken(idToken),
		underlying:   t,
	}
}

// Extra returns any other field of the token response, or nil.
func (t *TokenResponse) Extra(key string) interface{} {
	if t == nil || t.underlying == nil {
		return nil
	}
	return t.underlying.Extra(key)
}
