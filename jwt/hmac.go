// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"context"
	"fmt"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// HMACKeySet verifies HS256, HS384 and HS512 signed tokens with a shared
// secret, typically the relying party's client secret.
type HMACKeySet struct {
	secret []byte
	parser *jwtv5.Parser
}

var _ KeySet = (*HMACKeySet)(nil)

// NewHMACKeySet returns a KeySet for symmetric signatures.
//
// Supported options: WithSupportedAlgorithms (only HS* values are honored)
func NewHMACKeySet(secret []byte, opt ...Option) (*HMACKeySet, error) {
	const op = "jwt.NewHMACKeySet"
	if len(secret) == 0 {
		return nil, fmt.Errorf("%s: secret is empty: %w", op, ErrInvalidParameter)
	}
	opts := getKeySetOpts(opt...)
	methods := []string{string(HS256), string(HS384), string(HS512)}
	if len(opts.withSupportedAlgorithms) > 0 {
		methods = methods[:0]
		for _, a := range opts.withSupportedAlgorithms {
			switch a {
			case HS256, HS384, HS512:
				methods = append(methods, string(a))
			}
		}
		if len(methods) == 0 {
			return nil, fmt.Errorf("%s: no HMAC algorithms supported: %w", op, ErrInvalidParameter)
		}
	}
	return &HMACKeySet{
		secret: secret,
		parser: jwtv5.NewParser(
			jwtv5.WithValidMethods(methods),
			jwtv5.WithoutClaimsValidation(),
		),
	}, nil
}

// VerifySignature checks the token's HMAC and returns its claims.
func (ks *HMACKeySet) VerifySignature(_ context.Context, token string) (map[string]interface{}, error) {
	const op = "HMACKeySet.VerifySignature"
	claims := jwtv5.MapClaims{}
	_, err := ks.parser.ParseWithClaims(token, claims, func(*jwtv5.Token) (interface{}, error) {
		return ks.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrInvalidSignature, err)
	}
	return map[string]interface{}(claims), nil
}
