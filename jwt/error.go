// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import "errors"

// ErrTokenDecode is wrapped by every error Decode returns.
var ErrTokenDecode = errors.New("token decode error")

var (
	ErrMalformedToken       = errors.New("malformed JWT received")
	ErrHeaderDecode         = errors.New("could not read JWT header")
	ErrInvalidHeader        = errors.New("invalid JWT header")
	ErrUnsupportedAlgorithm = errors.New("JWS alg or JWE not supported")
	ErrBadPayload           = errors.New("could not read JWT payload")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidParameter     = errors.New("invalid parameter")
)
