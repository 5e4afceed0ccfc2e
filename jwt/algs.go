// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import "fmt"

// Alg represents a JWS signing algorithm name as carried in a JWT "alg" header.
type Alg string

// JOSE asymmetric and symmetric signing algorithm values accepted in an
// identity token header.
const (
	HS256 Alg = "HS256"
	HS384 Alg = "HS384"
	HS512 Alg = "HS512"
	RS256 Alg = "RS256"
	RS384 Alg = "RS384"
	RS512 Alg = "RS512"
	ES256 Alg = "ES256"
	ES384 Alg = "ES384"
	ES512 Alg = "ES512"

	// None is the unsecured JWS algorithm. Decode accepts it, no KeySet
	// will ever verify it.
	None Alg = "none"
)

var supportedAlgorithms = map[Alg]bool{
	HS256: true,
	HS384: true,
	HS512: true,
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
	None:  true,
}

// SupportedAlgorithm returns an error wrapping ErrUnsupportedAlgorithm for any
// alg outside the accepted set.
func SupportedAlgorithm(algs ...Alg) error {
	for _, a := range algs {
		if !supportedAlgorithms[a] {
			return fmt.Errorf("%q: %w", a, ErrUnsupportedAlgorithm)
		}
	}
	return nil
}
