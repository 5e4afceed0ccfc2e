// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Token is a structurally decoded compact JWT. It is immutable once returned
// by Decode. A Token says nothing about the authenticity of its claims; use a
// KeySet for that.
type Token struct {
	raw    string
	header map[string]interface{}
	claims map[string]interface{}
}

// Decode parses a compact JWT into its header and claims. The signature
// segment is not checked.
//
// Errors returned all wrap ErrTokenDecode, plus one of ErrMalformedToken,
// ErrHeaderDecode, ErrInvalidHeader, ErrUnsupportedAlgorithm or ErrBadPayload.
func Decode(token string) (*Token, error) {
	const op = "jwt.Decode"
	if token == "" {
		return nil, fmt.Errorf("%s: empty token: %w: %w", op, ErrTokenDecode, ErrMalformedToken)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%s: expected 3 segments and got %d: %w: %w", op, len(parts), ErrTokenDecode, ErrMalformedToken)
	}

	header, err := decodeSegment(parts[0])
	if err != nil || len(header) == 0 {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenDecode, ErrHeaderDecode)
	}
	rawAlg, ok := header["alg"]
	if !ok || rawAlg == nil {
		return nil, fmt.Errorf("%s: missing alg: %w: %w", op, ErrTokenDecode, ErrInvalidHeader)
	}
	alg, _ := rawAlg.(string)
	if err := SupportedAlgorithm(Alg(alg)); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenDecode, err)
	}

	claims, err := decodeSegment(parts[1])
	if err != nil || len(claims) == 0 {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenDecode, ErrBadPayload)
	}

	return &Token{
		raw:    token,
		header: header,
		claims: claims,
	}, nil
}

// decodeSegment base64 decodes one token segment into a JSON object. The
// url-safe alphabet is translated to the standard one and padding is
// optional.
func decodeSegment(seg string) (map[string]interface{}, error) {
	seg = strings.NewReplacer("-", "+", "_", "/").Replace(seg)
	seg = strings.TrimRight(seg, "=")
	b, err := base64.RawStdEncoding.DecodeString(seg)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Raw returns the compact serialization the token was decoded from.
func (t *Token) Raw() string { return t.raw }

// Alg returns the header's signing algorithm.
func (t *Token) Alg() Alg {
	alg, _ := t.header["alg"].(string)
	return Alg(alg)
}

// Header returns a copy of the decoded header.
func (t *Token) Header() map[string]interface{} { return copyMap(t.header) }

// Claims returns a copy of the decoded claims.
func (t *Token) Claims() map[string]interface{} { return copyMap(t.claims) }

// Claim looks up a single claim.
func (t *Token) Claim(name string) (interface{}, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t.claims[name]
	return v, ok
}

// StringClaim returns the claim as a string, or "" when it is absent or not a
// string.
func (t *Token) StringClaim(name string) string {
	v, _ := t.Claim(name)
	s, _ := v.(string)
	return s
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
