// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package id

import (
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// DefaultSize is the number of random bytes behind an id. 32 bytes encode to
// 43 base64url characters.
const DefaultSize = 32

// New generates a random, url-safe id with an optional prefix. The id is
// suitable for an oidc state or nonce.
func New(optionalPrefix string) (string, error) {
	return NewWithSize(optionalPrefix, DefaultSize)
}

// NewWithSize is New with an explicit number of random bytes.
func NewWithSize(optionalPrefix string, size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("size must be greater than zero")
	}
	b, err := uuid.GenerateRandomBytes(size)
	if err != nil {
		return "", fmt.Errorf("unable to generate id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(b)
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return id, nil
	}
}
