// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"

	"github.com/edulogin/oidcflow/sdk/id"
)

// NewId generates a random ID with an optional prefix. The ID generated is
// suitable for a state or nonce.
func NewId(optionalPrefix string) (string, error) {
	const op = "oidc.NewId"
	id, err := id.New(optionalPrefix)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrIdGeneratorFailed, err)
	}
	return id, nil
}

// NewNonce generates a nonce from 32 bytes of crypto/rand.
func NewNonce() (string, error) { return NewId("n") }

// NewStateToken generates an unguessable state value.
func NewStateToken() (string, error) { return NewId("st") }
