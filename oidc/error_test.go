// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrUnknownState(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.ErrorIs(ErrUnknownState, ErrNotFound)

	err := fmt.Errorf("%s: %w: %w", "op", ErrProtocol, ErrUnknownState)
	assert.ErrorIs(err, ErrProtocol)
	assert.ErrorIs(err, ErrUnknownState)
	assert.ErrorIs(err, ErrNotFound)
	assert.NotErrorIs(err, ErrIdentity)
}

func TestProviderError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *ProviderError
		want string
	}{
		{name: "code-only", err: &ProviderError{Code: "access_denied"}, want: "access_denied"},
		{name: "with-description", err: &ProviderError{Code: "invalid_request", Description: "bad scope"}, want: "invalid_request: bad scope"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			assert.Equal(tt.want, tt.err.Error())
			assert.ErrorIs(tt.err, ErrProviderError)

			wrapped := fmt.Errorf("op: %w: %w", ErrProtocol, tt.err)
			var got *ProviderError
			assert.True(errors.As(wrapped, &got))
			assert.Equal(tt.err.Code, got.Code)
		})
	}
}
