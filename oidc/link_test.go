// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRemoteUsers struct {
	links map[[2]int64]string
	err   error
}

func (s *testRemoteUsers) ReplaceRemoteUser(_ context.Context, authInstanceID, localUserID int64, remoteUsername string) error {
	if s.err != nil {
		return s.err
	}
	if s.links == nil {
		s.links = map[[2]int64]string{}
	}
	s.links[[2]int64{authInstanceID, localUserID}] = remoteUsername
	return nil
}

func TestLinker_Link(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		req       *LinkRequest
		user      int64
		storeErr  error
		wantIsErr error
	}{
		{name: "valid", req: &LinkRequest{AuthInstanceID: 3, ExternalUsername: "alice@uni.edu"}, user: 42},
		{name: "nil-request", user: 42, wantIsErr: ErrInvalidParameter},
		{name: "zero-instance", req: &LinkRequest{ExternalUsername: "alice"}, user: 42, wantIsErr: ErrInvalidParameter},
		{name: "blank-username", req: &LinkRequest{AuthInstanceID: 3, ExternalUsername: "  "}, user: 42, wantIsErr: ErrInvalidParameter},
		{name: "no-local-user", req: &LinkRequest{AuthInstanceID: 3, ExternalUsername: "alice"}, wantIsErr: ErrInvalidParameter},
		{name: "store-error", req: &LinkRequest{AuthInstanceID: 3, ExternalUsername: "alice"}, user: 42, storeErr: errors.New("locked"), wantIsErr: ErrStorage},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			store := &testRemoteUsers{err: tt.storeErr}
			l, err := NewLinker(store)
			require.NoError(err)
			err = l.Link(ctx, tt.req, tt.user)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantIsErr)
				return
			}
			require.NoError(err)
			assert.Equal(tt.req.ExternalUsername, store.links[[2]int64{tt.req.AuthInstanceID, tt.user}])
		})
	}
}

func TestLinker_Link_replaces(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	store := &testRemoteUsers{}
	l, err := NewLinker(store)
	require.NoError(err)
	require.NoError(l.Link(context.Background(), &LinkRequest{AuthInstanceID: 1, ExternalUsername: "old"}, 7))
	require.NoError(l.Link(context.Background(), &LinkRequest{AuthInstanceID: 1, ExternalUsername: "new"}, 7))
	assert.Len(store.links, 1)
	assert.Equal("new", store.links[[2]int64{1, 7}])
}

func TestNewLinker(t *testing.T) {
	t.Parallel()
	_, err := NewLinker(nil)
	assert.ErrorIs(t, err, ErrNilParameter)
}
