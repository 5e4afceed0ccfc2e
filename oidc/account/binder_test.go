// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package account

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/edulogin/oidcflow/jwt"
	"github.com/edulogin/oidcflow/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"
)

func testToken(t *testing.T, claims map[string]interface{}) *jwt.Token {
	t.Helper()
	require := require.New(t)
	h, err := json.Marshal(map[string]interface{}{"alg": "RS256"})
	require.NoError(err)
	p, err := json.Marshal(claims)
	require.NoError(err)
	tok, err := jwt.Decode(base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(p) + ".sig")
	require.NoError(err)
	return tok
}

func TestBinder_Authorize(t *testing.T) {
	t.Parallel()

	inst := &oidc.AuthInstance{ID: 4, AuthName: "oidc", Institution: "uni"}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	profile := map[string]interface{}{
		"sub":         "user1",
		"given_name":  "Ada",
		"family_name": "Lovelace",
		"email":       "ada@mail.example.com",
	}
	withUPN := map[string]interface{}{
		"sub":         "user1",
		"upn":         "Ada.Lovelace@uni.edu",
		"given_name":  "Ada",
		"family_name": "Lovelace",
		"email":       "ada@mail.example.com",
	}

	tests := []struct {
		name           string
		autoCreate     bool
		claims         map[string]interface{}
		prepare        func(*MockUserStore)
		wantAuthorized bool
		wantAccount    *oidc.Account
		wantIsErrs     []error
	}{
		{
			name:   "existing-user",
			claims: profile,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "user1").
					Return(&User{ID: 10, Username: "ada"}, nil).Times(1)
				s.EXPECT().RecordLogin(gomock.Any(), int64(10), now).Return(nil).Times(1)
			},
			wantAuthorized: true,
			wantAccount:    &oidc.Account{ID: 10, Username: "ada", AuthInstanceID: 4},
		},
		{
			name:   "upn-overrides-username",
			claims: withUPN,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "Ada.Lovelace@uni.edu").
					Return(&User{ID: 11, Username: "ada.lovelace@uni.edu"}, nil).Times(1)
				s.EXPECT().RecordLogin(gomock.Any(), int64(11), now).Return(nil).Times(1)
			},
			wantAuthorized: true,
			wantAccount:    &oidc.Account{ID: 11, Username: "ada.lovelace@uni.edu", AuthInstanceID: 4},
		},
		{
			name:   "record-login-failure-is-not-fatal",
			claims: profile,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "user1").
					Return(&User{ID: 10, Username: "ada"}, nil).Times(1)
				s.EXPECT().RecordLogin(gomock.Any(), int64(10), now).Return(errors.New("busy")).Times(1)
			},
			wantAuthorized: true,
			wantAccount:    &oidc.Account{ID: 10, Username: "ada", AuthInstanceID: 4},
		},
		{
			name:   "suspended",
			claims: profile,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "user1").
					Return(&User{ID: 10, Suspended: true, SuspendedReason: "spam", SuspendedAt: now}, nil).Times(1)
			},
			wantIsErrs: []error{oidc.ErrIdentity, oidc.ErrAccountSuspended},
		},
		{
			name:   "unknown-without-auto-create",
			claims: profile,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "user1").
					Return(nil, fmt.Errorf("no user: %w", oidc.ErrNotFound)).Times(1)
			},
			wantAuthorized: false,
		},
		{
			name:       "unknown-institution-full",
			autoCreate: true,
			claims:     profile,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "user1").
					Return(nil, oidc.ErrNotFound).Times(1)
				s.EXPECT().InstitutionFull(gomock.Any(), "uni").Return(true, nil).Times(1)
			},
			wantIsErrs: []error{oidc.ErrIdentity, oidc.ErrInstitutionFull},
		},
		{
			name:       "auto-create",
			autoCreate: true,
			claims:     profile,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "user1").
					Return(nil, oidc.ErrNotFound).Times(1)
				s.EXPECT().InstitutionFull(gomock.Any(), "uni").Return(false, nil).Times(1)
				s.EXPECT().UsernameExists(gomock.Any(), "user1").Return(false, nil).Times(1)
				s.EXPECT().CreateUser(gomock.Any(), &NewUser{
					Username:       "user1",
					FirstName:      "Ada",
					LastName:       "Lovelace",
					Email:          "ada@mail.example.com",
					AuthInstanceID: 4,
					Institution:    "uni",
					RemoteUsername: "user1",
				}).Return(&User{ID: 12, Username: "user1"}, nil).Times(1)
				s.EXPECT().RecordLogin(gomock.Any(), int64(12), now).Return(nil).Times(1)
			},
			wantAuthorized: true,
			wantAccount:    &oidc.Account{ID: 12, Username: "user1", AuthInstanceID: 4},
		},
		{
			name:       "auto-create-with-upn",
			autoCreate: true,
			claims:     withUPN,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "Ada.Lovelace@uni.edu").
					Return(nil, oidc.ErrNotFound).Times(1)
				s.EXPECT().InstitutionFull(gomock.Any(), "uni").Return(false, nil).Times(1)
				s.EXPECT().UsernameExists(gomock.Any(), "ada.lovelace@uni.edu").Return(true, nil).Times(1)
				s.EXPECT().UsernameExists(gomock.Any(), "ada.lovelace@uni.edu1").Return(false, nil).Times(1)
				s.EXPECT().CreateUser(gomock.Any(), &NewUser{
					Username:       "ada.lovelace@uni.edu1",
					FirstName:      "Ada",
					LastName:       "Lovelace",
					Email:          "Ada.Lovelace@uni.edu",
					AuthInstanceID: 4,
					Institution:    "uni",
					RemoteUsername: "Ada.Lovelace@uni.edu",
				}).Return(&User{ID: 13, Username: "ada.lovelace@uni.edu1"}, nil).Times(1)
				s.EXPECT().RecordLogin(gomock.Any(), int64(13), now).Return(nil).Times(1)
			},
			wantAuthorized: true,
			wantAccount:    &oidc.Account{ID: 13, Username: "ada.lovelace@uni.edu1", AuthInstanceID: 4},
		},
		{
			name:       "create-fails",
			autoCreate: true,
			claims:     profile,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "user1").Return(nil, oidc.ErrNotFound).Times(1)
				s.EXPECT().InstitutionFull(gomock.Any(), "uni").Return(false, nil).Times(1)
				s.EXPECT().UsernameExists(gomock.Any(), "user1").Return(false, nil).Times(1)
				s.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(nil, errors.New("constraint")).Times(1)
			},
			wantIsErrs: []error{oidc.ErrStorage},
		},
		{
			name:   "lookup-fails",
			claims: profile,
			prepare: func(s *MockUserStore) {
				s.EXPECT().FindByRemote(gomock.Any(), int64(4), "user1").Return(nil, errors.New("conn reset")).Times(1)
			},
			wantIsErrs: []error{oidc.ErrStorage},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			ctrl := gomock.NewController(t)
			store := NewMockUserStore(ctrl)
			tt.prepare(store)

			b, err := NewBinder(store, WithAutoCreate(tt.autoCreate), WithNow(func() time.Time { return now }))
			require.NoError(err)
			got, err := b.Authorize(context.Background(), &oidc.BindRequest{
				Instance:   inst,
				ExternalID: "user1",
				IdToken:    testToken(t, tt.claims),
			})
			if len(tt.wantIsErrs) > 0 {
				require.Error(err)
				for _, want := range tt.wantIsErrs {
					assert.Truef(errors.Is(err, want), "wanted \"%s\" but got \"%s\"", want, err)
				}
				return
			}
			require.NoError(err)
			assert.Equal(tt.wantAuthorized, got.Authorized)
			assert.Equal(tt.wantAccount, got.Account)
		})
	}
}

func TestBinder_Authorize_invalid(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	b, err := NewBinder(NewMockUserStore(ctrl))
	require.NoError(t, err)
	tok := testToken(t, map[string]interface{}{"sub": "u"})
	inst := &oidc.AuthInstance{ID: 1}

	tests := []struct {
		name string
		req  *oidc.BindRequest
		want error
	}{
		{name: "nil", want: oidc.ErrNilParameter},
		{name: "no-instance", req: &oidc.BindRequest{ExternalID: "u", IdToken: tok}, want: oidc.ErrNilParameter},
		{name: "no-token", req: &oidc.BindRequest{ExternalID: "u", Instance: inst}, want: oidc.ErrNilParameter},
		{name: "no-external-id", req: &oidc.BindRequest{Instance: inst, IdToken: tok}, want: oidc.ErrInvalidParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Authorize(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = NewBinder(nil)
	assert.ErrorIs(t, err, oidc.ErrNilParameter)
}

func TestSanitizeUsername(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "Alice", want: "alice"},
		{in: " bob smith ", want: "bobsmith"},
		{in: "O'Brien@Uni.EDU", want: "obrien@uni.edu"},
		{in: "用户", want: "user"},
		{in: "", want: "user"},
		{in: strings.Repeat("a", 40), want: strings.Repeat("a", MaxUsernameLength)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeUsername(tt.in), tt.in)
	}
}

func TestNewUsername(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := NewMockUserStore(ctrl)

	long := strings.Repeat("x", MaxUsernameLength)
	gomock.InOrder(
		store.EXPECT().UsernameExists(gomock.Any(), long).Return(true, nil),
		store.EXPECT().UsernameExists(gomock.Any(), long[:MaxUsernameLength-1]+"1").Return(true, nil),
		store.EXPECT().UsernameExists(gomock.Any(), long[:MaxUsernameLength-1]+"2").Return(false, nil),
	)
	got, err := NewUsername(ctx, store, long+"yy")
	require.NoError(err)
	assert.Equal(long[:MaxUsernameLength-1]+"2", got)
	assert.Len(got, MaxUsernameLength)

	store.EXPECT().UsernameExists(gomock.Any(), "bob").Return(false, errors.New("down"))
	_, err = NewUsername(ctx, store, "bob")
	assert.ErrorIs(err, oidc.ErrStorage)
}
