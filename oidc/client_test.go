// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		config    *Config
		states    StateStore
		wantErr   bool
		wantIsErr error
	}{
		{
			name:   "valid",
			config: NewConfig("id", "secret"),
			states: NewMemoryStateStore(),
		},
		{
			name:      "nil-config",
			states:    NewMemoryStateStore(),
			wantErr:   true,
			wantIsErr: ErrNilParameter,
		},
		{
			name:      "nil-states",
			config:    NewConfig("id", "secret"),
			wantErr:   true,
			wantIsErr: ErrNilParameter,
		},
		{
			name:      "bad-ca",
			config:    NewConfig("id", "secret", WithProviderCA("not a pem")),
			states:    NewMemoryStateStore(),
			wantErr:   true,
			wantIsErr: ErrInvalidCACert,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewClient(tt.config, tt.states)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.NotNil(got)
		})
	}
}

func TestClient_AuthURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name         string
		config       *Config
		promptLogin  bool
		stateParams  map[string]string
		wantPrefix   string
		wantResource string
		wantErr      bool
		wantIsErr    error
	}{
		{
			name:         "defaults",
			config:       NewConfig("client-1", "secret"),
			stateParams:  map[string]string{"forceflow": "authcode"},
			wantPrefix:   DefaultAuthEndpoint + "?",
			wantResource: DefaultResource,
		},
		{
			name:         "prompt-login",
			config:       NewConfig("client-1", "secret", WithResource("https://api.example.com")),
			promptLogin:  true,
			wantPrefix:   DefaultAuthEndpoint + "?",
			wantResource: "https://api.example.com",
		},
		{
			name:         "endpoint-with-query",
			config:       NewConfig("client-1", "secret", WithEndpoints("https://idp.example.com/authorize?p=b2c_signin", "")),
			wantPrefix:   "https://idp.example.com/authorize?p=b2c_signin&",
			wantResource: DefaultResource,
		},
		{
			name:         "empty-resource-falls-back",
			config:       &Config{ClientId: "client-1", AuthEndpoint: DefaultAuthEndpoint},
			wantPrefix:   DefaultAuthEndpoint + "?",
			wantResource: DefaultResource,
		},
		{
			name:      "missing-client-id",
			config:    NewConfig("", "secret"),
			wantErr:   true,
			wantIsErr: ErrMissingClientCreds,
		},
		{
			name:      "missing-auth-endpoint",
			config:    &Config{ClientId: "client-1"},
			wantErr:   true,
			wantIsErr: ErrMissingEndpoint,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			states := NewMemoryStateStore()
			c, err := NewClient(tt.config, states)
			require.NoError(err)

			got, err := c.AuthURL(ctx, tt.promptLogin, "sess-1", tt.stateParams)
			if tt.wantErr {
				require.Error(err)
				assert.ErrorIs(err, ErrConfiguration)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.True(strings.HasPrefix(got, tt.wantPrefix), "%s does not start with %s", got, tt.wantPrefix)

			u, err := url.Parse(got)
			require.NoError(err)
			q := u.Query()
			assert.Equal("code", q.Get("response_type"))
			assert.Equal("client-1", q.Get("client_id"))
			assert.Equal("openid profile email", q.Get("scope"))
			assert.Equal("form_post", q.Get("response_mode"))
			assert.Equal(tt.wantResource, q.Get("resource"))
			assert.NotEmpty(q.Get("nonce"))
			assert.NotEmpty(q.Get("state"))
			assert.NotEqual(q.Get("nonce"), q.Get("state"))
			if tt.promptLogin {
				assert.Equal("login", q.Get("prompt"))
			} else {
				_, ok := q["prompt"]
				assert.False(ok)
			}

			rec, err := states.Consume(ctx, q.Get("state"))
			require.NoError(err)
			assert.Equal(q.Get("nonce"), rec.Nonce)
			assert.Equal("sess-1", rec.SessionKey)
			if tt.stateParams != nil {
				assert.Equal(tt.stateParams, rec.AdditionalData)
			}
		})
	}
}

func TestClient_AuthURL_nonceIsRandom(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	c, err := NewClient(NewConfig("client-1", "secret"), NewMemoryStateStore())
	require.NoError(err)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		got, err := c.AuthURL(ctx, false, "", nil)
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		n := u.Query().Get("nonce")
		assert.False(seen[n])
		seen[n] = true
	}
}

func TestClient_Exchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	tp.SetExpectedAuthCode("valid-code")

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient(tp.Config(), NewMemoryStateStore())
		require.NoError(err)
		got, err := c.Exchange(ctx, "valid-code")
		require.NoError(err)
		assert.NotEmpty(got.IdToken)
		assert.Equal(AccessToken("test-access-token"), got.AccessToken)
		assert.Equal(DefaultResource, got.Extra("resource"))

		form := tp.LastTokenForm()
		assert.Equal("test-client-id", form.Get("client_id"))
		assert.Equal("test-client-secret", form.Get("client_secret"))
		assert.Equal("authorization_code", form.Get("grant_type"))
		assert.Equal("valid-code", form.Get("code"))
	})
	t.Run("bad-code", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient(tp.Config(), NewMemoryStateStore())
		require.NoError(err)
		_, err = c.Exchange(ctx, "bad-code")
		require.Error(err)
		assert.ErrorIs(err, ErrUpstream)
	})
	t.Run("bad-secret", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		cfg := tp.Config()
		cfg.ClientSecret = "wrong"
		c, err := NewClient(cfg, NewMemoryStateStore())
		require.NoError(err)
		_, err = c.Exchange(ctx, "valid-code")
		require.Error(err)
		assert.ErrorIs(err, ErrUpstream)
	})
	t.Run("untrusted-tls", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		cfg := tp.Config()
		cfg.ProviderCA = ""
		c, err := NewClient(cfg, NewMemoryStateStore())
		require.NoError(err)
		_, err = c.Exchange(ctx, "valid-code")
		require.Error(err)
		assert.ErrorIs(err, ErrUpstream)
	})
	t.Run("missing-token-endpoint", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		cfg := tp.Config()
		cfg.TokenEndpoint = ""
		c, err := NewClient(cfg, NewMemoryStateStore())
		require.NoError(err)
		_, err = c.Exchange(ctx, "valid-code")
		require.Error(err)
		assert.ErrorIs(err, ErrConfiguration)
		assert.ErrorIs(err, ErrMissingEndpoint)
	})
}

func TestClient_Exchange_timeout(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	tp.SetTokenDelay(500 * time.Millisecond)

	c, err := NewClient(tp.Config(WithTimeout(50*time.Millisecond)), NewMemoryStateStore())
	require.NoError(err)
	start := time.Now()
	_, err = c.Exchange(context.Background(), "test-auth-code")
	require.Error(err)
	assert.ErrorIs(err, ErrUpstream)
	assert.Less(time.Since(start), 500*time.Millisecond)
}

func TestClient_Exchange_noIdToken(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	tp.OmitIDTokens()

	c, err := NewClient(tp.Config(), NewMemoryStateStore())
	require.NoError(err)
	got, err := c.Exchange(context.Background(), "test-auth-code")
	require.NoError(err)
	assert.Empty(got.IdToken)
}

func TestClient_Exchange_replies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name            string
		contentType     string
		status          int
		body            string
		wantIdToken     IdToken
		wantAccessToken AccessToken
		wantExpiry      bool
		wantErr         bool
	}{
		{
			name:        "id-token-only",
			contentType: "application/json",
			body:        `{"id_token":"a.b.c","token_type":"Bearer"}`,
			wantIdToken: "a.b.c",
		},
		{
			name:            "all-tokens",
			contentType:     "application/json; charset=utf-8",
			body:            `{"id_token":"a.b.c","access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`,
			wantIdToken:     "a.b.c",
			wantAccessToken: "at",
			wantExpiry:      true,
		},
		{
			name:        "form-encoded",
			contentType: "application/x-www-form-urlencoded",
			body:        "id_token=a.b.c&token_type=Bearer&expires_in=60",
			wantIdToken: "a.b.c",
			wantExpiry:  true,
		},
		{
			name:        "json-as-text-plain",
			contentType: "text/plain; charset=utf-8",
			body:        `{"id_token":"a.b.c","token_type":"Bearer"}`,
			wantIdToken: "a.b.c",
		},
		{
			name:        "error-with-ok-status",
			contentType: "application/json",
			body:        `{"error":"invalid_grant"}`,
			wantErr:     true,
		},
		{
			name:        "error-status",
			contentType: "application/json",
			status:      http.StatusBadRequest,
			body:        `{"error":"invalid_client","error_description":"bad secret"}`,
			wantErr:     true,
		},
		{
			name:        "not-json",
			contentType: "application/json",
			body:        `<html>`,
			wantErr:     true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			c, err := NewClient(NewConfig("client-1", "secret", WithEndpoints("", srv.URL)), NewMemoryStateStore())
			require.NoError(err)
			got, err := c.Exchange(context.Background(), "code")
			if tt.wantErr {
				require.Error(err)
				assert.ErrorIs(err, ErrUpstream)
				return
			}
			require.NoError(err)
			assert.Equal(tt.wantIdToken, got.IdToken)
			assert.Equal(tt.wantAccessToken, got.AccessToken)
			assert.Equal("Bearer", got.TokenType)
			assert.Equal(tt.wantExpiry, !got.Expiry.IsZero())
		})
	}
}
