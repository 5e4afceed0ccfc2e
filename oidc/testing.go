// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestGenerateKeys will generate a test ECDSA P-256 pub/priv key pair
func TestGenerateKeys(t *testing.T) (pub, priv string) {
	t.Helper()
	require := require.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	{
		derBytes, err := x509.MarshalECPrivateKey(privateKey)
		require.NoError(err)

		pemBlock := &pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: derBytes,
		}
		priv = string(pem.EncodeToMemory(pemBlock))
	}
	{
		derBytes, err := x509.MarshalPKIXPublicKey(privateKey.Public())
		require.NoError(err)

		pemBlock := &pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: derBytes,
		}
		pub = string(pem.EncodeToMemory(pemBlock))
	}

	return pub, priv
}

// TestSignJWT will bundle the provided claims into a test signed JWT. The provided key
// must be ECDSA.
func TestSignJWT(t *testing.T, ecdsaPrivKeyPEM string, claims map[string]interface{}) string {
	t.Helper()
	require := require.New(t)
	block, _ := pem.Decode([]byte(ecdsaPrivKeyPEM))
	require.NotNil(block)
	key, err := x509.ParseECPrivateKey(block.Bytes)
	require.NoError(err)

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	raw, err := jwt.Signed(sig).
		Claims(claims).
		CompactSerialize()
	require.NoError(err)

	return raw
}

// TestClock is a settable clock for tests. Pass its Now method to WithNow.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewTestClock returns a clock stopped at start.
func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start}
}

// Now returns the clock's current time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestStateStoreConformance exercises the StateStore contract against s. The
// store must have been created with WithNow(clock.Now) and a state TTL of one
// minute.
func TestStateStoreConformance(t *testing.T, s StateStore, clock *TestClock) {
	t.Helper()
	ctx := context.Background()

	t.Run("consume-once", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		data := map[string]string{"forceflow": "authcode"}
		st, err := s.Issue(ctx, "n_nonce", "sess-1", data)
		require.NoError(err)
		require.NotEmpty(st)

		got, err := s.Consume(ctx, st)
		require.NoError(err)
		assert.Equal(st, got.State)
		assert.Equal("n_nonce", got.Nonce)
		assert.Equal("sess-1", got.SessionKey)
		assert.Equal(data, got.AdditionalData)
		assert.False(got.CreatedAt.IsZero())
		assert.True(got.ExpiresAt.After(got.CreatedAt))

		_, err = s.Consume(ctx, st)
		require.Error(err)
		assert.Truef(errors.Is(err, ErrUnknownState), "wanted \"%s\" but got \"%s\"", ErrUnknownState, err)
		assert.ErrorIs(err, ErrNotFound)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := s.Consume(ctx, "st_never-issued")
		assert.ErrorIs(t, err, ErrUnknownState)
	})

	t.Run("empty-additional-data", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		st, err := s.Issue(ctx, "", "", nil)
		require.NoError(err)
		got, err := s.Consume(ctx, st)
		require.NoError(err)
		assert.Empty(got.Nonce)
		assert.Empty(got.AdditionalData)
	})

	t.Run("unique", func(t *testing.T) {
		require := require.New(t)
		seen := map[string]bool{}
		for i := 0; i < 20; i++ {
			st, err := s.Issue(ctx, "n", "sess", nil)
			require.NoError(err)
			require.False(seen[st], "duplicate state %q", st)
			seen[st] = true
		}
		for st := range seen {
			_, err := s.Consume(ctx, st)
			require.NoError(err)
		}
	})

	t.Run("concurrent-consume", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		st, err := s.Issue(ctx, "n_race", "sess", nil)
		require.NoError(err)

		const racers = 16
		var wins, notFound int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.Consume(ctx, st)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, ErrNotFound):
					atomic.AddInt32(&notFound, 1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(int32(1), wins)
		assert.Equal(int32(racers-1), notFound)
	})

	t.Run("expired", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		st, err := s.Issue(ctx, "n_old", "sess", nil)
		require.NoError(err)
		clock.Advance(2 * time.Minute)
		_, err = s.Consume(ctx, st)
		require.Error(err)
		assert.ErrorIs(err, ErrUnknownState)
		_, err = s.Consume(ctx, st)
		assert.ErrorIs(err, ErrUnknownState)
	})
}
