// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

const (
	wellKnownJWKS = "/.well-known/jwks.json"
	testKeyID     = "test-key"
)

func testJWTClaims(t *testing.T) map[string]interface{} {
	t.Helper()
	return map[string]interface{}{
		"iss":   "https://example.com/",
		"sub":   "alice@example.com",
		"aud":   []interface{}{"www.example.com"},
		"exp":   float64(1611699944),
		"nbf":   float64(1611699344),
		"iat":   float64(1611699344),
		"nonce": "n_abc123",
	}
}

func testSignJWT(t *testing.T, key crypto.PrivateKey, alg Alg, claims interface{}) string {
	t.Helper()

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(alg), Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	raw, err := jwt.Signed(sig).
		Claims(claims).
		CompactSerialize()
	require.NoError(t, err)
	return raw
}

func testPublicKeyPEM(t *testing.T, pub crypto.PublicKey) string {
	t.Helper()
	b, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: b}))
}

// testStartJWKSProvider serves discovery and JWKS documents for pub.
func testStartJWKSProvider(t *testing.T, pub crypto.PublicKey, alg Alg) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch req.URL.Path {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"issuer":                                srv.URL,
				"authorization_endpoint":                srv.URL + "/auth",
				"token_endpoint":                        srv.URL + "/token",
				"jwks_uri":                              srv.URL + wellKnownJWKS,
				"id_token_signing_alg_values_supported": []string{string(alg)},
			})
		case wellKnownJWKS:
			_ = json.NewEncoder(w).Encode(&jose.JSONWebKeySet{
				Keys: []jose.JSONWebKey{{Key: pub, KeyID: testKeyID, Algorithm: string(alg), Use: "sig"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJSONWebKeySet_VerifySignature(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srv := testStartJWKSProvider(t, priv.Public(), ES256)

	ks, err := NewJSONWebKeySet(ctx, srv.URL+wellKnownJWKS, "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    map[string]interface{}
		wantErr bool
	}{
		{
			name:  "valid",
			token: testSignJWT(t, priv, ES256, testJWTClaims(t)),
			want:  testJWTClaims(t),
		},
		{
			name:    "unknown-key",
			token:   testSignJWT(t, other, ES256, testJWTClaims(t)),
			wantErr: true,
		},
		{
			name:    "not-a-jwt",
			token:   "abc.def.ghi",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := ks.VerifySignature(ctx, tt.token)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, ErrInvalidSignature), "wanted \"%s\" but got \"%s\"", ErrInvalidSignature, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}

func TestNewJSONWebKeySet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name      string
		jwksURL   string
		jwksCAPEM string
		wantErr   bool
		wantIsErr error
	}{
		{
			name:    "valid",
			jwksURL: "https://example.com" + wellKnownJWKS,
		},
		{
			name:      "empty-url",
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name:      "malformed-ca",
			jwksURL:   "https://example.com" + wellKnownJWKS,
			jwksCAPEM: "-----BEGIN CERTIFICATE-----",
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewJSONWebKeySet(ctx, tt.jwksURL, tt.jwksCAPEM)
			if tt.wantErr {
				require.Error(err)
				if tt.wantIsErr != nil {
					assert.ErrorIs(err, tt.wantIsErr)
				}
				return
			}
			require.NoError(err)
			assert.NotNil(got)
		})
	}
}

func TestOIDCDiscoveryKeySet_VerifySignature(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	srv := testStartJWKSProvider(t, priv.Public(), ES256)

	ks, err := NewOIDCDiscoveryKeySet(ctx, srv.URL, "", WithSupportedAlgorithms(ES256))
	require.NoError(err)

	got, err := ks.VerifySignature(ctx, testSignJWT(t, priv, ES256, testJWTClaims(t)))
	require.NoError(err)
	assert.Equal("alice@example.com", got["sub"])

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	_, err = ks.VerifySignature(ctx, testSignJWT(t, other, ES256, testJWTClaims(t)))
	require.Error(err)
	assert.ErrorIs(err, ErrInvalidSignature)

	_, err = NewOIDCDiscoveryKeySet(ctx, "", "")
	assert.ErrorIs(err, ErrInvalidParameter)
}

func TestStaticKeySet_VerifySignature(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecPriv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	unknown, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ks, err := NewStaticKeySet([]string{
		testPublicKeyPEM(t, rsaPriv.Public()),
		testPublicKeyPEM(t, ecPriv.Public()),
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "RS256", token: testSignJWT(t, rsaPriv, RS256, testJWTClaims(t))},
		{name: "RS512", token: testSignJWT(t, rsaPriv, RS512, testJWTClaims(t))},
		{name: "ES384", token: testSignJWT(t, ecPriv, ES384, testJWTClaims(t))},
		{name: "unknown-key", token: testSignJWT(t, unknown, ES256, testJWTClaims(t)), wantErr: true},
		{name: "unsigned", token: "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ1c2VyMSJ9.", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := ks.VerifySignature(ctx, tt.token)
			if tt.wantErr {
				require.Error(err)
				assert.ErrorIs(err, ErrInvalidSignature)
				return
			}
			require.NoError(err)
			assert.Equal(testJWTClaims(t), got)
		})
	}
}

func TestNewStaticKeySet(t *testing.T) {
	t.Parallel()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tests := []struct {
		name    string
		keys    []string
		wantErr bool
	}{
		{name: "valid", keys: []string{testPublicKeyPEM(t, priv.Public())}},
		{name: "empty", wantErr: true},
		{name: "garbage", keys: []string{"not a key"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStaticKeySet(tt.keys)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestHMACKeySet_VerifySignature(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	secret := []byte("client-secret-with-enough-entropy")
	sign := func(m jwtv5.SigningMethod, key []byte) string {
		s, err := jwtv5.NewWithClaims(m, jwtv5.MapClaims{"sub": "user1", "nonce": "n_1"}).SignedString(key)
		require.NoError(t, err)
		return s
	}

	ks, err := NewHMACKeySet(secret)
	require.NoError(t, err)
	hs256Only, err := NewHMACKeySet(secret, WithSupportedAlgorithms(HS256, ES256))
	require.NoError(t, err)

	tests := []struct {
		name    string
		ks      *HMACKeySet
		token   string
		wantErr bool
	}{
		{name: "HS256", ks: ks, token: sign(jwtv5.SigningMethodHS256, secret)},
		{name: "HS512", ks: ks, token: sign(jwtv5.SigningMethodHS512, secret)},
		{name: "wrong-secret", ks: ks, token: sign(jwtv5.SigningMethodHS256, []byte("nope")), wantErr: true},
		{name: "alg-not-allowed", ks: hs256Only, token: sign(jwtv5.SigningMethodHS384, secret), wantErr: true},
		{name: "none", ks: ks, token: "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ1c2VyMSJ9.", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := tt.ks.VerifySignature(ctx, tt.token)
			if tt.wantErr {
				require.Error(err)
				assert.ErrorIs(err, ErrInvalidSignature)
				return
			}
			require.NoError(err)
			assert.Equal("user1", got["sub"])
		})
	}

	_, err = NewHMACKeySet(nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = NewHMACKeySet(secret, WithSupportedAlgorithms(RS256))
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestParsePublicKeyPEM(t *testing.T) {
	t.Parallel()
	type args struct {
		pem func() ([]byte, crypto.PublicKey)
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{
			name: "parse PKIX ECDSA public key",
			args: args{
				pem: func() ([]byte, crypto.PublicKey) {
					priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
					require.NoError(t, err)
					return []byte(testPublicKeyPEM(t, priv.Public())), priv.Public()
				},
			},
		},
		{
			name: "parse x509 certificate RSA public key",
			args: args{
				pem: func() ([]byte, crypto.PublicKey) {
					priv, err := rsa.GenerateKey(rand.Reader, 2048)
					require.NoError(t, err)

					template := x509.Certificate{
						SerialNumber: new(big.Int).SetInt64(123),
					}
					cert, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
					require.NoError(t, err)
					return pem.EncodeToMemory(&pem.Block{
						Type:  "CERTIFICATE",
						Bytes: cert,
					}), priv.Public()
				},
			},
		},
		{
			name: "malformed PEM",
			args: args{
				pem: func() ([]byte, crypto.PublicKey) {
					return []byte(`"-----BEGIN CERTIFICATE-----"`), nil
				},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			pemBytes, pub := tt.args.pem()
			got, err := ParsePublicKeyPEM(pemBytes)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, pub, got)
		})
	}
}
