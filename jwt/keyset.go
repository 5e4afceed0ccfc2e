// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	sdkhttp "github.com/edulogin/oidcflow/sdk/http"
	"gopkg.in/square/go-jose.v2/jwt"
)

// KeySet represents a set of keys that can be used to verify the signatures
// of identity tokens. A KeySet is expected to be backed by a set of local or
// remote keys.
type KeySet interface {
	// VerifySignature parses the given JWT, verifies its signature, and
	// returns the claims in its payload.
	VerifySignature(ctx context.Context, token string) (claims map[string]interface{}, err error)
}

// OIDCDiscoveryKeySet verifies JWT signatures using keys obtained by the OIDC
// discovery mechanism.
type OIDCDiscoveryKeySet struct {
	provider *oidc.Provider
	algs     []string
}

// JSONWebKeySet verifies JWT signatures using keys obtained from a JWKS URL.
type JSONWebKeySet struct {
	remoteJWKS *oidc.RemoteKeySet
}

// StaticKeySet verifies JWT signatures using local PEM-encoded public keys.
type StaticKeySet struct {
	publicKeys []interface{}
}

var (
	_ KeySet = (*OIDCDiscoveryKeySet)(nil)
	_ KeySet = (*JSONWebKeySet)(nil)
	_ KeySet = (*StaticKeySet)(nil)
)

// NewOIDCDiscoveryKeySet returns a KeySet that verifies JWT signatures using
// keys from the JSON Web Key Set (JWKS) published in the discovery document at
// the given discoveryURL. The client used to obtain the remote keys will
// verify server certificates using the root certificates provided by
// discoveryCAPEM.
//
// Supported options: WithSupportedAlgorithms
func NewOIDCDiscoveryKeySet(ctx context.Context, discoveryURL string, discoveryCAPEM string, opt ...Option) (*OIDCDiscoveryKeySet, error) {
	const op = "jwt.NewOIDCDiscoveryKeySet"
	if discoveryURL == "" {
		return nil, fmt.Errorf("%s: discovery URL is empty: %w", op, ErrInvalidParameter)
	}
	opts := getKeySetOpts(opt...)

	caCtx, err := createCAContext(ctx, discoveryCAPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	provider, err := oidc.NewProvider(caCtx, discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to discover provider: %w", op, err)
	}

	algs := make([]string, 0, len(opts.withSupportedAlgorithms))
	for _, a := range opts.withSupportedAlgorithms {
		algs = append(algs, string(a))
	}
	return &OIDCDiscoveryKeySet{
		provider: provider,
		algs:     algs,
	}, nil
}

// VerifySignature parses the given JWT, verifies its signature using
// discovered JWKS keys, and returns the claims in its payload. The given JWT
// must be of the JWS compact serialization form.
func (ks *OIDCDiscoveryKeySet) VerifySignature(ctx context.Context, token string) (map[string]interface{}, error) {
	const op = "OIDCDiscoveryKeySet.VerifySignature"
	// Verify only the signature; the login flow owns nonce and subject checks.
	verifier := ks.provider.Verifier(&oidc.Config{
		SkipClientIDCheck:    true,
		SkipExpiryCheck:      true,
		SkipIssuerCheck:      true,
		SupportedSigningAlgs: ks.algs,
	})
	idToken, err := verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrInvalidSignature, err)
	}

	allClaims := make(map[string]interface{})
	if err := idToken.Claims(&allClaims); err != nil {
		return nil, fmt.Errorf("%s: unable to read claims: %w", op, err)
	}
	return allClaims, nil
}

// NewJSONWebKeySet returns a KeySet that verifies JWT signatures using keys
// from the JSON Web Key Set (JWKS) at the given jwksURL. The client used to
// obtain the remote JWKS will verify server certificates using the root
// certificates provided by jwksCAPEM.
func NewJSONWebKeySet(ctx context.Context, jwksURL string, jwksCAPEM string) (*JSONWebKeySet, error) {
	const op = "jwt.NewJSONWebKeySet"
	if jwksURL == "" {
		return nil, fmt.Errorf("%s: JWKS URL is empty: %w", op, ErrInvalidParameter)
	}

	caCtx, err := createCAContext(ctx, jwksCAPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &JSONWebKeySet{
		remoteJWKS: oidc.NewRemoteKeySet(caCtx, jwksURL),
	}, nil
}

// VerifySignature parses the given JWT, verifies its signature using JWKS
// keys, and returns the claims in its payload. The given JWT must be of the
// JWS compact serialization form.
func (ks *JSONWebKeySet) VerifySignature(ctx context.Context, token string) (map[string]interface{}, error) {
	const op = "JSONWebKeySet.VerifySignature"
	payload, err := ks.remoteJWKS.VerifySignature(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrInvalidSignature, err)
	}

	allClaims := map[string]interface{}{}
	if err := json.Unmarshal(payload, &allClaims); err != nil {
		return nil, fmt.Errorf("%s: unable to read claims: %w", op, err)
	}
	return allClaims, nil
}

// NewStaticKeySet returns a KeySet that verifies JWT signatures using
// PEM-encoded public keys. The given publicKeys must be of PEM-encoded x509
// certificate or PKIX public key forms.
func NewStaticKeySet(publicKeys []string) (*StaticKeySet, error) {
	const op = "jwt.NewStaticKeySet"
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("%s: no public keys: %w", op, ErrInvalidParameter)
	}
	parsedPublicKeys := make([]interface{}, 0, len(publicKeys))
	for _, k := range publicKeys {
		key, err := ParsePublicKeyPEM([]byte(k))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		parsedPublicKeys = append(parsedPublicKeys, key)
	}

	return &StaticKeySet{
		publicKeys: parsedPublicKeys,
	}, nil
}

// VerifySignature parses the given JWT, verifies its signature using local
// PEM-encoded public keys, and returns the claims in its payload. The given
// JWT must be of the JWS compact serialization form.
func (ks *StaticKeySet) VerifySignature(_ context.Context, token string) (map[string]interface{}, error) {
	const op = "StaticKeySet.VerifySignature"
	parsedJWT, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrInvalidSignature, err)
	}

	allClaims := map[string]interface{}{}
	for _, key := range ks.publicKeys {
		if err := parsedJWT.Claims(key, &allClaims); err == nil {
			return allClaims, nil
		}
	}
	return nil, fmt.Errorf("%s: no known key successfully validated the token signature: %w", op, ErrInvalidSignature)
}

// ParsePublicKeyPEM is used to parse RSA and ECDSA public keys from PEMs.
// It returns a *rsa.PublicKey or *ecdsa.PublicKey.
func ParsePublicKeyPEM(data []byte) (interface{}, error) {
	block, _ := pem.Decode(data)
	if block != nil {
		var rawKey interface{}
		var err error
		if rawKey, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				rawKey = cert.PublicKey
			} else {
				return nil, err
			}
		}

		if rsaPublicKey, ok := rawKey.(*rsa.PublicKey); ok {
			return rsaPublicKey, nil
		}
		if ecPublicKey, ok := rawKey.(*ecdsa.PublicKey); ok {
			return ecPublicKey, nil
		}
	}

	return nil, errors.New("data does not contain any valid RSA or ECDSA public keys")
}

// createCAContext returns a context carrying an http client that trusts the
// root certificates in caPEM. If no certificates are configured, the original
// context is returned.
func createCAContext(ctx context.Context, caPEM string) (context.Context, error) {
	if caPEM == "" {
		return ctx, nil
	}
	client, err := sdkhttp.NewClient(caPEM, 0)
	if err != nil {
		return nil, fmt.Errorf("could not parse CA PEM value successfully: %w", err)
	}
	return sdkhttp.ClientContext(ctx, client), nil
}
