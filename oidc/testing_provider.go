// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
)

// TestProvider is a local TLS server that plays the identity provider for an
// authorization code flow with form_post responses. It signs id_tokens with
// an ES256 key published at JWKSURL.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	jwks *jose.JSONWebKeySet

	mu               sync.Mutex
	clientID         string
	clientSecret     string
	redirectURI      string
	expectedAuthCode string
	lastNonce        string
	nonceOverride    *string
	subject          string
	customClaims     map[string]interface{}
	omitIDToken      bool
	tokenDelay       time.Duration
	tokenRequests    int
	lastTokenForm    url.Values

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider that is stopped when
// the test ends.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		clientID:         "test-client-id",
		clientSecret:     "test-client-secret",
		redirectURI:      "https://example.com" + DefaultRedirectPath,
		expectedAuthCode: "test-auth-code",
		subject:          "user1",
		t:                t,
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// SetClientCreds sets the credentials the token endpoint accepts.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetRedirectURI sets the registered redirect URI the provider sends the
// browser back to.
func (p *TestProvider) SetRedirectURI(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.redirectURI = uri
}

// SetExpectedAuthCode sets the code issued by the authorization endpoint and
// accepted by the token endpoint.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetSubject sets the id_token "sub" claim. An empty subject omits it.
func (p *TestProvider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject = sub
}

// SetNonce overrides the nonce placed in the next id_tokens instead of the
// one received at the authorization endpoint. An empty nonce omits the claim.
func (p *TestProvider) SetNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceOverride = &nonce
}

// SetCustomClaims adds claims to every id_token.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// OmitIDTokens stops the token endpoint from returning id_tokens.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// SetTokenDelay makes the token endpoint sleep before replying.
func (p *TestProvider) SetTokenDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenDelay = d
}

// TokenRequests returns how many requests the token endpoint received.
func (p *TestProvider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// LastTokenForm returns the form body of the most recent token request.
func (p *TestProvider) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm
}

// Addr returns the provider's base URL.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// AuthEndpoint returns the authorization endpoint URL.
func (p *TestProvider) AuthEndpoint() string { return p.Addr() + "/authorize" }

// TokenEndpoint returns the token endpoint URL.
func (p *TestProvider) TokenEndpoint() string { return p.Addr() + "/token" }

// JWKSURL returns the URL of the provider's signing keys.
func (p *TestProvider) JWKSURL() string { return p.Addr() + "/certs" }

// CACert returns the pem-encoded CA certificate used by the provider's TLS server.
func (p *TestProvider) CACert() string { return p.caCert }

// SigningKeys returns the provider's pem-encoded ES256 key pair.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// Config returns a Config wired to this provider.
func (p *TestProvider) Config(opt ...Option) *Config {
	p.mu.Lock()
	clientID, clientSecret, redirect := p.clientID, p.clientSecret, p.redirectURI
	p.mu.Unlock()
	opts := append([]Option{
		WithEndpoints(p.AuthEndpoint(), p.TokenEndpoint()),
		WithProviderCA(p.CACert()),
		WithRedirectUri(redirect),
	}, opt...)
	return NewConfig(clientID, ClientSecret(clientSecret), opts...)
}

// Authorize plays the browser: it follows authURL to the authorization
// endpoint and returns the code and state the provider sends back.
func (p *TestProvider) Authorize(t *testing.T, authURL string) (code, state string) {
	t.Helper()
	require := require.New(t)
	client := p.httpServer.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Get(authURL)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(err)
	require.Empty(loc.Query().Get("error"), "provider returned %s", loc.Query().Get("error"))
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()
	v := url.Values{}
	v.Set("state", qv.Get("state"))
	v.Set("error", errorCode)
	if errorMessage != "" {
		v.Set("error_description", errorMessage)
	}
	http.Redirect(w, req, p.redirectURI+"?"+v.Encode(), http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.t.Helper()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/authorize":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		qv := req.URL.Query()
		switch {
		case qv.Get("response_type") != "code":
			p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
			return
		case !strings.Contains(" "+qv.Get("scope")+" ", " openid "):
			p.writeAuthErrorResponse(w, req, "invalid_scope", "")
			return
		case qv.Get("client_id") != p.clientID:
			p.writeAuthErrorResponse(w, req, "unauthorized_client", "")
			return
		case qv.Get("state") == "":
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
			return
		case p.expectedAuthCode == "":
			p.writeAuthErrorResponse(w, req, "access_denied", "")
			return
		}
		p.lastNonce = qv.Get("nonce")

		v := url.Values{}
		v.Set("code", p.expectedAuthCode)
		v.Set("state", qv.Get("state"))
		http.Redirect(w, req, p.redirectURI+"?"+v.Encode(), http.StatusFound)

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.tokenRequests++
		if err := req.ParseForm(); err != nil {
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		p.lastTokenForm = req.PostForm
		if p.tokenDelay > 0 {
			time.Sleep(p.tokenDelay)
		}

		switch {
		case req.PostForm.Get("grant_type") != "authorization_code":
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
			return
		case req.PostForm.Get("client_id") != p.clientID || req.PostForm.Get("client_secret") != p.clientSecret:
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "bad client credentials")
			return
		case req.PostForm.Get("code") != p.expectedAuthCode:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
			return
		}

		claims := map[string]interface{}{
			"iss": p.Addr(),
			"aud": p.clientID,
			"iat": time.Now().Unix(),
			"nbf": time.Now().Add(-5 * time.Second).Unix(),
			"exp": time.Now().Add(5 * time.Minute).Unix(),
		}
		if p.subject != "" {
			claims["sub"] = p.subject
		}
		nonce := p.lastNonce
		if p.nonceOverride != nil {
			nonce = *p.nonceOverride
		}
		if nonce != "" {
			claims["nonce"] = nonce
		}
		for k, v := range p.customClaims {
			claims[k] = v
		}

		reply := struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int    `json:"expires_in"`
			Resource    string `json:"resource,omitempty"`
			IDToken     string `json:"id_token,omitempty"`
		}{
			AccessToken: "test-access-token",
			TokenType:   "Bearer",
			ExpiresIn:   3600,
			Resource:    DefaultResource,
		}
		if !p.omitIDToken {
			reply.IDToken = TestSignJWT(p.t, p.ecdsaPrivateKey, claims)
		}
		_ = p.writeJSON(w, &reply)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				KeyID:     "test-provider-key",
				Algorithm: string(jose.ES256),
				Use:       "sig",
			},
		},
	}
}
