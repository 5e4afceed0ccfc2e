// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// DefaultScopes are requested in every authorization request.
var DefaultScopes = []string{"openid", "profile", "email"}

// Client builds authorization requests and exchanges authorization codes with
// the provider configured in its Config.
type Client struct {
	config     *Config
	states     StateStore
	httpClient *http.Client
	logger     hclog.Logger
}

// NewClient creates a Client. The config is read on every call, so missing
// credentials or endpoints surface as ErrConfiguration when they are needed.
//
// Supported options: WithHTTPClient, WithLogger
func NewClient(c *Config, states StateStore, opt ...Option) (*Client, error) {
	const op = "oidc.NewClient"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if states == nil {
		return nil, fmt.Errorf("%s: state store is nil: %w", op, ErrNilParameter)
	}
	opts := getClientOpts(opt...)
	hc := opts.withHTTPClient
	if hc == nil {
		var err error
		if hc, err = c.HttpClient(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return &Client{
		config:     c,
		states:     states,
		httpClient: hc,
		logger:     opts.withLogger,
	}, nil
}

// AuthURL issues a new authorization state and returns the provider URL the
// browser should be sent to. promptLogin forces the provider to ask for
// credentials again. stateParams are stored with the state and handed back
// to the callback.
func (c *Client) AuthURL(ctx context.Context, promptLogin bool, sessionKey string, stateParams map[string]string) (string, error) {
	const op = "Client.AuthURL"
	if c.config.ClientId == "" {
		return "", fmt.Errorf("%s: %w: %w", op, ErrConfiguration, ErrMissingClientCreds)
	}
	if c.config.AuthEndpoint == "" {
		return "", fmt.Errorf("%s: no auth endpoint: %w: %w", op, ErrConfiguration, ErrMissingEndpoint)
	}

	nonce, err := NewNonce()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	state, err := c.states.Issue(ctx, nonce, sessionKey, stateParams)
	if err != nil {
		return "", fmt.Errorf("%s: unable to issue state: %w", op, err)
	}

	resource := c.config.Resource
	if resource == "" {
		resource = DefaultResource
	}
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.config.ClientId)
	params.Set("scope", strings.Join(DefaultScopes, " "))
	params.Set("nonce", nonce)
	params.Set("response_mode", "form_post")
	params.Set("resource", resource)
	params.Set("state", state)
	if promptLogin {
		params.Set("prompt", "login")
	}

	sep := "?"
	if strings.Contains(c.config.AuthEndpoint, "?") {
		sep = "&"
	}
	c.logger.Debug("authorization request issued", "op", op, "prompt_login", promptLogin)
	return c.config.AuthEndpoint + sep + params.Encode(), nil
}

// Exchange trades an authorization code for tokens at the token endpoint.
// The request carries client_id, client_secret, grant_type and code as a
// form body. Failures talking to the provider, including timeouts and
// error responses, wrap ErrUpstream. Only the id_token matters to the login
// flow: a reply without an access_token is accepted, and a reply without an
// id_token returns a TokenResponse with an empty IdToken.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	const op = "Client.Exchange"
	if c.config.TokenEndpoint == "" {
		return nil, fmt.Errorf("%s: no token endpoint: %w: %w", op, ErrConfiguration, ErrMissingEndpoint)
	}
	form := url.Values{
		"client_id":     {c.config.ClientId},
		"client_secret": {string(c.config.ClientSecret)},
		"grant_type":    {"authorization_code"},
		"code":          {code},
	}

	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token request: %w: %w", op, ErrConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("token request failed", "op", op, "error", err)
		return nil, fmt.Errorf("%s: unable to exchange auth code: %w: %w", op, ErrUpstream, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read token response: %w: %w", op, ErrUpstream, err)
	}

	tok, err := parseTokenResponse(resp, body)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			c.logger.Warn("token endpoint rejected code", "op", op, "status", retrieveErr.Response.StatusCode, "error_code", retrieveErr.ErrorCode)
			return nil, fmt.Errorf("%s: token endpoint returned %d %s: %w", op, retrieveErr.Response.StatusCode, retrieveErr.ErrorCode, ErrUpstream)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUpstream, err)
	}
	return newTokenResponse(tok), nil
}

const maxTokenResponseSize = 1 << 20

// parseTokenResponse decodes a JSON or form encoded token endpoint reply.
// Error statuses and replies carrying an "error" field come back as an
// *oauth2.RetrieveError.
func parseTokenResponse(resp *http.Response, body []byte) (*oauth2.Token, error) {
	failed := resp.StatusCode < 200 || resp.StatusCode > 299
	retrieveErr := &oauth2.RetrieveError{Response: resp, Body: body}

	raw := map[string]interface{}{}
	content, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case content == "application/x-www-form-urlencoded", content == "text/plain" && !json.Valid(body):
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			if failed {
				return nil, retrieveErr
			}
			return nil, fmt.Errorf("unable to parse token response: %w", err)
		}
		for k := range vals {
			raw[k] = vals.Get(k)
		}
	default:
		if err := json.Unmarshal(body, &raw); err != nil {
			if failed {
				return nil, retrieveErr
			}
			return nil, fmt.Errorf("unable to parse token response: %w", err)
		}
	}

	str := func(k string) string {
		v, _ := raw[k].(string)
		return v
	}
	retrieveErr.ErrorCode = str("error")
	retrieveErr.ErrorDescription = str("error_description")
	retrieveErr.ErrorURI = str("error_uri")
	if failed || retrieveErr.ErrorCode != "" {
		return nil, retrieveErr
	}

	tok := &oauth2.Token{
		AccessToken:  str("access_token"),
		TokenType:    str("token_type"),
		RefreshToken: str("refresh_token"),
	}
	var expiresIn int64
	switch v := raw["expires_in"].(type) {
	case float64:
		expiresIn = int64(v)
	case string:
		expiresIn, _ = strconv.ParseInt(v, 10, 64)
	}
	if expiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return tok.WithExtra(raw), nil
}

// clientOptions is the set of available options for Client functions
type clientOptions struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
}

// clientDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func clientDefaults() clientOptions {
	return clientOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

// getClientOpts gets the client defaults and applies the opt overrides passed
// in
func getClientOpts(opt ...Option) clientOptions {
	opts := clientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithHTTPClient provides an optional http client for calls to the provider.
// It replaces the client built from the Config's ProviderCA.
func WithHTTPClient(hc *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withHTTPClient = hc
		}
	}
}
