// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	sdkhttp "github.com/edulogin/oidcflow/sdk/http"
	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultAuthEndpoint is the multi-tenant Azure AD authorization endpoint.
	DefaultAuthEndpoint = "https://login.windows.net/common/oauth2/authorize"

	// DefaultTokenEndpoint is the multi-tenant Azure AD token endpoint.
	DefaultTokenEndpoint = "https://login.windows.net/common/oauth2/token"

	// DefaultResource is requested when no resource is configured.
	DefaultResource = "https://graph.windows.net"

	// DefaultRedirectPath is appended to the site root to build the default
	// redirect URI.
	DefaultRedirectPath = "/auth/oidc/redirect"

	// DefaultTimeout bounds each call to the token endpoint.
	DefaultTimeout = 10 * time.Second

	// DefaultStateTTL is how long an issued state stays valid.
	DefaultStateTTL = 10 * time.Minute
)

// ClientSecret is an oauth client secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Config represents the relying party configuration shared by every oidc
// auth instance.
type Config struct {
	// ClientId is the relying party id
	ClientId string

	// ClientSecret is the relying party secret
	ClientSecret ClientSecret

	// RedirectUri is the callback registered with the provider, where it
	// posts the authentication response. It is not sent in the authorization
	// request; the HTTP layer serves the callback at this URI.
	RedirectUri string

	// Resource is sent as the "resource" authorization parameter.
	Resource string

	// AuthEndpoint is the provider's authorization endpoint. It may carry its
	// own query string.
	AuthEndpoint string

	// TokenEndpoint is the provider's token endpoint.
	TokenEndpoint string

	// AutoCreateUsers allows unknown identities to be provisioned as local
	// accounts.
	AutoCreateUsers bool

	// ProviderCA is an optional CA cert to use when sending requests to the provider.
	ProviderCA string

	// Timeout bounds each request to the provider.
	Timeout time.Duration

	// StateTTL is how long an issued authorization state remains valid.
	StateTTL time.Duration
}

// NewConfig composes a new config. Endpoints, resource, timeout and state TTL
// fall back to their defaults. The config is not validated, so an
// incomplete config can still be loaded and surfaces as ErrConfiguration when
// the flow needs the missing value.
//
// Supported options:
//
//	WithEndpoints
//	WithResource
//	WithRedirectUri
//	WithProviderCA
//	WithTimeout
//	WithAutoCreateUsers
func NewConfig(clientId string, clientSecret ClientSecret, opt ...Option) *Config {
	opts := getConfigOpts(opt...)
	return &Config{
		ClientId:        clientId,
		ClientSecret:    clientSecret,
		RedirectUri:     opts.withRedirectUri,
		Resource:        opts.withResource,
		AuthEndpoint:    opts.withAuthEndpoint,
		TokenEndpoint:   opts.withTokenEndpoint,
		AutoCreateUsers: opts.withAutoCreateUsers,
		ProviderCA:      opts.withProviderCA,
		Timeout:         opts.withTimeout,
		StateTTL:        opts.withStateTTL,
	}
}

// DefaultRedirectUri builds the redirect URI under the given site root.
func DefaultRedirectUri(wwwroot string) string {
	return strings.TrimRight(wwwroot, "/") + DefaultRedirectPath
}

// Validate reports every problem with the configuration at once. The
// returned error wraps ErrConfiguration.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w: %w", op, ErrConfiguration, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientId == "" || c.ClientSecret == "" {
		result = multierror.Append(result, ErrMissingClientCreds)
	}
	if c.AuthEndpoint == "" || c.TokenEndpoint == "" {
		result = multierror.Append(result, ErrMissingEndpoint)
	}
	for name, u := range map[string]string{
		"auth endpoint":  c.AuthEndpoint,
		"token endpoint": c.TokenEndpoint,
		"redirect uri":   c.RedirectUri,
	} {
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s %q is invalid: %w", name, u, err))
			continue
		}
		if parsed.Scheme != "https" && parsed.Scheme != "http" {
			result = multierror.Append(result, fmt.Errorf("%s %q scheme is not http or https: %w", name, u, ErrInvalidParameter))
		}
	}
	if c.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("timeout is negative: %w", ErrInvalidParameter))
	}
	if c.StateTTL < 0 {
		result = multierror.Append(result, fmt.Errorf("state ttl is negative: %w", ErrInvalidParameter))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrConfiguration, err)
	}
	return nil
}

// HttpClient is a helper function that creates a new http client for the
// provider configured
func (c *Config) HttpClient() (*http.Client, error) {
	const op = "Config.HttpClient"
	client, err := sdkhttp.NewClient(c.ProviderCA, c.Timeout)
	if err != nil {
		if errors.Is(err, sdkhttp.ErrInvalidCertificatePem) {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		return nil, fmt.Errorf("%s: could not get an http client: %w", op, err)
	}
	return client, nil
}

// configOptions is the set of available options
type configOptions struct {
	withAuthEndpoint    string
	withTokenEndpoint   string
	withResource        string
	withRedirectUri     string
	withProviderCA      string
	withTimeout         time.Duration
	withStateTTL        time.Duration
	withAutoCreateUsers bool
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withAuthEndpoint:  DefaultAuthEndpoint,
		withTokenEndpoint: DefaultTokenEndpoint,
		withResource:      DefaultResource,
		withTimeout:       DefaultTimeout,
		withStateTTL:      DefaultStateTTL,
	}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithEndpoints overrides the default authorization and token endpoints.
// Empty values keep the defaults.
func WithEndpoints(authEndpoint, tokenEndpoint string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			if authEndpoint != "" {
				o.withAuthEndpoint = authEndpoint
			}
			if tokenEndpoint != "" {
				o.withTokenEndpoint = tokenEndpoint
			}
		}
	}
}

// WithResource overrides DefaultResource. An empty value keeps the default.
func WithResource(resource string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok && resource != "" {
			o.withResource = resource
		}
	}
}

// WithRedirectUri provides the redirect URI registered with the provider.
func WithRedirectUri(uri string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRedirectUri = uri
		}
	}
}

// WithProviderCA provides an optional CA cert for the provider's config
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithTimeout overrides DefaultTimeout for calls to the provider.
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok && d > 0 {
			o.withTimeout = d
		}
	}
}

// WithAutoCreateUsers enables provisioning of unknown identities.
func WithAutoCreateUsers(enabled bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAutoCreateUsers = enabled
		}
	}
}
