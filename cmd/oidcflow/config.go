// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/edulogin/oidcflow/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config is the CLI configuration, read from OIDCFLOW_* environment
// variables.
type Config struct {
	ClientID      string        `env:"CLIENT_ID"`
	ClientSecret  string        `env:"CLIENT_SECRET"`
	WWWRoot       string        `env:"WWWROOT" envDefault:"http://localhost:8080"`
	RedirectURI   string        `env:"REDIRECT_URI"`
	Resource      string        `env:"RESOURCE"`
	AuthEndpoint  string        `env:"AUTH_ENDPOINT"`
	TokenEndpoint string        `env:"TOKEN_ENDPOINT"`
	ProviderCA    string        `env:"PROVIDER_CA_FILE"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"10s"`
	StateTTL      time.Duration `env:"STATE_TTL" envDefault:"10m"`
	AutoCreate    bool          `env:"AUTO_CREATE_USERS"`

	// Exactly one of JWKSURL and DiscoveryURL verifies id tokens unless
	// InsecureSkipVerify is set.
	JWKSURL            string `env:"JWKS_URL"`
	DiscoveryURL       string `env:"DISCOVERY_URL"`
	InsecureSkipVerify bool   `env:"INSECURE_SKIP_SIGNATURE_VERIFICATION"`
	SessionBinding     bool   `env:"SESSION_BINDING"`
	CELRules           bool   `env:"CEL_RULES"`

	// AccountStore holds users, institutions and auth instances. StateStore
	// holds authorization states and defaults to the account store.
	AccountStore string        `env:"ACCOUNT_STORE" envDefault:"sqlite"`
	StateStore   string        `env:"STATE_STORE"`
	SQLitePath   string        `env:"SQLITE_PATH" envDefault:"oidcflow.db"`
	PostgresDSN  string        `env:"POSTGRES_DSN"`
	RedisAddr    string        `env:"REDIS_ADDR"`
	RedisDB      int           `env:"REDIS_DB"`
	ReapInterval time.Duration `env:"REAP_INTERVAL" envDefault:"5m"`

	// InstancesFile lists institutions and auth instances as YAML. serve
	// imports it into the account store and resolves against it.
	InstancesFile string `env:"INSTANCES_FILE"`

	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":8080"`
	CookieHashKey  string `env:"COOKIE_HASH_KEY"`
	CookieBlockKey string `env:"COOKIE_BLOCK_KEY"`
	CookieSecure   bool   `env:"COOKIE_SECURE"`
	LocalLoginURL  string `env:"LOCAL_LOGIN_URL" envDefault:"/login"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON"`
}

// LoadConfig reads envFile, when it exists, into the environment and then
// parses the configuration. Variables already set win over the file.
func LoadConfig(envFile string) (*Config, error) {
	const op = "main.LoadConfig"
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: unable to load %s: %w", op, envFile, err)
		}
	}
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "OIDCFLOW_"}); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrConfiguration, err)
	}
	return &c, nil
}

// StateBackend returns the configured state store, falling back to the
// account store.
func (c *Config) StateBackend() string {
	if c.StateStore == "" {
		return c.AccountStore
	}
	return c.StateStore
}

// ValidateStore checks the storage settings.
func (c *Config) ValidateStore() error {
	var result *multierror.Error
	needs := map[string]bool{}
	switch c.AccountStore {
	case StoreSQLite, StorePostgres:
		needs[c.AccountStore] = true
	default:
		result = multierror.Append(result, fmt.Errorf("account store must be %s or %s, got %q", StoreSQLite, StorePostgres, c.AccountStore))
	}
	switch sb := c.StateBackend(); sb {
	case StoreMemory:
	case StoreSQLite, StorePostgres, StoreRedis:
		needs[sb] = true
	default:
		result = multierror.Append(result, fmt.Errorf("unknown state store %q", sb))
	}
	if needs[StoreSQLite] && c.SQLitePath == "" {
		result = multierror.Append(result, errors.New("OIDCFLOW_SQLITE_PATH is required"))
	}
	if needs[StorePostgres] && c.PostgresDSN == "" {
		result = multierror.Append(result, errors.New("OIDCFLOW_POSTGRES_DSN is required"))
	}
	if needs[StoreRedis] && c.RedisAddr == "" {
		result = multierror.Append(result, errors.New("OIDCFLOW_REDIS_ADDR is required"))
	}
	return result.ErrorOrNil()
}

// Validate checks everything serve needs.
func (c *Config) Validate() error {
	var result *multierror.Error
	if err := c.ValidateStore(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.JWKSURL == "" && c.DiscoveryURL == "" && !c.InsecureSkipVerify {
		result = multierror.Append(result, errors.New("one of OIDCFLOW_JWKS_URL or OIDCFLOW_DISCOVERY_URL is required"))
	}
	if c.JWKSURL != "" && c.DiscoveryURL != "" {
		result = multierror.Append(result, errors.New("OIDCFLOW_JWKS_URL and OIDCFLOW_DISCOVERY_URL are mutually exclusive"))
	}
	if c.SessionBinding && !c.CookieSecure {
		// the form_post callback is cross-site and only carries SameSite=None cookies
		result = multierror.Append(result, errors.New("OIDCFLOW_SESSION_BINDING requires OIDCFLOW_COOKIE_SECURE"))
	}
	if k, err := decodeKey(c.CookieHashKey); err != nil || (len(k) != 32 && len(k) != 64) {
		result = multierror.Append(result, errors.New("OIDCFLOW_COOKIE_HASH_KEY must be a base64 encoded 32 or 64 byte key"))
	}
	if k, err := decodeKey(c.CookieBlockKey); err != nil || (len(k) != 0 && len(k) != 16 && len(k) != 24 && len(k) != 32) {
		result = multierror.Append(result, errors.New("OIDCFLOW_COOKIE_BLOCK_KEY must be empty or a base64 encoded 16, 24 or 32 byte key"))
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if oc, err := c.OIDCConfig(); err != nil {
		result = multierror.Append(result, err)
	} else {
		if err := oc.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
		if _, _, err := callbackBase(oc.RedirectUri); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", oidc.ErrConfiguration, err)
	}
	return nil
}

// OIDCConfig builds the client configuration, reading the provider CA
// file when one is set.
func (c *Config) OIDCConfig() (*oidc.Config, error) {
	const op = "Config.OIDCConfig"
	redirect := c.RedirectURI
	if redirect == "" {
		redirect = oidc.DefaultRedirectUri(c.WWWRoot)
	}
	var ca string
	if c.ProviderCA != "" {
		b, err := os.ReadFile(c.ProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to read provider CA: %w: %w", op, oidc.ErrConfiguration, err)
		}
		ca = string(b)
	}
	return oidc.NewConfig(c.ClientID, oidc.ClientSecret(c.ClientSecret),
		oidc.WithRedirectUri(redirect),
		oidc.WithEndpoints(c.AuthEndpoint, c.TokenEndpoint),
		oidc.WithResource(c.Resource),
		oidc.WithProviderCA(ca),
		oidc.WithTimeout(c.Timeout),
		oidc.WithStateTTL(c.StateTTL),
		oidc.WithAutoCreateUsers(c.AutoCreate),
	), nil
}

// callbackBase splits the redirect URI registered with the provider into
// the URL the login endpoints live under and the path they are mounted at.
func callbackBase(redirectURI string) (base, mount string, err error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", "", fmt.Errorf("redirect uri %q is invalid: %w", redirectURI, err)
	}
	mount, ok := strings.CutSuffix(u.Path, "/redirect")
	if !ok || mount == "" || u.RawQuery != "" {
		return "", "", fmt.Errorf("redirect uri %q must be a path ending in /redirect below the site root", redirectURI)
	}
	u.Path, u.Fragment = mount, ""
	return u.String(), mount, nil
}

// Logger builds the process logger.
func (c *Config) Logger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "oidcflow",
		Level:      hclog.LevelFromString(c.LogLevel),
		JSONFormat: c.LogJSON,
	})
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("not base64: %w", err)
	}
	return b, nil
}
