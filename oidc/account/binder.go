// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package account provides the default oidc.AccountBinder: identities are
// looked up by their remote username on the auth instance and, when the
// binder may auto-create users, provisioned from the identity token's
// profile claims.
package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/hashicorp/go-hclog"
)

// MaxUsernameLength bounds generated local usernames.
const MaxUsernameLength = 30

// maxUsernameProbes bounds the suffixes tried when a username is taken.
const maxUsernameProbes = 1000

var invalidUsernameChars = regexp.MustCompile(`[^a-z0-9_.@-]+`)

// Binder authorizes external identities against a UserStore.
type Binder struct {
	store UserStore
	opts  options
}

var _ oidc.AccountBinder = (*Binder)(nil)

// NewBinder creates a Binder.
//
// Supported options: WithAutoCreate, WithNow, WithLogger
func NewBinder(store UserStore, opt ...Option) (*Binder, error) {
	const op = "account.NewBinder"
	if store == nil {
		return nil, fmt.Errorf("%s: user store is nil: %w", op, oidc.ErrNilParameter)
	}
	return &Binder{store: store, opts: getOpts(opt...)}, nil
}

// Authorize implements oidc.AccountBinder. The remote username is the
// token's upn claim when present, otherwise the external id. A known user
// is authorized unless suspended. An unknown one is created when
// auto-create is on and its institution has room, and otherwise left for
// linking.
func (b *Binder) Authorize(ctx context.Context, req *oidc.BindRequest) (*oidc.BindResult, error) {
	const op = "Binder.Authorize"
	switch {
	case req == nil:
		return nil, fmt.Errorf("%s: bind request is nil: %w", op, oidc.ErrNilParameter)
	case req.Instance == nil:
		return nil, fmt.Errorf("%s: auth instance is nil: %w", op, oidc.ErrNilParameter)
	case req.IdToken == nil:
		return nil, fmt.Errorf("%s: id token is nil: %w", op, oidc.ErrNilParameter)
	case req.ExternalID == "":
		return nil, fmt.Errorf("%s: missing external id: %w", op, oidc.ErrInvalidParameter)
	}

	username := req.ExternalID
	email := req.IdToken.StringClaim("email")
	if upn := req.IdToken.StringClaim("upn"); upn != "" {
		username = upn
		email = upn
	}

	u, err := b.store.FindByRemote(ctx, req.Instance.ID, username)
	switch {
	case err == nil:
		if u.Suspended {
			b.opts.withLogger.Info("suspended user attempted login", "op", op, "user", u.ID)
			return nil, fmt.Errorf("%s: suspended %s: %w: %w", op, suspendedSince(u), oidc.ErrIdentity, oidc.ErrAccountSuspended)
		}
	case errors.Is(err, oidc.ErrNotFound):
		if !b.opts.withAutoCreate {
			return &oidc.BindResult{Authorized: false}, nil
		}
		full, err := b.store.InstitutionFull(ctx, req.Instance.Institution)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
		if full {
			return nil, fmt.Errorf("%s: %q: %w: %w", op, req.Instance.Institution, oidc.ErrIdentity, oidc.ErrInstitutionFull)
		}
		local, err := NewUsername(ctx, b.store, username)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		u, err = b.store.CreateUser(ctx, &NewUser{
			Username:       local,
			FirstName:      req.IdToken.StringClaim("given_name"),
			LastName:       req.IdToken.StringClaim("family_name"),
			Email:          email,
			AuthInstanceID: req.Instance.ID,
			Institution:    req.Instance.Institution,
			RemoteUsername: username,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create user: %w: %w", op, oidc.ErrStorage, err)
		}
		b.opts.withLogger.Info("user created", "op", op, "user", u.ID, "instance", req.Instance.ID)
	default:
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}

	if err := b.store.RecordLogin(ctx, u.ID, b.opts.withNowFunc()); err != nil {
		b.opts.withLogger.Warn("unable to record login", "op", op, "user", u.ID, "error", err)
	}
	return &oidc.BindResult{
		Authorized: true,
		Account: &oidc.Account{
			ID:             u.ID,
			Username:       u.Username,
			AuthInstanceID: req.Instance.ID,
		},
	}, nil
}

func suspendedSince(u *User) string {
	s := "account"
	if !u.SuspendedAt.IsZero() {
		s += " since " + u.SuspendedAt.Format("2006-01-02")
	}
	if u.SuspendedReason != "" {
		s += " (" + u.SuspendedReason + ")"
	}
	return s
}

// SanitizeUsername lowercases desired and keeps the characters allowed in a
// local username, truncated to MaxUsernameLength.
func SanitizeUsername(desired string) string {
	name := invalidUsernameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(desired)), "")
	if len(name) > MaxUsernameLength {
		name = name[:MaxUsernameLength]
	}
	if name == "" {
		name = "user"
	}
	return name
}

// NewUsername returns a free local username derived from desired, adding a
// numeric suffix when the sanitized name is taken.
func NewUsername(ctx context.Context, store UserStore, desired string) (string, error) {
	const op = "account.NewUsername"
	base := SanitizeUsername(desired)
	candidate := base
	for i := 1; i <= maxUsernameProbes; i++ {
		taken, err := store.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
		if !taken {
			return candidate, nil
		}
		suffix := strconv.Itoa(i)
		trimmed := base
		if len(trimmed)+len(suffix) > MaxUsernameLength {
			trimmed = trimmed[:MaxUsernameLength-len(suffix)]
		}
		candidate = trimmed + suffix
	}
	return "", fmt.Errorf("%s: no free username for %q: %w", op, base, oidc.ErrStorage)
}

// Option defines a common functional options type
type Option func(interface{})

type options struct {
	withAutoCreate bool
	withNowFunc    func() time.Time
	withLogger     hclog.Logger
}

func getOpts(opt ...Option) options {
	opts := options{
		withNowFunc: time.Now,
		withLogger:  hclog.NewNullLogger(),
	}
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// WithAutoCreate lets the binder create accounts for unknown identities.
func WithAutoCreate(enabled bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withAutoCreate = enabled
		}
	}
}

// WithNow provides an optional func for determining what the current time is.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && now != nil {
			o.withNowFunc = now
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && l != nil {
			o.withLogger = l
		}
	}
}
