// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edulogin/oidcflow/jwt"
	"github.com/hashicorp/go-hclog"
)

// FlowState is a step of a login. A login moves through the states in the
// order they are declared and ends in StateAuthenticated or
// StateLinkRequired; any error ends it where it happened.
type FlowState string

const (
	StateStart             FlowState = "START"
	StateAuthRequestIssued FlowState = "AUTH_REQUEST_ISSUED"
	StateCallbackReceived  FlowState = "CALLBACK_RECEIVED"
	StateStateValidated    FlowState = "STATE_VALIDATED"
	StateTokenExchanged    FlowState = "TOKEN_EXCHANGED"
	StateIdentityDecoded   FlowState = "IDENTITY_DECODED"
	StateInstanceResolved  FlowState = "INSTANCE_RESOLVED"
	StateAuthenticated     FlowState = "AUTHENTICATED"
	StateLinkRequired      FlowState = "LINK_REQUIRED"
)

// OutcomeKind is how a handled login request ended.
type OutcomeKind string

const (
	// OutcomeRedirect means an authorization request was issued and the
	// browser must be sent to RedirectURL.
	OutcomeRedirect OutcomeKind = "redirect"

	// OutcomeAuthenticated means Account is logged in.
	OutcomeAuthenticated OutcomeKind = "authenticated"

	// OutcomeLinkRequired means the identity has no local account yet and
	// LinkRequest must be kept in the session while the user links one.
	OutcomeLinkRequired OutcomeKind = "link_required"
)

// ForceFlowKey is the additional state data key recording which flow issued
// the state.
const ForceFlowKey = "forceflow"

// Outcome is the result of LoginFlow.Handle.
type Outcome struct {
	Kind           OutcomeKind
	RedirectURL    string
	Account        *Account
	LinkRequest    *LinkRequest
	AuthInstanceID int64
	AdditionalData map[string]string
}

// LoginRequest holds the parameters of a request to the redirect endpoint.
// A request without a State starts a login; one with a State is the
// provider's callback.
type LoginRequest struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	ErrorUri         string

	// SessionKey identifies the browser session making the request.
	SessionKey string

	// PromptLogin asks the provider to re-authenticate the user.
	PromptLogin bool
}

// LoginFlow runs the authorization code login: it issues authorization
// requests and turns callbacks into an authenticated account or a link
// request.
type LoginFlow struct {
	client   *Client
	resolver *Resolver
	binder   AccountBinder
	opts     flowOptions
}

// NewLoginFlow creates a LoginFlow. Identity tokens must be verified with a
// key set given by WithKeySet, unless the flow is created with
// WithInsecureSkipSignatureVerification.
//
// Supported options: WithKeySet, WithInsecureSkipSignatureVerification,
// WithSessionBinding, WithHomeURL, WithLinkURL, WithFlowObserver,
// WithClockSkew, WithNow, WithLogger
func NewLoginFlow(c *Client, r *Resolver, b AccountBinder, opt ...Option) (*LoginFlow, error) {
	const op = "oidc.NewLoginFlow"
	switch {
	case c == nil:
		return nil, fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	case r == nil:
		return nil, fmt.Errorf("%s: resolver is nil: %w", op, ErrNilParameter)
	case b == nil:
		return nil, fmt.Errorf("%s: account binder is nil: %w", op, ErrNilParameter)
	}
	opts := getFlowOpts(opt...)
	if opts.withKeySet == nil && !opts.withSkipSignatureVerification {
		return nil, fmt.Errorf("%s: a key set is required to verify id tokens: %w: %w", op, ErrConfiguration, ErrInvalidParameter)
	}
	if opts.withSkipSignatureVerification {
		opts.withLogger.Warn("id token signatures will not be verified", "op", op)
	}
	return &LoginFlow{client: c, resolver: r, binder: b, opts: opts}, nil
}

// Handle dispatches a request to the redirect endpoint: a callback when it
// carries a state, otherwise a new authorization request.
func (f *LoginFlow) Handle(ctx context.Context, req *LoginRequest) (*Outcome, error) {
	const op = "LoginFlow.Handle"
	if req == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if req.State != "" {
		return f.Callback(ctx, req)
	}
	return f.Begin(ctx, req.SessionKey, req.PromptLogin, map[string]string{ForceFlowKey: "authcode"})
}

// Begin issues an authorization request for the session and returns the
// provider URL to redirect to.
func (f *LoginFlow) Begin(ctx context.Context, sessionKey string, promptLogin bool, additionalData map[string]string) (*Outcome, error) {
	const op = "LoginFlow.Begin"
	f.observe(ctx, StateStart)
	u, err := f.client.AuthURL(ctx, promptLogin, sessionKey, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	f.observe(ctx, StateAuthRequestIssued)
	return &Outcome{
		Kind:           OutcomeRedirect,
		RedirectURL:    u,
		AdditionalData: additionalData,
	}, nil
}

// Callback completes a login from the provider's response. The state is
// consumed before anything else is trusted, so a replayed or unknown state
// never reaches the token endpoint.
func (f *LoginFlow) Callback(ctx context.Context, req *LoginRequest) (*Outcome, error) {
	const op = "LoginFlow.Callback"
	if req == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	f.observe(ctx, StateCallbackReceived)

	if req.Error != "" {
		perr := &ProviderError{Code: req.Error, Description: req.ErrorDescription, Uri: req.ErrorUri}
		f.opts.withLogger.Info("provider returned an error", "op", op, "error_code", req.Error, "description", req.ErrorDescription)
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocol, perr)
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocol, ErrMissingAuthCode)
	}

	rec, err := f.client.states.Consume(ctx, req.State)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownState):
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocol, err)
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if f.opts.withSessionBinding && rec.SessionKey != req.SessionKey {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocol, ErrSessionMismatch)
	}
	f.observe(ctx, StateStateValidated)

	tokens, err := f.client.Exchange(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tokens.IdToken == "" {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocol, ErrMissingIdToken)
	}
	f.observe(ctx, StateTokenExchanged)

	tok, err := f.verifyIdToken(ctx, string(tokens.IdToken), rec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	externalID := tok.StringClaim("oid")
	if externalID == "" {
		externalID = tok.StringClaim("sub")
	}
	f.observe(ctx, StateIdentityDecoded)

	inst, err := f.resolver.Resolve(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w: %w", op, ErrIdentity, ErrNoMatchingInstitution, err)
	}
	f.observe(ctx, StateInstanceResolved)

	res, err := f.binder.Authorize(ctx, &BindRequest{
		Instance:   inst,
		ExternalID: externalID,
		Tokens:     tokens,
		IdToken:    tok,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if res != nil && res.Authorized {
		if res.Account == nil {
			return nil, fmt.Errorf("%s: authorized without an account: %w: %w", op, ErrIdentity, ErrNilParameter)
		}
		f.observe(ctx, StateAuthenticated)
		f.opts.withLogger.Info("user authenticated", "op", op, "instance", inst.ID, "account", res.Account.ID)
		return &Outcome{
			Kind:           OutcomeAuthenticated,
			RedirectURL:    f.opts.withHomeURL,
			Account:        res.Account,
			AuthInstanceID: inst.ID,
			AdditionalData: rec.AdditionalData,
		}, nil
	}

	username := tok.StringClaim("upn")
	if username == "" {
		username = externalID
	}
	f.observe(ctx, StateLinkRequired)
	f.opts.withLogger.Info("account link required", "op", op, "instance", inst.ID)
	return &Outcome{
		Kind:           OutcomeLinkRequired,
		RedirectURL:    f.opts.withLinkURL,
		LinkRequest:    &LinkRequest{AuthInstanceID: inst.ID, ExternalUsername: username},
		AuthInstanceID: inst.ID,
		AdditionalData: rec.AdditionalData,
	}, nil
}

// verifyIdToken decodes the raw token, checks its signature, and checks the
// sub, nonce and exp claims.
func (f *LoginFlow) verifyIdToken(ctx context.Context, raw, nonce string) (*jwt.Token, error) {
	const op = "LoginFlow.verifyIdToken"
	tok, err := jwt.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w: %w", op, ErrProtocol, ErrInvalidIdToken, err)
	}
	if !f.opts.withSkipSignatureVerification {
		if tok.Alg() == jwt.None {
			return nil, fmt.Errorf("%s: unsigned token: %w: %w", op, ErrProtocol, ErrInvalidIdToken)
		}
		if _, err := f.opts.withKeySet.VerifySignature(ctx, raw); err != nil {
			return nil, fmt.Errorf("%s: %w: %w: %w", op, ErrProtocol, ErrInvalidIdToken, err)
		}
	}
	if tok.StringClaim("sub") == "" {
		return nil, fmt.Errorf("%s: missing sub claim: %w: %w", op, ErrProtocol, ErrInvalidIdToken)
	}
	if nonce != "" && tok.StringClaim("nonce") != nonce {
		return nil, fmt.Errorf("%s: %w: %w: %w", op, ErrProtocol, ErrInvalidIdToken, ErrInvalidNonce)
	}
	if v, ok := tok.Claim("exp"); ok {
		exp, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s: exp claim is not numeric: %w: %w", op, ErrProtocol, ErrInvalidIdToken)
		}
		if f.opts.withNowFunc().After(time.Unix(int64(exp), 0).Add(f.opts.withClockSkew)) {
			return nil, fmt.Errorf("%s: token is expired: %w: %w", op, ErrProtocol, ErrInvalidIdToken)
		}
	}
	return tok, nil
}

func (f *LoginFlow) observe(ctx context.Context, s FlowState) {
	f.opts.withLogger.Trace("login flow", "state", string(s))
	if f.opts.withFlowObserver != nil {
		f.opts.withFlowObserver(ctx, s)
	}
}

// flowOptions is the set of available options for LoginFlow functions
type flowOptions struct {
	withKeySet                    jwt.KeySet
	withSkipSignatureVerification bool
	withSessionBinding            bool
	withHomeURL                   string
	withLinkURL                   string
	withFlowObserver              func(context.Context, FlowState)
	withNowFunc                   func() time.Time
	withClockSkew                 time.Duration
	withLogger                    hclog.Logger
}

// DefaultClockSkew is the leeway allowed when checking an id_token's exp.
const DefaultClockSkew = time.Minute

func flowDefaults() flowOptions {
	return flowOptions{
		withHomeURL:   "/",
		withLinkURL:   "/auth/oidc/link",
		withNowFunc:   time.Now,
		withClockSkew: DefaultClockSkew,
		withLogger:    hclog.NewNullLogger(),
	}
}

func getFlowOpts(opt ...Option) flowOptions {
	opts := flowDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithKeySet provides the key set id_token signatures are verified with.
func WithKeySet(ks jwt.KeySet) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withKeySet = ks
		}
	}
}

// WithInsecureSkipSignatureVerification accepts id_tokens without checking
// their signature. Only use it with a provider reached over a trusted
// channel.
func WithInsecureSkipSignatureVerification() Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withSkipSignatureVerification = true
		}
	}
}

// WithSessionBinding rejects callbacks whose state was issued to a
// different session.
func WithSessionBinding() Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withSessionBinding = true
		}
	}
}

// WithHomeURL sets where authenticated users are sent. Defaults to "/".
func WithHomeURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok && u != "" {
			o.withHomeURL = u
		}
	}
}

// WithLinkURL sets where users are sent to link an account. Defaults to
// "/auth/oidc/link".
func WithLinkURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok && u != "" {
			o.withLinkURL = u
		}
	}
}

// WithFlowObserver registers a func called each time a login reaches a new
// FlowState.
func WithFlowObserver(fn func(context.Context, FlowState)) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withFlowObserver = fn
		}
	}
}

// WithClockSkew sets the leeway allowed when checking an id_token's exp.
func WithClockSkew(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok && d >= 0 {
			o.withClockSkew = d
		}
	}
}
