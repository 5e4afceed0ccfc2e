// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package callback serves the browser side of an oidc.LoginFlow: the
// redirect endpoint that both starts logins and receives the provider's
// callback, and the pages that link an external identity to a local
// account.
package callback

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
)

// LoginFunc establishes the local session for an authenticated account.
type LoginFunc func(w http.ResponseWriter, req *http.Request, acct *oidc.Account) error

// CurrentUserFunc returns the id of the locally logged in user, if any.
type CurrentUserFunc func(req *http.Request) (int64, bool)

// LinkPromptFunc renders the page asking a logged in user to confirm a
// pending link.
type LinkPromptFunc func(lr *oidc.LinkRequest, w http.ResponseWriter, req *http.Request)

// Handler serves the login and link endpoints.
type Handler struct {
	flow    *oidc.LoginFlow
	linker  *oidc.Linker
	session *CookieSession
	opts    options
}

// NewHandler creates a Handler.
//
// Supported options: WithLoginFunc, WithCurrentUser, WithLocalLoginURL,
// WithHomeURL, WithSuccessResponse, WithErrorResponse, WithLinkPrompt,
// WithMetrics, WithLogger
func NewHandler(flow *oidc.LoginFlow, linker *oidc.Linker, session *CookieSession, opt ...Option) (*Handler, error) {
	const op = "callback.NewHandler"
	switch {
	case flow == nil:
		return nil, fmt.Errorf("%s: login flow is nil: %w", op, oidc.ErrNilParameter)
	case linker == nil:
		return nil, fmt.Errorf("%s: linker is nil: %w", op, oidc.ErrNilParameter)
	case session == nil:
		return nil, fmt.Errorf("%s: session is nil: %w", op, oidc.ErrNilParameter)
	}
	return &Handler{flow: flow, linker: linker, session: session, opts: getOpts(opt...)}, nil
}

// Routes returns the endpoints relative to where the router is mounted,
// usually /auth/oidc.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/redirect", h.Redirect)
	r.Post("/redirect", h.Redirect)
	r.Get("/link", h.LinkPrompt)
	r.Post("/link", h.LinkConfirm)
	r.Post("/link/cancel", h.LinkCancel)
	return r
}

// Redirect starts a login, or handles the provider's callback when the
// request carries a state. Parameters are read from the body or the query.
func (h *Handler) Redirect(w http.ResponseWriter, req *http.Request) {
	const op = "Handler.Redirect"
	start := time.Now()
	if err := req.ParseForm(); err != nil {
		h.fail(op, fmt.Errorf("%s: unable to parse request: %w: %w", op, oidc.ErrProtocol, err), w, req)
		return
	}
	sessionKey, err := h.session.SessionKey(w, req)
	if err != nil {
		h.fail(op, err, w, req)
		return
	}
	lr := &oidc.LoginRequest{
		State:            req.FormValue("state"),
		Code:             req.FormValue("code"),
		Error:            req.FormValue("error"),
		ErrorDescription: req.FormValue("error_description"),
		ErrorUri:         req.FormValue("error_uri"),
		SessionKey:       sessionKey,
		PromptLogin:      truthy(req.FormValue("promptlogin")),
	}
	phase := "begin"
	if lr.State != "" {
		phase = "callback"
	}

	o, err := h.flow.Handle(req.Context(), lr)
	h.opts.withMetrics.observe(phase, o, err, time.Since(start))
	if err != nil {
		h.fail(op, err, w, req)
		return
	}

	switch o.Kind {
	case oidc.OutcomeRedirect:
		http.Redirect(w, req, o.RedirectURL, http.StatusFound)
	case oidc.OutcomeAuthenticated:
		if h.opts.withLoginFunc != nil {
			if err := h.opts.withLoginFunc(w, req, o.Account); err != nil {
				h.fail(op, fmt.Errorf("%s: unable to log in: %w", op, err), w, req)
				return
			}
		}
		h.session.ClearLinkRequest(w)
		h.opts.withLogger.Info("login", "op", op, "user", o.Account.ID, "instance", o.AuthInstanceID)
		h.opts.withSuccessResponse(o, w, req)
	case oidc.OutcomeLinkRequired:
		if err := h.session.SetLinkRequest(w, o.LinkRequest); err != nil {
			h.fail(op, err, w, req)
			return
		}
		http.Redirect(w, req, o.RedirectURL, http.StatusFound)
	default:
		h.fail(op, fmt.Errorf("%s: unexpected outcome %q", op, o.Kind), w, req)
	}
}

// LinkPrompt shows the pending link to a logged in user. Without a pending
// link it goes home; without a local login it sends the user to log in
// first and come back.
func (h *Handler) LinkPrompt(w http.ResponseWriter, req *http.Request) {
	lr := h.session.LinkRequest(req)
	if lr == nil {
		http.Redirect(w, req, h.opts.withHomeURL, http.StatusFound)
		return
	}
	if _, ok := h.currentUser(req); !ok {
		http.Redirect(w, req, h.loginFirstURL(req), http.StatusFound)
		return
	}
	h.opts.withLinkPrompt(lr, w, req)
}

// LinkConfirm links the pending request to the logged in user. The pending
// request is cleared whether or not linking succeeds.
func (h *Handler) LinkConfirm(w http.ResponseWriter, req *http.Request) {
	const op = "Handler.LinkConfirm"
	lr := h.session.LinkRequest(req)
	if lr == nil {
		h.fail(op, fmt.Errorf("%s: no pending link: %w", op, oidc.ErrInvalidParameter), w, req)
		return
	}
	uid, ok := h.currentUser(req)
	if !ok {
		http.Redirect(w, req, h.loginFirstURL(req), http.StatusFound)
		return
	}
	h.session.ClearLinkRequest(w)
	if err := h.linker.Link(req.Context(), lr, uid); err != nil {
		h.fail(op, err, w, req)
		return
	}
	h.opts.withLogger.Info("linked", "op", op, "user", uid, "instance", lr.AuthInstanceID)
	http.Redirect(w, req, h.opts.withHomeURL, http.StatusFound)
}

// LinkCancel drops the pending link.
func (h *Handler) LinkCancel(w http.ResponseWriter, req *http.Request) {
	h.session.ClearLinkRequest(w)
	http.Redirect(w, req, h.opts.withHomeURL, http.StatusFound)
}

func (h *Handler) currentUser(req *http.Request) (int64, bool) {
	if h.opts.withCurrentUser == nil {
		return 0, false
	}
	return h.opts.withCurrentUser(req)
}

func (h *Handler) loginFirstURL(req *http.Request) string {
	u, err := url.Parse(h.opts.withLocalLoginURL)
	if err != nil {
		return h.opts.withLocalLoginURL
	}
	q := u.Query()
	q.Set("wantsurl", req.URL.Path)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handler) fail(op string, err error, w http.ResponseWriter, req *http.Request) {
	status, _ := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.opts.withLogger.Error("request failed", "op", op, "error", err)
	} else {
		h.opts.withLogger.Debug("request rejected", "op", op, "error", err)
	}
	h.opts.withErrorResponse(err, w, req)
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// DefaultLinkPrompt writes the pending link as JSON.
func DefaultLinkPrompt(lr *oidc.LinkRequest, w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(lr)
}

// Option defines a common functional options type
type Option func(interface{})

type options struct {
	withLoginFunc       LoginFunc
	withCurrentUser     CurrentUserFunc
	withLocalLoginURL   string
	withHomeURL         string
	withSuccessResponse SuccessResponseFunc
	withErrorResponse   ErrorResponseFunc
	withLinkPrompt      LinkPromptFunc
	withMetrics         *Metrics
	withLogger          hclog.Logger
}

func getOpts(opt ...Option) options {
	opts := options{
		withLocalLoginURL:   "/login",
		withHomeURL:         "/",
		withSuccessResponse: DefaultSuccessResponse,
		withErrorResponse:   DefaultErrorResponse,
		withLinkPrompt:      DefaultLinkPrompt,
		withLogger:          hclog.NewNullLogger(),
	}
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// WithLoginFunc sets the func that logs an authenticated account in locally.
func WithLoginFunc(fn LoginFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withLoginFunc = fn
		}
	}
}

// WithCurrentUser sets how the handler finds the locally logged in user.
// Without it nobody is logged in, so links can't be confirmed.
func WithCurrentUser(fn CurrentUserFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withCurrentUser = fn
		}
	}
}

// WithLocalLoginURL sets where users log in locally before linking.
func WithLocalLoginURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && u != "" {
			o.withLocalLoginURL = u
		}
	}
}

// WithHomeURL sets where link and cancel requests end up.
func WithHomeURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && u != "" {
			o.withHomeURL = u
		}
	}
}

// WithSuccessResponse overrides DefaultSuccessResponse.
func WithSuccessResponse(fn SuccessResponseFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && fn != nil {
			o.withSuccessResponse = fn
		}
	}
}

// WithErrorResponse overrides DefaultErrorResponse.
func WithErrorResponse(fn ErrorResponseFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && fn != nil {
			o.withErrorResponse = fn
		}
	}
}

// WithLinkPrompt overrides DefaultLinkPrompt.
func WithLinkPrompt(fn LinkPromptFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && fn != nil {
			o.withLinkPrompt = fn
		}
	}
}

// WithMetrics records request outcomes. Pass m.ObserveState to
// oidc.WithFlowObserver to also count flow steps.
func WithMetrics(m *Metrics) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withMetrics = m
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
