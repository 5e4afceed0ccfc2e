// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/edulogin/oidcflow/jwt"
	"github.com/edulogin/oidcflow/oidc"
	"github.com/edulogin/oidcflow/oidc/account"
	"github.com/edulogin/oidcflow/oidc/callback"
	"github.com/edulogin/oidcflow/oidc/celmatch"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/securecookie"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app is a wired login server.
type app struct {
	mount    string
	handler  *callback.Handler
	local    *localSession
	registry *prometheus.Registry
}

func newApp(ctx context.Context, cfg *Config, st *stores, log hclog.Logger) (*app, error) {
	const op = "main.newApp"
	oc, err := cfg.OIDCConfig()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	base, mount, err := callbackBase(oc.RedirectUri)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrConfiguration, err)
	}
	hashKey, err := decodeKey(cfg.CookieHashKey)
	if err != nil {
		return nil, fmt.Errorf("%s: cookie hash key: %w: %w", op, oidc.ErrConfiguration, err)
	}
	blockKey, err := decodeKey(cfg.CookieBlockKey)
	if err != nil {
		return nil, fmt.Errorf("%s: cookie block key: %w: %w", op, oidc.ErrConfiguration, err)
	}

	var src oidc.InstanceSource = st.accounts
	if cfg.InstancesFile != "" {
		inf, err := LoadInstanceFile(cfg.InstancesFile)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := inf.Import(ctx, st.accounts); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		src = inf.Source()
		log.Info("instances loaded", "file", cfg.InstancesFile, "count", len(inf.Instances))
	}
	resolverOpts := []oidc.Option{oidc.WithLogger(log.Named("resolver"))}
	if cfg.CELRules {
		engine, err := celmatch.NewEngine(celmatch.WithLogger(log.Named("cel")))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		resolverOpts = append(resolverOpts, oidc.WithMatcherFactory(engine.MatcherFunc(nil)))
	}
	resolver, err := oidc.NewResolver(src, resolverOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	client, err := oidc.NewClient(oc, st.states, oidc.WithLogger(log.Named("client")))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	binder, err := account.NewBinder(st.accounts,
		account.WithAutoCreate(oc.AutoCreateUsers),
		account.WithLogger(log.Named("binder")),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	registry := prometheus.NewRegistry()
	metrics, err := callback.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	wwwroot := strings.TrimRight(cfg.WWWRoot, "/")
	flowOpts := []oidc.Option{
		oidc.WithHomeURL(wwwroot + "/"),
		oidc.WithLinkURL(base + "/link"),
		oidc.WithFlowObserver(metrics.ObserveState),
		oidc.WithLogger(log.Named("flow")),
	}
	if cfg.SessionBinding {
		flowOpts = append(flowOpts, oidc.WithSessionBinding())
	}
	switch {
	case cfg.JWKSURL != "":
		ks, err := jwt.NewJSONWebKeySet(ctx, cfg.JWKSURL, oc.ProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrConfiguration, err)
		}
		flowOpts = append(flowOpts, oidc.WithKeySet(ks))
	case cfg.DiscoveryURL != "":
		ks, err := jwt.NewOIDCDiscoveryKeySet(ctx, cfg.DiscoveryURL, oc.ProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrConfiguration, err)
		}
		flowOpts = append(flowOpts, oidc.WithKeySet(ks))
	case cfg.InsecureSkipVerify:
		flowOpts = append(flowOpts, oidc.WithInsecureSkipSignatureVerification())
	}
	flow, err := oidc.NewLoginFlow(client, resolver, binder, flowOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	linker, err := oidc.NewLinker(st.accounts, oidc.WithLogger(log.Named("linker")))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	session, err := callback.NewCookieSession(hashKey, blockKey, cfg.CookieSecure)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	local := newLocalSession(hashKey, blockKey, cfg.CookieSecure)
	h, err := callback.NewHandler(flow, linker, session,
		callback.WithLoginFunc(local.Login),
		callback.WithCurrentUser(local.CurrentUser),
		callback.WithLocalLoginURL(cfg.LocalLoginURL),
		callback.WithHomeURL(wwwroot+"/"),
		callback.WithMetrics(metrics),
		callback.WithLogger(log.Named("http")),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &app{mount: mount, handler: h, local: local, registry: registry}, nil
}

// Router mounts the login endpoints next to the redirect URI's final
// segment, beside /metrics, /healthz and a small account page at /.
func (a *app) Router() chi.Router {
	r := chi.NewRouter()
	r.Mount(a.mount, a.handler.Routes())
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/", a.local.Whoami)
	r.Post("/logout", a.local.Logout)
	return r
}

const localCookieName = "oidcflow_uid"

// localSession is the process's own login: a signed cookie holding the
// local user id.
type localSession struct {
	codec  *securecookie.SecureCookie
	secure bool
}

func newLocalSession(hashKey, blockKey []byte, secure bool) *localSession {
	return &localSession{codec: securecookie.New(hashKey, blockKey), secure: secure}
}

// Login implements callback.LoginFunc.
func (s *localSession) Login(w http.ResponseWriter, _ *http.Request, acct *oidc.Account) error {
	const op = "localSession.Login"
	v, err := s.codec.Encode(localCookieName, acct.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     localCookieName,
		Value:    v,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// CurrentUser implements callback.CurrentUserFunc.
func (s *localSession) CurrentUser(req *http.Request) (int64, bool) {
	c, err := req.Cookie(localCookieName)
	if err != nil {
		return 0, false
	}
	var id int64
	if err := s.codec.Decode(localCookieName, c.Value, &id); err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Whoami reports the logged in user id.
func (s *localSession) Whoami(w http.ResponseWriter, req *http.Request) {
	id, ok := s.CurrentUser(req)
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"logged_in": false})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"logged_in": true, "user_id": id})
}

// Logout drops the local session.
func (s *localSession) Logout(w http.ResponseWriter, req *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     localCookieName,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
	})
	http.Redirect(w, req, "/", http.StatusFound)
}
