// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/edulogin/oidcflow/sdk/id"
	"github.com/gorilla/securecookie"
)

const (
	// LinkCookieName holds the pending oidc.LinkRequest.
	LinkCookieName = "oidc_linkdata"

	// SessionCookieName holds the key that binds states to a browser.
	SessionCookieName = "oidc_session"

	linkCookieExpiration    = 30 * time.Minute
	sessionCookieExpiration = 12 * time.Hour
)

// CookieSession keeps the browser's session key and any pending link
// request in authenticated, encrypted cookies.
type CookieSession struct {
	s        *securecookie.SecureCookie
	secure   bool
	sameSite http.SameSite
}

// NewCookieSession creates a CookieSession. hashKey authenticates the
// cookies and must be 32 or 64 bytes; blockKey encrypts them and may be nil
// or 16, 24 or 32 bytes.
func NewCookieSession(hashKey, blockKey []byte, secure bool) (*CookieSession, error) {
	const op = "callback.NewCookieSession"
	if len(hashKey) != 32 && len(hashKey) != 64 {
		return nil, fmt.Errorf("%s: hash key must be 32 or 64 bytes: %w", op, oidc.ErrInvalidParameter)
	}
	switch len(blockKey) {
	case 0, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%s: block key must be 16, 24 or 32 bytes: %w", op, oidc.ErrInvalidParameter)
	}
	if len(blockKey) == 0 {
		blockKey = nil
	}
	// A form_post callback is a cross-site POST, which only carries
	// SameSite=None cookies.
	sameSite := http.SameSiteLaxMode
	if secure {
		sameSite = http.SameSiteNoneMode
	}
	return &CookieSession{s: securecookie.New(hashKey, blockKey), secure: secure, sameSite: sameSite}, nil
}

// SessionKey returns the request's session key, creating and setting one
// when the request has none or an invalid one.
func (c *CookieSession) SessionKey(w http.ResponseWriter, r *http.Request) (string, error) {
	const op = "CookieSession.SessionKey"
	if ck, err := r.Cookie(SessionCookieName); err == nil {
		var key string
		if err := c.s.Decode(SessionCookieName, ck.Value, &key); err == nil && key != "" {
			return key, nil
		}
	}
	key, err := id.New("sess")
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	if err := c.write(w, SessionCookieName, key, sessionCookieExpiration); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return key, nil
}

// LinkRequest returns the pending link request, or nil when there is none
// or the cookie can't be decoded.
func (c *CookieSession) LinkRequest(r *http.Request) *oidc.LinkRequest {
	ck, err := r.Cookie(LinkCookieName)
	if err != nil {
		return nil
	}
	var lr oidc.LinkRequest
	if err := c.s.Decode(LinkCookieName, ck.Value, &lr); err != nil || !lr.Valid() {
		return nil
	}
	return &lr
}

// SetLinkRequest stores lr as the pending link request.
func (c *CookieSession) SetLinkRequest(w http.ResponseWriter, lr *oidc.LinkRequest) error {
	const op = "CookieSession.SetLinkRequest"
	if !lr.Valid() {
		return fmt.Errorf("%s: %w", op, oidc.ErrInvalidParameter)
	}
	if err := c.write(w, LinkCookieName, lr, linkCookieExpiration); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClearLinkRequest deletes the pending link request.
func (c *CookieSession) ClearLinkRequest(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     LinkCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	})
}

func (c *CookieSession) write(w http.ResponseWriter, name string, value interface{}, ttl time.Duration) error {
	encoded, err := c.s.Encode(name, value)
	if err != nil {
		var scErr securecookie.Error
		if errors.As(err, &scErr) && scErr.IsUsage() {
			return fmt.Errorf("%w: %w", oidc.ErrConfiguration, err)
		}
		return fmt.Errorf("%w: %w", oidc.ErrStorage, err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    encoded,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	})
	return nil
}
