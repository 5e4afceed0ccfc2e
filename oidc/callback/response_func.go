// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"errors"
	"net/http"

	"github.com/edulogin/oidcflow/oidc"
)

// SuccessResponseFunc is used by the Handler to create a http response once
// a login has authenticated an account, after the LoginFunc has established
// the local session. The default redirects to the outcome's RedirectURL.
type SuccessResponseFunc func(o *oidc.Outcome, w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc is used by the Handler to create a http response when a
// login or link fails. The default is DefaultErrorResponse.
type ErrorResponseFunc func(err error, w http.ResponseWriter, req *http.Request)

// Failure messages shown to users. Details stay in the logs.
const (
	MsgLoginFailed       = "Login failed. Please try again."
	MsgUnknownState      = "Unknown state."
	MsgNoInstitution     = "Could not determine the Institution to create the user in."
	MsgInstitutionFull   = "Login failed because the institution is full."
	MsgAccountSuspended  = "Your account has been suspended."
	MsgUpstreamFailure   = "The identity provider could not be reached. Please try again later."
	MsgMisconfigured     = "OpenID Connect login is not configured correctly."
	MsgNoLinkRequest     = "There is no pending account link."
	MsgInternalFailure   = "An internal error occurred."
	MsgProviderRejection = "The identity provider did not authorize the login."
)

// ErrorStatus maps an error from the login flow, the linker or the
// session to a status code and a message safe to show the user.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, oidc.ErrConfiguration):
		return http.StatusInternalServerError, MsgMisconfigured
	case errors.Is(err, oidc.ErrUpstream):
		return http.StatusServiceUnavailable, MsgUpstreamFailure
	case errors.Is(err, oidc.ErrAccountSuspended):
		return http.StatusForbidden, MsgAccountSuspended
	case errors.Is(err, oidc.ErrInstitutionFull):
		return http.StatusForbidden, MsgInstitutionFull
	case errors.Is(err, oidc.ErrNoMatchingInstitution):
		return http.StatusForbidden, MsgNoInstitution
	case errors.Is(err, oidc.ErrIdentity):
		return http.StatusForbidden, MsgLoginFailed
	case errors.Is(err, oidc.ErrProviderError):
		return http.StatusUnauthorized, MsgProviderRejection
	case errors.Is(err, oidc.ErrUnknownState):
		return http.StatusBadRequest, MsgUnknownState
	case errors.Is(err, oidc.ErrProtocol):
		return http.StatusBadRequest, MsgLoginFailed
	case errors.Is(err, oidc.ErrInvalidParameter):
		return http.StatusBadRequest, MsgNoLinkRequest
	default:
		return http.StatusInternalServerError, MsgInternalFailure
	}
}

// DefaultErrorResponse writes the ErrorStatus of err as plain text.
func DefaultErrorResponse(err error, w http.ResponseWriter, _ *http.Request) {
	status, msg := ErrorStatus(err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// DefaultSuccessResponse redirects to the outcome's RedirectURL.
func DefaultSuccessResponse(o *oidc.Outcome, w http.ResponseWriter, req *http.Request) {
	http.Redirect(w, req, o.RedirectURL, http.StatusFound)
}
