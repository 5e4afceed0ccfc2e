// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// oidcflow provides the server side of an OpenID Connect authorization code
// login: one-time authorization states, the token exchange, routing an
// identity to an institution's auth instance, and binding or linking it to a
// local account.
//
// See the oidc package to embed the flow and cmd/oidcflow to run it.
package oidcflow
