// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
Package oidc implements the relying party side of an OpenID Connect
authorization code login for a site with many institutions.

Primary types provided by the package:

* Config: the provider client binding (client id and secret, endpoints,
resource, redirect URI) shared by every auth instance.

* StateStore: one-time authorization states. MemoryStateStore keeps them in
process; the store/sqlite, store/postgres and store/redis packages persist
them. Consume is atomic, so a state is accepted at most once.

* Client: builds authorization request URLs and exchanges codes at the token
endpoint.

* Resolver: picks the AuthInstance whose rule matches the identity token, or
the highest priority catch-all.

* LoginFlow: runs Begin and Callback and reports an Outcome: a redirect to
the provider, an authenticated Account, or a LinkRequest.

* Linker: binds a pending LinkRequest to a logged in local user.

The account package holds the default AccountBinder, the callback package the
HTTP endpoints, and the celmatch package CEL instance rules.

Example:

	flow, err := oidc.NewLoginFlow(client, resolver, binder,
		oidc.WithKeySet(keySet),
		oidc.WithSessionBinding(),
	)
	if err != nil {
		// handle error
	}
	outcome, err := flow.Handle(ctx, &oidc.LoginRequest{
		State:      req.FormValue("state"),
		Code:       req.FormValue("code"),
		SessionKey: sessionKey,
	})
*/
package oidc
