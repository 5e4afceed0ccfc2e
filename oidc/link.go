// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// LinkRequest is kept in the user's session between a login that found no
// local account and the user linking one.
type LinkRequest struct {
	AuthInstanceID   int64  `json:"auth_instance_id"`
	ExternalUsername string `json:"external_username"`
}

// Valid reports whether the request names an instance and a username.
func (r *LinkRequest) Valid() bool {
	return r != nil && r.AuthInstanceID != 0 && strings.TrimSpace(r.ExternalUsername) != ""
}

// RemoteUserLinker stores the mapping between local users and their
// external usernames on an auth instance.
type RemoteUserLinker interface {
	// ReplaceRemoteUser makes remoteUsername the only remote identity of
	// localUserID on the instance.
	ReplaceRemoteUser(ctx context.Context, authInstanceID, localUserID int64, remoteUsername string) error
}

// Linker binds a pending LinkRequest to the local account the user logged
// in with.
type Linker struct {
	store RemoteUserLinker
	opts  linkerOptions
}

// NewLinker creates a Linker.
//
// Supported options: WithLogger
func NewLinker(store RemoteUserLinker, opt ...Option) (*Linker, error) {
	const op = "oidc.NewLinker"
	if store == nil {
		return nil, fmt.Errorf("%s: remote user store is nil: %w", op, ErrNilParameter)
	}
	return &Linker{store: store, opts: getLinkerOpts(opt...)}, nil
}

// Link records req.ExternalUsername as localUserID's identity on the
// request's instance, replacing any earlier one. The caller discards the
// request afterwards, whether or not linking succeeded.
func (l *Linker) Link(ctx context.Context, req *LinkRequest, localUserID int64) error {
	const op = "Linker.Link"
	if !req.Valid() {
		return fmt.Errorf("%s: missing link request: %w", op, ErrInvalidParameter)
	}
	if localUserID <= 0 {
		return fmt.Errorf("%s: missing local user: %w", op, ErrInvalidParameter)
	}
	if err := l.store.ReplaceRemoteUser(ctx, req.AuthInstanceID, localUserID, req.ExternalUsername); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}
	l.opts.withLogger.Info("remote user linked", "op", op, "instance", req.AuthInstanceID, "user", localUserID)
	return nil
}

// linkerOptions is the set of available options for Linker functions
type linkerOptions struct {
	withLogger hclog.Logger
}

func linkerDefaults() linkerOptions {
	return linkerOptions{withLogger: hclog.NewNullLogger()}
}

func getLinkerOpts(opt ...Option) linkerOptions {
	opts := linkerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
