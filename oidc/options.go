// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil {
			continue
		}
		o(opts)
	}
}

// WithLogger provides an optional logger for: Client, Resolver, LoginFlow,
// Linker and state stores.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *clientOptions:
			v.withLogger = l
		case *resolverOptions:
			v.withLogger = l
		case *flowOptions:
			v.withLogger = l
		case *linkerOptions:
			v.withLogger = l
		case *StateStoreOptions:
			v.Logger = l
		}
	}
}

// WithNow provides an optional func for determining what the current time is
// for: state stores and LoginFlow.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *StateStoreOptions:
			v.Now = now
		case *flowOptions:
			v.withNowFunc = now
		}
	}
}

// WithStateTTL provides an optional time-to-live for issued states, for:
// Config and every state store.
func WithStateTTL(d time.Duration) Option {
	return func(o interface{}) {
		if d <= 0 {
			return
		}
		switch v := o.(type) {
		case *StateStoreOptions:
			v.TTL = d
		case *configOptions:
			v.withStateTTL = d
		}
	}
}
