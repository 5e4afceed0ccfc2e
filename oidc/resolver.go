// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"fmt"
	"sort"

	"github.com/edulogin/oidcflow/jwt"
	"github.com/hashicorp/go-hclog"
)

// Resolver selects the auth instance an identity token logs in through.
type Resolver struct {
	source InstanceSource
	opts   resolverOptions
}

// NewResolver creates a Resolver over the instances in src.
//
// Supported options: WithAuthName, WithMatcherFactory, WithLogger
func NewResolver(src InstanceSource, opt ...Option) (*Resolver, error) {
	const op = "oidc.NewResolver"
	if src == nil {
		return nil, fmt.Errorf("%s: instance source is nil: %w", op, ErrNilParameter)
	}
	return &Resolver{source: src, opts: getResolverOpts(opt...)}, nil
}

// Resolve walks the instances ordered by institution priority (highest
// first) and then instance priority (lowest first). The first instance whose
// rule matches the token wins. If none match, the first catch-all of the
// highest-priority institution that has one is returned. With neither, the
// error wraps ErrNoInstance.
func (r *Resolver) Resolve(ctx context.Context, tok *jwt.Token) (*AuthInstance, error) {
	const op = "Resolver.Resolve"
	if tok == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	instances, err := r.source.Instances(ctx, r.opts.withAuthName)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to load instances: %w: %w", op, ErrStorage, err)
	}
	sort.SliceStable(instances, func(a, b int) bool {
		if instances[a].InstitutionPriority != instances[b].InstitutionPriority {
			return instances[a].InstitutionPriority > instances[b].InstitutionPriority
		}
		return instances[a].Priority < instances[b].Priority
	})

	var (
		bucketOrder []int
		buckets     = map[int][]AuthInstance{}
	)
	for _, inst := range instances {
		if inst.IsCatchAll() {
			if _, ok := buckets[inst.InstitutionPriority]; !ok {
				bucketOrder = append(bucketOrder, inst.InstitutionPriority)
			}
			buckets[inst.InstitutionPriority] = append(buckets[inst.InstitutionPriority], inst)
			continue
		}
		m, err := r.opts.withMatcherFactory(inst)
		if err != nil {
			r.opts.withLogger.Warn("unable to evaluate instance rule", "op", op, "instance", inst.ID, "error", err)
			continue
		}
		ok, err := m.Match(tok)
		if err != nil {
			r.opts.withLogger.Warn("instance rule failed", "op", op, "instance", inst.ID, "error", err)
			continue
		}
		if ok {
			r.opts.withLogger.Debug("instance matched", "op", op, "instance", inst.ID, "institution", inst.Institution)
			found := inst
			return &found, nil
		}
	}
	if len(bucketOrder) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNoInstance)
	}
	found := buckets[bucketOrder[0]][0]
	r.opts.withLogger.Debug("using catch-all instance", "op", op, "instance", found.ID, "institution", found.Institution)
	return &found, nil
}

// resolverOptions is the set of available options for Resolver functions
type resolverOptions struct {
	withAuthName       string
	withMatcherFactory MatcherFunc
	withLogger         hclog.Logger
}

func resolverDefaults() resolverOptions {
	return resolverOptions{
		withAuthName:       DefaultAuthName,
		withMatcherFactory: RegexMatcherFunc,
		withLogger:         hclog.NewNullLogger(),
	}
}

func getResolverOpts(opt ...Option) resolverOptions {
	opts := resolverDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithAuthName overrides DefaultAuthName when loading instances.
func WithAuthName(name string) Option {
	return func(o interface{}) {
		if o, ok := o.(*resolverOptions); ok && name != "" {
			o.withAuthName = name
		}
	}
}

// WithMatcherFactory replaces RegexMatcherFunc as the way instance rules are
// evaluated.
func WithMatcherFactory(f MatcherFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*resolverOptions); ok && f != nil {
			o.withMatcherFactory = f
		}
	}
}
