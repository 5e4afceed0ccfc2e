// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package celmatch evaluates auth instance rules written as CEL expressions
// over an identity token's claims. An instance whose institution attribute
// is "cel" has its institution value compiled as a boolean expression, e.g.
//
//	claims["tid"] == "9188040d" && claims["email"].endsWith("@uni.edu")
package celmatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edulogin/oidcflow/jwt"
	"github.com/edulogin/oidcflow/oidc"
	"github.com/google/cel-go/cel"
	"github.com/hashicorp/go-hclog"
	"github.com/patrickmn/go-cache"
)

const (
	// Attribute is the InstitutionAttribute that marks a CEL rule.
	Attribute = "cel"

	// DefaultMaxExpressionLength bounds the length of a rule.
	DefaultMaxExpressionLength = 4096

	// DefaultCostLimit bounds the runtime cost of evaluating a rule.
	DefaultCostLimit = 100000
)

var (
	ErrExpressionCheck = errors.New("CEL expression check failed")
	ErrEvaluation      = errors.New("CEL expression evaluation failed")
	ErrInvalidResult   = errors.New("CEL expression did not return a bool")
)

// Engine compiles rules. Compiled rules are cached by source, so an Engine
// is meant to live as long as the Resolver it serves. It is safe for
// concurrent use.
type Engine struct {
	env      *cel.Env
	compiled *cache.Cache
	opts     options
}

// NewEngine creates an Engine whose rules see the token's claims as the
// variable claims, a map(string, dyn).
//
// Supported options: WithMaxExpressionLength, WithCostLimit, WithLogger
func NewEngine(opt ...Option) (*Engine, error) {
	const op = "celmatch.NewEngine"
	env, err := cel.NewEnv(
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create CEL environment: %w", op, err)
	}
	return &Engine{
		env:      env,
		compiled: cache.New(cache.NoExpiration, 0),
		opts:     getOpts(opt...),
	}, nil
}

// Compile parses and type checks expr and returns a Matcher for it.
func (e *Engine) Compile(expr string) (*Matcher, error) {
	const op = "Engine.Compile"
	expr = strings.TrimSpace(expr)
	if v, ok := e.compiled.Get(expr); ok {
		return v.(*Matcher), nil
	}
	if expr == "" {
		return nil, fmt.Errorf("%s: empty expression: %w: %w", op, oidc.ErrInvalidParameter, ErrExpressionCheck)
	}
	if len(expr) > e.opts.withMaxExpressionLength {
		return nil, fmt.Errorf("%s: expression length %d exceeds maximum of %d: %w: %w",
			op, len(expr), e.opts.withMaxExpressionLength, oidc.ErrInvalidParameter, ErrExpressionCheck)
	}
	ast, issues := e.env.Compile(expr)
	if issues.Err() != nil {
		return nil, fmt.Errorf("%s: %q: %w: %w: %w", op, expr, oidc.ErrInvalidParameter, ErrExpressionCheck, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%s: %q returns %s: %w: %w", op, expr, ast.OutputType(), oidc.ErrInvalidParameter, ErrInvalidResult)
	}
	prg, err := e.env.Program(ast, cel.CostLimit(e.opts.withCostLimit))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create program for %q: %w", op, expr, err)
	}
	m := &Matcher{source: expr, program: prg}
	e.compiled.SetDefault(expr, m)
	return m, nil
}

// MatcherFunc returns an oidc.MatcherFunc that compiles CEL rules and hands
// every other instance to next. A nil next means oidc.RegexMatcherFunc.
func (e *Engine) MatcherFunc(next oidc.MatcherFunc) oidc.MatcherFunc {
	if next == nil {
		next = oidc.RegexMatcherFunc
	}
	return func(inst oidc.AuthInstance) (oidc.Matcher, error) {
		if strings.TrimSpace(inst.InstitutionAttribute) != Attribute {
			return next(inst)
		}
		m, err := e.Compile(inst.InstitutionValue)
		if err != nil {
			e.opts.withLogger.Warn("invalid instance rule", "instance", inst.ID, "error", err)
			return nil, err
		}
		return m, nil
	}
}

// Matcher is a compiled CEL rule.
type Matcher struct {
	source  string
	program cel.Program
}

var _ oidc.Matcher = (*Matcher)(nil)

// Source returns the rule's expression.
func (m *Matcher) Source() string { return m.source }

// Match implements oidc.Matcher. A rule that errors, for example by reading a
// claim the token lacks, does not match and returns the error.
func (m *Matcher) Match(tok *jwt.Token) (bool, error) {
	const op = "Matcher.Match"
	var claims map[string]interface{}
	if tok != nil {
		claims = tok.Claims()
	}
	if claims == nil {
		claims = map[string]interface{}{}
	}
	out, _, err := m.program.Eval(map[string]interface{}{"claims": claims})
	if err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, ErrEvaluation, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%s: got %T: %w", op, out.Value(), ErrInvalidResult)
	}
	return b, nil
}

// Option defines a common functional options type
type Option func(interface{})

type options struct {
	withMaxExpressionLength int
	withCostLimit           uint64
	withLogger              hclog.Logger
}

func getOpts(opt ...Option) options {
	opts := options{
		withMaxExpressionLength: DefaultMaxExpressionLength,
		withCostLimit:           DefaultCostLimit,
		withLogger:              hclog.NewNullLogger(),
	}
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// WithMaxExpressionLength overrides DefaultMaxExpressionLength.
func WithMaxExpressionLength(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && n > 0 {
			o.withMaxExpressionLength = n
		}
	}
}

// WithCostLimit overrides DefaultCostLimit.
func WithCostLimit(limit uint64) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && limit > 0 {
			o.withCostLimit = limit
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
