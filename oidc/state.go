// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/patrickmn/go-cache"
)

// AuthorizationState is one in-flight login attempt. It is written when an
// authorization request is issued and deleted by the first callback that
// presents its State.
type AuthorizationState struct {
	// State is the unguessable value round-tripped through the provider. It
	// is the lookup key.
	State string

	// Nonce is echoed in the identity token to bind it to this request.
	Nonce string

	// SessionKey binds the state to the browser session that created it.
	SessionKey string

	// CreatedAt is when the authorization request was issued.
	CreatedAt time.Time

	// ExpiresAt is when the state stops being accepted.
	ExpiresAt time.Time

	// AdditionalData is an opaque payload returned to the callback.
	AdditionalData map[string]string
}

// IsExpired reports whether the state is no longer accepted at now. A zero
// ExpiresAt never expires.
func (s *AuthorizationState) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// StateStore persists authorization states. Records are written once and
// read-and-deleted once. Implementations must be concurrently safe.
type StateStore interface {
	// Issue generates a new state, persists it with the nonce, session key
	// and additional data, and returns it. Persistence failures wrap
	// ErrStorage.
	Issue(ctx context.Context, nonce, sessionKey string, additionalData map[string]string) (string, error)

	// Consume atomically deletes and returns the state. Only one of any
	// number of concurrent callers presenting the same state receives the
	// record; the others, and any caller presenting an unknown or expired
	// state, get an error wrapping ErrUnknownState.
	Consume(ctx context.Context, state string) (*AuthorizationState, error)
}

// Reaper is implemented by state stores that can purge expired records.
type Reaper interface {
	// Reap deletes expired states and returns how many were removed.
	Reap(ctx context.Context) (int, error)
}

// StateStoreOptions is the set of options shared by StateStore
// implementations. Stores outside this package get them through
// GetStateStoreOpts.
type StateStoreOptions struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger hclog.Logger
}

func stateStoreDefaults() StateStoreOptions {
	return StateStoreOptions{
		TTL:    DefaultStateTTL,
		Now:    time.Now,
		Logger: hclog.NewNullLogger(),
	}
}

// GetStateStoreOpts gets the state store defaults and applies the opt
// overrides passed in. Supported options: WithStateTTL, WithNow, WithLogger.
func GetStateStoreOpts(opt ...Option) StateStoreOptions {
	opts := stateStoreDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewAuthorizationState builds a record with a fresh state value, stamped
// with the store's clock and TTL.
func (o StateStoreOptions) NewAuthorizationState(nonce, sessionKey string, additionalData map[string]string) (*AuthorizationState, error) {
	const op = "oidc.NewAuthorizationState"
	st, err := NewStateToken()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate state: %w: %w", op, ErrStorage, err)
	}
	now := o.Now()
	data := make(map[string]string, len(additionalData))
	for k, v := range additionalData {
		data[k] = v
	}
	return &AuthorizationState{
		State:          st,
		Nonce:          nonce,
		SessionKey:     sessionKey,
		CreatedAt:      now,
		ExpiresAt:      now.Add(o.TTL),
		AdditionalData: data,
	}, nil
}

// maxIssueAttempts bounds retries when a generated state collides with a
// live one.
const maxIssueAttempts = 3

// MemoryStateStore is a StateStore for a single process. States live in a
// go-cache with the store's TTL; the cache's janitor reaps them.
type MemoryStateStore struct {
	mu     sync.Mutex
	states *cache.Cache
	opts   StateStoreOptions
}

var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ Reaper     = (*MemoryStateStore)(nil)
)

// NewMemoryStateStore creates a MemoryStateStore.
//
// Supported options: WithStateTTL, WithNow, WithLogger
func NewMemoryStateStore(opt ...Option) *MemoryStateStore {
	opts := GetStateStoreOpts(opt...)
	return &MemoryStateStore{
		states: cache.New(opts.TTL, opts.TTL),
		opts:   opts,
	}
}

// Issue implements StateStore.
func (s *MemoryStateStore) Issue(ctx context.Context, nonce, sessionKey string, additionalData map[string]string) (string, error) {
	const op = "MemoryStateStore.Issue"
	for i := 0; i < maxIssueAttempts; i++ {
		rec, err := s.opts.NewAuthorizationState(nonce, sessionKey, additionalData)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if err := s.states.Add(rec.State, rec, s.opts.TTL); err != nil {
			s.opts.Logger.Warn("state collision, retrying", "op", op)
			continue
		}
		return rec.State, nil
	}
	return "", fmt.Errorf("%s: unable to issue a unique state: %w", op, ErrStorage)
}

// Consume implements StateStore.
func (s *MemoryStateStore) Consume(ctx context.Context, state string) (*AuthorizationState, error) {
	const op = "MemoryStateStore.Consume"
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.states.Get(state)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrUnknownState)
	}
	s.states.Delete(state)
	rec := v.(*AuthorizationState)
	if rec.IsExpired(s.opts.Now()) {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnknownState, ErrExpiredState)
	}
	return rec, nil
}

// Reap implements Reaper.
func (s *MemoryStateStore) Reap(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	var n int
	for k, item := range s.states.Items() {
		if rec, ok := item.Object.(*AuthorizationState); ok && rec.IsExpired(now) {
			s.states.Delete(k)
			n++
		}
	}
	before := s.states.ItemCount()
	s.states.DeleteExpired()
	return n + before - s.states.ItemCount(), nil
}
