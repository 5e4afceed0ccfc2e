// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package redis keeps authorization states in Redis. Keys carry the state
// TTL so Redis expires them; Consume also checks expiry against the store's
// clock.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	rdb "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces state keys.
const DefaultKeyPrefix = "oidcflow:state:"

const maxIssueAttempts = 3

// getDelScript emulates GETDEL on servers older than 6.2.
var getDelScript = rdb.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then redis.call("DEL", KEYS[1]) end
return v`)

// Store implements oidc.StateStore and oidc.Reaper.
type Store struct {
	client rdb.UniversalClient
	prefix string
	opts   oidc.StateStoreOptions
}

var (
	_ oidc.StateStore = (*Store)(nil)
	_ oidc.Reaper     = (*Store)(nil)
)

type record struct {
	Nonce          string            `json:"nonce"`
	SessionKey     string            `json:"session_key"`
	AdditionalData map[string]string `json:"additional_data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// New creates a Store over client. An empty prefix uses DefaultKeyPrefix.
//
// Supported options: oidc.WithStateTTL, oidc.WithNow, oidc.WithLogger
func New(client rdb.UniversalClient, prefix string, opt ...oidc.Option) (*Store, error) {
	const op = "redis.New"
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, oidc.ErrNilParameter)
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix, opts: oidc.GetStateStoreOpts(opt...)}, nil
}

// Open connects to the Redis server at addr and pings it.
func Open(ctx context.Context, addr string, db int, opt ...oidc.Option) (*Store, error) {
	const op = "redis.Open"
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("%s: address is required: %w", op, oidc.ErrInvalidParameter)
	}
	client := rdb.NewClient(&rdb.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: ping: %w: %w", op, oidc.ErrStorage, err)
	}
	return New(client, "", opt...)
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(state string) string {
	return s.prefix + state
}

// Issue implements oidc.StateStore.
func (s *Store) Issue(ctx context.Context, nonce, sessionKey string, additionalData map[string]string) (string, error) {
	const op = "Store.Issue"
	for i := 0; i < maxIssueAttempts; i++ {
		rec, err := s.opts.NewAuthorizationState(nonce, sessionKey, additionalData)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		data, err := json.Marshal(record{
			Nonce:          rec.Nonce,
			SessionKey:     rec.SessionKey,
			AdditionalData: rec.AdditionalData,
			CreatedAt:      rec.CreatedAt,
			ExpiresAt:      rec.ExpiresAt,
		})
		if err != nil {
			return "", fmt.Errorf("%s: unable to encode state: %w: %w", op, oidc.ErrStorage, err)
		}
		ok, err := s.client.SetNX(ctx, s.key(rec.State), data, s.opts.TTL).Result()
		if err != nil {
			return "", fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
		if !ok {
			s.opts.Logger.Warn("state collision, retrying", "op", op)
			continue
		}
		return rec.State, nil
	}
	return "", fmt.Errorf("%s: unable to issue a unique state: %w", op, oidc.ErrStorage)
}

// Consume implements oidc.StateStore with GETDEL, falling back to a Lua
// script on servers without it. Either is atomic.
func (s *Store) Consume(ctx context.Context, state string) (*oidc.AuthorizationState, error) {
	const op = "Store.Consume"
	raw, err := s.getDel(ctx, s.key(state))
	switch {
	case errors.Is(err, rdb.Nil):
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrUnknownState)
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("%s: unable to decode state: %w: %w", op, oidc.ErrStorage, err)
	}
	rec := &oidc.AuthorizationState{
		State:          state,
		Nonce:          r.Nonce,
		SessionKey:     r.SessionKey,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		AdditionalData: r.AdditionalData,
	}
	if rec.AdditionalData == nil {
		rec.AdditionalData = map[string]string{}
	}
	if rec.IsExpired(s.opts.Now()) {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrUnknownState, oidc.ErrExpiredState)
	}
	return rec, nil
}

func (s *Store) getDel(ctx context.Context, key string) (string, error) {
	raw, err := s.client.GetDel(ctx, key).Result()
	if err == nil || !isUnknownCommand(err) {
		return raw, err
	}
	return getDelScript.Run(ctx, s.client, []string{key}).Text()
}

func isUnknownCommand(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unknown command")
}

// Reap implements oidc.Reaper. Redis already drops keys at their TTL; Reap
// removes states that are expired by the store's clock but not yet by the
// server's.
func (s *Store) Reap(ctx context.Context) (int, error) {
	const op = "Store.Reap"
	now := s.opts.Now()
	var reaped int
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, rdb.Nil) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.opts.Logger.Warn("dropping undecodable state", "op", op, "key", key)
		} else if !(&oidc.AuthorizationState{ExpiresAt: r.ExpiresAt}).IsExpired(now) {
			continue
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return reaped, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
		}
		reaped += int(n)
	}
	if err := iter.Err(); err != nil {
		return reaped, fmt.Errorf("%s: %w: %w", op, oidc.ErrStorage, err)
	}
	return reaped, nil
}
