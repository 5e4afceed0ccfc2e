// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

func TestApplyOpts(t *testing.T) {
	// ApplyOpts testing is covered by other tests but we do have just more
	// more test to add here.
	// Let's make sure we don't panic on nil options
	anonymousOpts := struct {
		Names []string
	}{
		nil,
	}
	ApplyOpts(anonymousOpts, nil)
}

func Test_WithLogger(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	l := hclog.New(&hclog.LoggerOptions{Name: "test"})

	assert.Equal(l, getClientOpts(WithLogger(l)).withLogger)
	assert.Equal(l, getResolverOpts(WithLogger(l)).withLogger)
	assert.Equal(l, getFlowOpts(WithLogger(l)).withLogger)
	assert.Equal(l, getLinkerOpts(WithLogger(l)).withLogger)
	assert.Equal(l, GetStateStoreOpts(WithLogger(l)).Logger)

	assert.NotNil(getClientOpts(WithLogger(nil)).withLogger)
}

func Test_WithNow(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	fixed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return fixed }

	assert.Equal(fixed, GetStateStoreOpts(WithNow(now)).Now())
	assert.Equal(fixed, getFlowOpts(WithNow(now)).withNowFunc())
	assert.NotNil(getFlowOpts(WithNow(nil)).withNowFunc)
}

func Test_WithStateTTL(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal(time.Minute, GetStateStoreOpts(WithStateTTL(time.Minute)).TTL)
	assert.Equal(DefaultStateTTL, GetStateStoreOpts(WithStateTTL(0)).TTL)
	assert.Equal(time.Minute, getConfigOpts(WithStateTTL(time.Minute)).withStateTTL)
}

func Test_resolverOptions(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	opts := getResolverOpts()
	assert.Equal(DefaultAuthName, opts.withAuthName)
	assert.NotNil(opts.withMatcherFactory)

	opts = getResolverOpts(WithAuthName("oidc2"), WithAuthName(""))
	assert.Equal("oidc2", opts.withAuthName)
}
