// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package http

import (
	"bytes"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}))

	t.Run("with-ca", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient(buf.String(), time.Second)
		require.NoError(err)
		assert.Equal(time.Second, c.Timeout)
		resp, err := c.Get(srv.URL)
		require.NoError(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusNoContent, resp.StatusCode)
	})
	t.Run("default-timeout", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient("", 0)
		require.NoError(err)
		assert.Equal(DefaultTimeout, c.Timeout)
	})
	t.Run("system-ca-rejects-test-server", func(t *testing.T) {
		require := require.New(t)
		c, err := NewClient("", time.Second)
		require.NoError(err)
		_, err = c.Get(srv.URL)
		require.Error(err)
	})
	t.Run("bad-pem", func(t *testing.T) {
		assert := assert.New(t)
		_, err := NewClient("not a pem", time.Second)
		assert.ErrorIs(err, ErrInvalidCertificatePem)
	})
}
