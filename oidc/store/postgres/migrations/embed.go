// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
