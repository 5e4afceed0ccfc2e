// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"fmt"
	"strings"
)

// DefaultAuthName is the auth plugin name instances are registered under.
const DefaultAuthName = "oidc"

// AuthInstance is one configured login route. The rule pair
// InstitutionAttribute/InstitutionValue decides which identities it
// accepts; an instance missing either half is a catch-all for its
// institution.
type AuthInstance struct {
	ID                   int64  `json:"id" yaml:"id" db:"id"`
	AuthName             string `json:"auth_name" yaml:"auth_name" db:"auth_name"`
	Institution          string `json:"institution" yaml:"institution" db:"institution"`
	InstitutionPriority  int    `json:"institution_priority" yaml:"institution_priority" db:"institution_priority"`
	Priority             int    `json:"priority" yaml:"priority" db:"priority"`
	InstitutionAttribute string `json:"institution_attribute" yaml:"institution_attribute" db:"institution_attribute"`
	InstitutionValue     string `json:"institution_value" yaml:"institution_value" db:"institution_value"`
}

// IsCatchAll reports whether the instance has no complete match rule.
func (i AuthInstance) IsCatchAll() bool {
	return strings.TrimSpace(i.InstitutionAttribute) == "" || strings.TrimSpace(i.InstitutionValue) == ""
}

// InstanceSource loads the auth instances registered for an auth plugin,
// annotated with their institution's priority.
type InstanceSource interface {
	Instances(ctx context.Context, authName string) ([]AuthInstance, error)
}

// StaticInstanceSource serves a fixed list of instances.
type StaticInstanceSource []AuthInstance

var _ InstanceSource = StaticInstanceSource(nil)

// Instances implements InstanceSource. The returned slice is a copy.
func (s StaticInstanceSource) Instances(_ context.Context, authName string) ([]AuthInstance, error) {
	const op = "StaticInstanceSource.Instances"
	if authName == "" {
		return nil, fmt.Errorf("%s: missing auth name: %w", op, ErrInvalidParameter)
	}
	out := make([]AuthInstance, 0, len(s))
	for _, inst := range s {
		if inst.AuthName == "" || inst.AuthName == authName {
			out = append(out, inst)
		}
	}
	return out, nil
}
