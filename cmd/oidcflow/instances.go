// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/edulogin/oidcflow/oidc/account"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// InstanceFile is the YAML list of institutions and the auth instances that
// route logins to them.
//
//	institutions:
//	  - name: uni
//	    priority: 10
//	    max_user_accounts: 5000
//	instances:
//	  - id: 1
//	    institution: uni
//	    institution_attribute: upn
//	    institution_value: "@uni\\.edu$"
type InstanceFile struct {
	Institutions []account.Institution `yaml:"institutions"`
	Instances    []oidc.AuthInstance   `yaml:"instances"`
}

// LoadInstanceFile reads and validates the file at path.
func LoadInstanceFile(path string) (*InstanceFile, error) {
	const op = "main.LoadInstanceFile"
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrConfiguration, err)
	}
	defer f.Close()
	inf, err := decodeInstanceFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, path, err)
	}
	return inf, nil
}

func decodeInstanceFile(r io.Reader) (*InstanceFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var inf InstanceFile
	if err := dec.Decode(&inf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", oidc.ErrConfiguration, err)
	}
	if err := inf.normalize(); err != nil {
		return nil, fmt.Errorf("%w: %w", oidc.ErrConfiguration, err)
	}
	return &inf, nil
}

// normalize checks ids and institution names, defaults auth names and
// copies institution priorities onto instances.
func (f *InstanceFile) normalize() error {
	var result *multierror.Error
	priorities := make(map[string]int, len(f.Institutions))
	for _, inst := range f.Institutions {
		if inst.Name == "" {
			result = multierror.Append(result, errors.New("institution without a name"))
			continue
		}
		if _, dup := priorities[inst.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("institution %q listed twice", inst.Name))
		}
		priorities[inst.Name] = inst.Priority
	}
	seen := make(map[int64]bool, len(f.Instances))
	for i := range f.Instances {
		inst := &f.Instances[i]
		switch {
		case inst.ID <= 0:
			result = multierror.Append(result, fmt.Errorf("instance %d: id must be positive", i))
		case seen[inst.ID]:
			result = multierror.Append(result, fmt.Errorf("instance %d listed twice", inst.ID))
		}
		seen[inst.ID] = true
		p, ok := priorities[inst.Institution]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("instance %d: unknown institution %q", inst.ID, inst.Institution))
		}
		inst.InstitutionPriority = p
		if inst.AuthName == "" {
			inst.AuthName = oidc.DefaultAuthName
		}
	}
	return result.ErrorOrNil()
}

// Source returns the instances as an oidc.InstanceSource.
func (f *InstanceFile) Source() oidc.StaticInstanceSource {
	return oidc.StaticInstanceSource(f.Instances)
}

type instanceWriter interface {
	PutInstitution(ctx context.Context, inst account.Institution) error
	PutAuthInstance(ctx context.Context, inst oidc.AuthInstance) error
}

// Import upserts the institutions and then the instances into dst.
func (f *InstanceFile) Import(ctx context.Context, dst instanceWriter) error {
	const op = "InstanceFile.Import"
	for _, inst := range f.Institutions {
		if err := dst.PutInstitution(ctx, inst); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	for _, inst := range f.Instances {
		if err := dst.PutAuthInstance(ctx, inst); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}
