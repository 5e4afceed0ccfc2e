// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package id

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	type args struct {
		prefix string
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
		wantLen int
	}{
		{
			name: "valid",
			args: args{
				prefix: "st",
			},
			wantErr: false,
			wantLen: 43 + len("st_"),
		},
		{
			name: "no-prefix",
			args: args{
				prefix: "",
			},
			wantErr: false,
			wantLen: 43,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.args.prefix)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.args.prefix != "" && !strings.HasPrefix(got, tt.args.prefix+"_") {
				t.Errorf("New() = %v, wanted it to start with %v", got, tt.args.prefix)
			}
			if len(got) != tt.wantLen {
				t.Errorf("New() = %v, with len of %d and wanted len of %v", got, len(got), tt.wantLen)
			}
		})
	}
}

func TestNew_unique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		got, err := New("n")
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if _, ok := seen[got]; ok {
			t.Fatalf("New() returned duplicate %q", got)
		}
		seen[got] = struct{}{}
	}
}

func TestNewWithSize(t *testing.T) {
	if _, err := NewWithSize("", 0); err == nil {
		t.Error("NewWithSize() with zero size should fail")
	}
	got, err := NewWithSize("", 15)
	if err != nil {
		t.Fatalf("NewWithSize() error = %v", err)
	}
	if len(got) != 20 {
		t.Errorf("NewWithSize() = %v, with len of %d and wanted len of 20", got, len(got))
	}
}
