// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command oidcflow serves an OIDC authorization code login backed by
// SQLite or PostgreSQL accounts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "oidcflow",
		Short:         "OIDC authorization code login server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the OIDCFLOW_* environment")

	load := func() (*Config, error) {
		return LoadConfig(envFile)
	}
	root.AddCommand(newServeCmd(load))
	root.AddCommand(newMigrateCmd(load))
	root.AddCommand(newReapCmd(load))
	return root
}

type configLoader func() (*Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the login endpoints, /metrics and /healthz",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func newMigrateCmd(load configLoader) *cobra.Command {
	var instancesFile string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and import an instance file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if instancesFile != "" {
				cfg.InstancesFile = instancesFile
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&instancesFile, "instances", "", "YAML instance file to import (overrides OIDCFLOW_INSTANCES_FILE)")
	return cmd
}

func newReapCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete expired authorization states once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			return reap(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}
