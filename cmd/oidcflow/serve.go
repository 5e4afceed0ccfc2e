// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/hashicorp/go-hclog"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context, cfg *Config) error {
	const op = "main.serve"
	log := cfg.Logger()
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer st.Close()

	a, err := newApp(ctx, cfg, st, log)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	reapCtx, stopReaper := context.WithCancel(ctx)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		runReaper(reapCtx, st.states, cfg.ReapInterval, log.Named("reaper"))
	}()
	defer func() {
		stopReaper()
		<-reaperDone
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s: shutdown: %w", op, err)
	}
	return nil
}

// runReaper reaps expired states every interval until ctx is done. A
// non-positive interval disables it.
func runReaper(ctx context.Context, r oidc.Reaper, interval time.Duration, log hclog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Reap(ctx)
			if err != nil {
				log.Error("reap failed", "error", err)
				continue
			}
			if n > 0 {
				log.Debug("reaped states", "count", n)
			}
		}
	}
}

func migrate(ctx context.Context, cfg *Config, out io.Writer) error {
	const op = "main.migrate"
	log := cfg.Logger()
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer st.Close()
	fmt.Fprintf(out, "migrations applied to %s\n", cfg.AccountStore)

	if cfg.InstancesFile == "" {
		return nil
	}
	inf, err := LoadInstanceFile(cfg.InstancesFile)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := inf.Import(ctx, st.accounts); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fmt.Fprintf(out, "imported %d institutions and %d instances\n", len(inf.Institutions), len(inf.Instances))
	return nil
}

func reap(ctx context.Context, cfg *Config, out io.Writer) error {
	const op = "main.reap"
	st, err := openStores(ctx, cfg, cfg.Logger())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer st.Close()
	n, err := st.states.Reap(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fmt.Fprintf(out, "reaped %d expired states\n", n)
	return nil
}
