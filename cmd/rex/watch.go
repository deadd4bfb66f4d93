// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/internal/ui"
	"github.com/kraklabs/rex/pkg/state"
	rexsync "github.com/kraklabs/rex/pkg/sync"
	"github.com/kraklabs/rex/pkg/watch"
)

// runWatch executes the 'watch' command: the concurrent auto-sync loop over
// every configured repo until interrupted.
//
// Flags:
//   - --interval: HEAD poll period (default 30s)
//   - --debounce: filesystem event quiet window (default 250ms)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//   - --debug: enable debug logging
func runWatch(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	interval := fs.Duration("interval", watch.DefaultInterval, "HEAD poll interval")
	debounce := fs.Duration("debounce", watch.DefaultDebounce, "Filesystem event debounce window")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rex watch [options]

Description:
  Watch every configured repository and keep its agent in sync. Two
  event sources feed each repo: a poll timer that compares HEAD with
  the last synced commit, and a recursive filesystem watch whose events
  are debounced into incremental syncs (catching unstaged edits).

  At most one sync runs per repo at a time. After consecutive failures
  a repo backs off exponentially until a pass succeeds again.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  rex watch
  rex watch --interval 10s --debounce 500ms
  rex watch --metrics-addr :9090

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	logger := newLogger(globals, *debug)

	repos := make([]rexsync.RepoConfig, 0, len(cfg.Repos))
	for _, name := range cfg.RepoNames() {
		repoCfg, err := cfg.RepoConfig(name)
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
		repos = append(repos, repoCfg)
	}

	var metrics *watch.Metrics
	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics = watch.NewMetrics(registry)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			logger.Info("metrics.http.start", "addr", *metricsAddr, "path", "/metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics.http.error", "err", err)
			}
		}()
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	provider := newProvider(cfg, logger)
	chunker := newChunker(cfg, logger)

	orchestrator := watch.New(provider, chunker, state.NewStore(), globals.StatePath, repos, watch.Options{
		Interval: *interval,
		Debounce: *debounce,
		Logger:   logger,
		Metrics:  metrics,
	})

	if !globals.Quiet {
		ui.Infof("watching %d repo(s), poll every %s (Ctrl-C to stop)", len(repos), interval.String())
	}

	if err := orchestrator.Run(ctx); err != nil {
		errors.FatalError(errors.NewInternalError(
			"Watch loop failed",
			err.Error(),
			"Re-run with --debug for details",
			err,
		), globals.JSON)
	}
}
