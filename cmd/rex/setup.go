// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/internal/output"
	"github.com/kraklabs/rex/internal/ui"
	"github.com/kraklabs/rex/pkg/agent"
	"github.com/kraklabs/rex/pkg/state"
	rexsync "github.com/kraklabs/rex/pkg/sync"
)

// runSetup executes the 'setup' command: the resumable cold-start pipeline
// (create agent → index all files → bootstrap) for one or all repos.
//
// Flags:
//   - --reindex: force a full re-index even when the agent is current
//   - --skip-bootstrap: suppress the bootstrap prompt stage
//   - --debug: enable debug logging
func runSetup(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	reindex := fs.Bool("reindex", false, "Force a full re-index")
	skipBootstrap := fs.Bool("skip-bootstrap", false, "Skip the bootstrap prompt stage")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rex setup [repo] [options]

Description:
  Cold-start pipeline for repo-expert agents. For each repo this creates
  the agent if needed, indexes every indexable file into passages, and
  runs the bootstrap prompts that fill the architecture and conventions
  memory blocks. The pipeline is resumable: state is persisted after
  each stage, so an interrupted run continues where it stopped.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	logger := newLogger(globals, *debug)

	names := fs.Args()
	if len(names) == 0 {
		names = cfg.RepoNames()
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	provider := newProvider(cfg, logger)
	chunker := newChunker(cfg, logger)
	store := state.NewStore()

	bootstrapper := &agent.Bootstrapper{
		Provider:  provider,
		Logger:    logger,
		FastModel: cfg.Provider.FastModel,
	}
	pipeline := &rexsync.Setup{
		Provider:  provider,
		Chunker:   chunker,
		Logger:    logger,
		Bootstrap: bootstrapper.Run,
		Model:     cfg.Provider.Model,
		Embedding: cfg.Provider.Embedding,
	}

	progressCfg := NewProgressConfig(globals)
	type repoReport struct {
		Repo    string `json:"repo"`
		Mode    string `json:"mode"`
		AgentID string `json:"agent_id"`
		Files   int    `json:"files_indexed"`
		Failed  int    `json:"files_failed"`
		Error   string `json:"error,omitempty"`
	}
	var reports []repoReport
	failed := false

	for _, name := range names {
		repoCfg, err := cfg.RepoConfig(name)
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}

		appState, err := store.Load(globals.StatePath)
		if err != nil {
			errors.FatalError(stateLoadError(err), globals.JSON)
		}

		var bar *progressbar.ProgressBar
		opts := rexsync.SetupOptions{
			Reindex:       *reindex,
			SkipBootstrap: *skipBootstrap,
			OnProgress: func(completed, total int, _ string) {
				if bar == nil {
					bar = NewProgressBar(progressCfg, int64(total), "Indexing "+name)
				}
				if bar != nil {
					_ = bar.Set64(int64(completed))
				}
			},
		}

		result, err := pipeline.Run(ctx, repoCfg, appState.Agent(name), opts, func(a *state.AgentState) error {
			return persistAgent(store, globals.StatePath, name, a)
		})
		if bar != nil {
			_ = bar.Finish()
		}

		report := repoReport{Repo: name}
		if err != nil {
			failed = true
			report.Error = err.Error()
			if !globals.JSON {
				ui.Warningf("%s: %v", name, err)
			}
			reports = append(reports, report)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		report.Mode = string(result.Mode)
		report.AgentID = result.Agent.AgentID
		if result.Sync != nil {
			report.Files = result.Sync.FilesReIndexed
			report.Failed = len(result.Sync.FailedFiles)
		}
		reports = append(reports, report)

		if !globals.JSON && !globals.Quiet {
			switch result.Mode {
			case rexsync.ModeSkip:
				ui.Info(name + ": already up to date")
			default:
				ui.Success(fmt.Sprintf("%s: %s complete (%s files indexed)",
					name, result.Mode, ui.CountText(report.Files)))
			}
		}
	}

	if globals.JSON {
		_ = output.JSON(map[string]interface{}{"repos": reports})
	}
	if failed {
		os.Exit(1)
	}
}

// persistAgent is the setup-path state writer: re-read, apply, save.
func persistAgent(store *state.Store, statePath, name string, a *state.AgentState) error {
	appState, err := store.Load(statePath)
	if err != nil {
		return err
	}
	return store.Save(statePath, appState.WithAgent(name, a))
}

// stateLoadError classifies a state-store load failure for the CLI surface.
func stateLoadError(err error) error {
	if fe, ok := err.(*state.FileError); ok {
		return errors.NewStateFileError("Corrupt state file", fe.BackupPath, fe)
	}
	return errors.NewInternalError(
		"Cannot load state file",
		err.Error(),
		"Check file permissions on the state file",
		err,
	)
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	return ctx, cancel
}
