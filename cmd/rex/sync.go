// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/internal/output"
	"github.com/kraklabs/rex/internal/ui"
	"github.com/kraklabs/rex/pkg/state"
	rexsync "github.com/kraklabs/rex/pkg/sync"
)

// runSync executes the 'sync' command: a one-shot incremental reconciliation
// of one or all repos against the current HEAD.
//
// Flags:
//   - --full: treat the whole collection as changed (full re-index)
//   - --debug: enable debug logging
func runSync(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	full := fs.Bool("full", false, "Sync the full collection instead of the git diff")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rex sync [repo] [options]

Description:
  Reconcile each agent's passages with the repository's current HEAD.
  The changed set is the git diff between the last synced commit and
  HEAD, filtered through the repo's indexing policy. With no previous
  sync (or --full) the entire collection is re-indexed.

  New passages are always uploaded before old ones are removed, so a
  failure never leaves the agent without a file's content.

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
	engine := &rexsync.Engine{Provider: provider, Chunker: chunker, Logger: logger}

	type repoReport struct {
		Repo      string   `json:"repo"`
		Head      string   `json:"head,omitempty"`
		Reindexed int      `json:"files_reindexed"`
		Removed   int      `json:"files_removed"`
		Failed    []string `json:"files_failed,omitempty"`
		Skipped   bool     `json:"skipped,omitempty"`
		Error     string   `json:"error,omitempty"`
	}
	var reports []repoReport
	failed := false

	for _, name := range names {
		report := repoReport{Repo: name}
		result, err := syncOneRepo(ctx, cfg, name, engine, store, globals.StatePath, *full)
		switch {
		case err != nil:
			failed = true
			report.Error = err.Error()
			if !globals.JSON {
				ui.Warningf("%s: %v", name, err)
			}
		case result == nil:
			report.Skipped = true
			if !globals.JSON && !globals.Quiet {
				ui.Info(name + ": no changes")
			}
		default:
			report.Head = rexsync.ShortCommit(result.LastSyncCommit)
			report.Reindexed = result.FilesReIndexed
			report.Removed = result.FilesRemoved
			report.Failed = result.FailedFiles
			if len(result.FailedFiles) > 0 {
				failed = true
			}
			if !globals.JSON && !globals.Quiet {
				ui.Success(fmt.Sprintf("%s: %s files re-indexed, %s removed (HEAD=%s)",
					name, ui.CountText(result.FilesReIndexed), ui.CountText(result.FilesRemoved), report.Head))
				for _, f := range result.FailedFiles {
					ui.Warningf("%s: failed to index %s", name, f)
				}
			}
		}
		reports = append(reports, report)

		if ctx.Err() != nil {
			break
		}
	}

	if globals.JSON {
		_ = output.JSON(map[string]interface{}{"repos": reports})
	}
	if failed {
		os.Exit(1)
	}
}

// syncOneRepo runs one HEAD-driven sync. A nil result with nil error means
// nothing changed.
func syncOneRepo(ctx context.Context, cfg *Config, name string, engine *rexsync.Engine, store *state.Store, statePath string, full bool) (*rexsync.Result, error) {
	repoCfg, err := cfg.RepoConfig(name)
	if err != nil {
		return nil, err
	}

	appState, err := store.Load(statePath)
	if err != nil {
		return nil, stateLoadError(err)
	}
	agentState := appState.Agent(name)
	if agentState == nil || agentState.AgentID == "" {
		return nil, errors.NewUserError(
			"Agent not set up",
			fmt.Sprintf("Repo %q has no agent yet", name),
			"Run 'rex setup "+name+"' first",
		)
	}

	head, err := rexsync.HeadCommit(ctx, repoCfg.Path)
	if err != nil {
		return nil, gitCLIError(err)
	}

	collector := repoCfg.Collector()
	var changed []string
	isFull := full || agentState.LastSyncCommit == ""

	if isFull {
		files, err := collector.CollectAll(ctx)
		if err != nil {
			return nil, err
		}
		changed = rexsync.FullChangedSet(files, agentState.Passages)
	} else {
		if head == agentState.LastSyncCommit {
			return nil, nil
		}
		diff, err := rexsync.ChangedFiles(ctx, repoCfg.Path, agentState.LastSyncCommit)
		if err != nil {
			return nil, gitCLIError(err)
		}
		changed = rexsync.CollectChanged(diff, repoCfg)
	}

	result, err := engine.Sync(ctx, rexsync.Request{
		AgentID:       agentState.AgentID,
		Passages:      agentState.Passages,
		ChangedFiles:  changed,
		HeadCommit:    head,
		CollectFile:   collector.CollectFile,
		MaxFileSizeKB: repoCfg.MaxFileSizeKB,
		IsFullReIndex: isFull,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updated := agentState.Apply(state.AgentPatch{
		Passages:       result.Passages,
		LastSyncCommit: &result.LastSyncCommit,
		LastSyncAt:     &now,
	})
	if err := persistAgent(store, statePath, name, updated); err != nil {
		return nil, err
	}
	return result, nil
}

// gitCLIError classifies a git helper failure for the CLI surface.
func gitCLIError(err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, rexsync.ErrNotARepo):
		return errors.NewGitError(
			"Not a git repository",
			err.Error(),
			"Check the repo path in .rex.yaml",
			err,
		)
	case stderrors.Is(err, rexsync.ErrDiffFailed):
		return errors.NewGitError(
			"Git diff failed",
			err.Error(),
			"The stored commit may be gone (rebase, gc); run 'rex sync --full'",
			err,
		)
	default:
		return errors.NewGitError("Git unavailable", err.Error(), "Ensure git is installed and on PATH", err)
	}
}
