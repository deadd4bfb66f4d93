// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package watch runs the concurrent auto-sync loop: per repo it merges a
// HEAD poll timer with debounced filesystem events, serializes sync passes,
// and applies exponential backoff after consecutive failures.
package watch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/kraklabs/rex/pkg/memory"
	"github.com/kraklabs/rex/pkg/scan"
	"github.com/kraklabs/rex/pkg/state"
	rexsync "github.com/kraklabs/rex/pkg/sync"
)

// Defaults for the loop timings.
const (
	DefaultInterval = 30 * time.Second
	DefaultDebounce = 250 * time.Millisecond
)

// alwaysSkippedDirs are never watched regardless of configuration.
var alwaysSkippedDirs = map[string]bool{".git": true}

// Options configure the orchestrator.
type Options struct {
	// Interval is the HEAD poll period.
	Interval time.Duration

	// Debounce is the quiet window that coalesces filesystem events.
	Debounce time.Duration

	// Logger receives the loop's structured events.
	Logger *slog.Logger

	// Metrics records loop counters when non-nil.
	Metrics *Metrics
}

// repoState is the orchestrator's mutable per-repo bookkeeping. All fields
// are guarded by Orchestrator.mu.
type repoState struct {
	cfg rexsync.RepoConfig

	pending       map[string]struct{}
	debounceTimer *time.Timer
	syncing       bool

	failures    int
	nextAllowed time.Time
	backoff     *backoff.ExponentialBackOff
}

// syncRequest describes one sync pass handed to the sync runner.
type syncRequest struct {
	repo        rexsync.RepoConfig
	changed     []string // nil for a HEAD-driven sync (computed by runner)
	eventDriven bool
}

// Orchestrator watches one or more repos and auto-syncs them. One sync pass
// per repo may be in flight at any time; state writes are serialized through
// a single writer that re-reads the file before each save.
type Orchestrator struct {
	provider  memory.Provider
	chunker   scan.Chunker
	store     *state.Store
	statePath string
	opts      Options
	logger    *slog.Logger

	mu    sync.Mutex
	repos map[string]*repoState

	// writeMu makes load-modify-save of the state file atomic across repos.
	writeMu sync.Mutex

	wg       sync.WaitGroup
	watchers []*fsnotify.Watcher

	// Injection points for tests; defaults wired in New.
	headFn func(ctx context.Context, repoPath string) (string, error)
	diffFn func(ctx context.Context, repoPath, fromRef string) ([]string, error)
	syncFn func(ctx context.Context, req syncRequest) error
	now    func() time.Time
}

// New creates an orchestrator for the given repos.
func New(provider memory.Provider, chunker scan.Chunker, store *state.Store, statePath string, repos []rexsync.RepoConfig, opts Options) *Orchestrator {
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	o := &Orchestrator{
		provider:  provider,
		chunker:   chunker,
		store:     store,
		statePath: statePath,
		opts:      opts,
		logger:    opts.Logger,
		repos:     make(map[string]*repoState, len(repos)),
		headFn:    rexsync.HeadCommit,
		diffFn:    rexsync.ChangedFiles,
		now:       time.Now,
	}
	o.syncFn = o.runSync

	for _, cfg := range repos {
		o.repos[cfg.Name] = &repoState{
			cfg:     cfg,
			pending: make(map[string]struct{}),
			backoff: newRepoBackoff(opts.Interval),
		}
	}
	return o
}

// newRepoBackoff builds the per-repo failure schedule: exponential from the
// poll interval with the base delay capped at 16x, never giving up on its
// own. The library's default ±50% randomization applies to every delay, so
// a single delay ranges from 0.5x to 24x the interval.
func newRepoBackoff(interval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.Multiplier = 2
	b.MaxInterval = 16 * interval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run starts the loop and blocks until ctx is canceled. On cancellation the
// poll ticker stops, watchers close, pending debounce timers are cleared,
// and any in-flight sync is awaited before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	for name, rs := range o.repos {
		if err := o.startWatcher(ctx, name, rs.cfg); err != nil {
			o.logger.Warn("watch.fswatch.unavailable", "repo", name, "err", err)
		}
	}

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	o.logger.Info("watch.start",
		"repos", len(o.repos),
		"interval_ms", o.opts.Interval.Milliseconds(),
		"debounce_ms", o.opts.Debounce.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-ticker.C:
			o.pollOnce(ctx)
		}
	}
}

// shutdown closes watchers, clears debounce timers, and awaits tracked work.
func (o *Orchestrator) shutdown() {
	for _, w := range o.watchers {
		_ = w.Close()
	}

	o.mu.Lock()
	for _, rs := range o.repos {
		if rs.debounceTimer != nil {
			rs.debounceTimer.Stop()
			rs.debounceTimer = nil
		}
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("watch.stopped")
}

// pollOnce compares HEAD with the stored commit for every repo and launches
// HEAD-driven syncs where they differ.
func (o *Orchestrator) pollOnce(ctx context.Context) {
	appState, err := o.store.Load(o.statePath)
	if err != nil {
		o.logger.Error("watch.poll.state_error", "err", err)
		return
	}

	for name, rs := range o.repos {
		if !o.admitSync(name) {
			continue
		}

		agent := appState.Agent(name)
		if agent == nil || agent.AgentID == "" {
			o.releaseSync(name)
			o.logger.Debug("watch.poll.no_agent", "repo", name)
			continue
		}

		head, err := o.headFn(ctx, rs.cfg.Path)
		if err != nil {
			o.releaseSync(name)
			o.logger.Warn("watch.poll.git_error", "repo", name, "err", err)
			continue
		}

		if head == agent.LastSyncCommit {
			o.releaseSync(name)
			o.logger.Info("watch.poll.nochange", "repo", name, "msg", rexsync.NoChangesMessage(head))
			continue
		}

		o.launch(ctx, syncRequest{repo: rs.cfg})
	}
}

// admitSync reserves the single sync slot for a repo. Returns false when a
// pass is already in flight or the repo is in failure backoff.
func (o *Orchestrator) admitSync(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	rs := o.repos[name]
	if rs == nil || rs.syncing {
		return false
	}
	if rs.failures > 0 && o.now().Before(rs.nextAllowed) {
		o.opts.Metrics.recordBackoffSkip()
		o.logger.Debug("watch.backoff.skip",
			"repo", name,
			"failures", rs.failures,
			"retry_in_ms", time.Until(rs.nextAllowed).Milliseconds(),
		)
		return false
	}
	rs.syncing = true
	return true
}

// releaseSync frees the slot without recording an outcome (no sync ran).
func (o *Orchestrator) releaseSync(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rs := o.repos[name]; rs != nil {
		rs.syncing = false
	}
}

// launch runs one admitted sync pass in a tracked goroutine and applies the
// failure/backoff bookkeeping around it.
func (o *Orchestrator) launch(ctx context.Context, req syncRequest) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		name := req.repo.Name

		err := o.syncFn(ctx, req)

		o.mu.Lock()
		rs := o.repos[name]
		rs.syncing = false
		if err != nil {
			rs.failures++
			delay := rs.backoff.NextBackOff()
			rs.nextAllowed = o.now().Add(delay)
			o.mu.Unlock()

			o.opts.Metrics.recordSync(name, "error")
			o.logger.Error("watch.sync.error",
				"repo", name,
				"failures", rs.failures,
				"next_attempt_in_ms", delay.Milliseconds(),
				"err", err,
			)
			return
		}
		rs.failures = 0
		rs.nextAllowed = time.Time{}
		rs.backoff.Reset()
		o.mu.Unlock()

		o.opts.Metrics.recordSync(name, "ok")
	}()
}

// runSync is the default sync runner: it resolves the changed set, runs the
// engine, and persists the updated agent state through the single writer.
func (o *Orchestrator) runSync(ctx context.Context, req syncRequest) error {
	cfg := req.repo

	// Re-read the state so a pass never overwrites updates persisted by
	// other repos or commands since the loop last looked.
	appState, err := o.store.Load(o.statePath)
	if err != nil {
		return err
	}
	agent := appState.Agent(cfg.Name)
	if agent == nil || agent.AgentID == "" {
		o.logger.Warn("watch.sync.no_agent", "repo", cfg.Name)
		return nil
	}

	head, err := o.headFn(ctx, cfg.Path)
	if err != nil {
		return err
	}

	collector := cfg.Collector()
	changed := req.changed
	isFull := false

	if !req.eventDriven {
		changed, isFull, err = o.headDrivenChangedSet(ctx, cfg, collector, agent, head)
		if err != nil {
			return err
		}
	}

	if len(changed) == 0 {
		o.logger.Info("watch.sync.empty", "repo", cfg.Name, "event_driven", req.eventDriven)
		return nil
	}

	marker := ""
	if req.eventDriven {
		marker = "[event] "
	}
	o.logger.Info("watch.sync.start",
		"repo", cfg.Name,
		"msg", marker+"syncing "+cfg.Name,
		"changed", len(changed),
		"head", rexsync.ShortCommit(head),
	)

	engine := &rexsync.Engine{Provider: o.provider, Chunker: o.chunker, Logger: o.logger}
	result, err := engine.Sync(ctx, rexsync.Request{
		AgentID:       agent.AgentID,
		Passages:      agent.Passages,
		ChangedFiles:  changed,
		HeadCommit:    head,
		CollectFile:   collector.CollectFile,
		MaxFileSizeKB: cfg.MaxFileSizeKB,
		IsFullReIndex: isFull,
	})
	if err != nil {
		return err
	}

	o.opts.Metrics.recordFiles(result.FilesReIndexed, result.FilesRemoved)

	return o.persistAgent(cfg.Name, func(agent *state.AgentState) *state.AgentState {
		now := o.now()
		return agent.Apply(state.AgentPatch{
			Passages:       result.Passages,
			LastSyncCommit: &result.LastSyncCommit,
			LastSyncAt:     &now,
		})
	})
}

// headDrivenChangedSet computes the changed files for a poll-driven sync:
// the git diff from the stored commit, or the full collection when no commit
// is stored yet.
func (o *Orchestrator) headDrivenChangedSet(ctx context.Context, cfg rexsync.RepoConfig, collector *scan.Collector, agent *state.AgentState, head string) ([]string, bool, error) {
	if agent.LastSyncCommit == "" {
		files, err := collector.CollectAll(ctx)
		if err != nil {
			return nil, false, err
		}
		return rexsync.FullChangedSet(files, agent.Passages), true, nil
	}

	diff, err := o.diffFn(ctx, cfg.Path, agent.LastSyncCommit)
	if err != nil {
		return nil, false, err
	}
	changed := rexsync.CollectChanged(diff, cfg)

	if cfg.IncludeSubmodules {
		// Submodule-internal commits do not appear in the superproject
		// diff; expand any changed submodule pointers into their files.
		changed = o.expandSubmodulePointers(ctx, cfg, diff, changed)
	}
	return changed, false, nil
}

// expandSubmodulePointers adds the files of any initialized submodule whose
// pointer appears in the diff.
func (o *Orchestrator) expandSubmodulePointers(ctx context.Context, cfg rexsync.RepoConfig, diff, changed []string) []string {
	subs, err := scan.ListSubmodules(ctx, cfg.Path)
	if err != nil {
		o.logger.Warn("watch.sync.submodules_error", "repo", cfg.Name, "err", err)
		return changed
	}

	diffSet := make(map[string]bool, len(diff))
	for _, p := range diff {
		diffSet[p] = true
	}

	var changedSubs []string
	for _, sub := range subs {
		if sub.Initialized && diffSet[sub.Path] {
			changedSubs = append(changedSubs, sub.Path)
		}
	}
	if len(changedSubs) == 0 {
		return changed
	}

	files, err := cfg.Collector().CollectAll(ctx)
	if err != nil {
		o.logger.Warn("watch.sync.submodule_collect_error", "repo", cfg.Name, "err", err)
		return changed
	}

	seen := make(map[string]bool, len(changed))
	for _, p := range changed {
		seen[p] = true
	}
	for _, f := range files {
		for _, subPath := range changedSubs {
			if strings.HasPrefix(f.Path, subPath+"/") && !seen[f.Path] {
				seen[f.Path] = true
				changed = append(changed, f.Path)
			}
		}
	}
	return changed
}

// persistAgent applies update to the named agent under the single-writer
// lock, re-reading the state file first so concurrent writers in this
// process never clobber each other.
func (o *Orchestrator) persistAgent(repoName string, update func(*state.AgentState) *state.AgentState) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	appState, err := o.store.Load(o.statePath)
	if err != nil {
		return err
	}
	agent := appState.Agent(repoName)
	if agent == nil {
		o.logger.Warn("watch.persist.agent_gone", "repo", repoName)
		return nil
	}
	return o.store.Save(o.statePath, appState.WithAgent(repoName, update(agent)))
}
