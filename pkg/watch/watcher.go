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

package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	rexsync "github.com/kraklabs/rex/pkg/sync"
)

// startWatcher sets up a recursive fsnotify watch over the repo and runs its
// event loop in a tracked goroutine.
func (o *Orchestrator) startWatcher(ctx context.Context, name string, cfg rexsync.RepoConfig) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	o.watchers = append(o.watchers, watcher)

	watchCount := 0
	skipped := map[string]bool{}
	for _, dir := range cfg.IgnoreDirs {
		skipped[dir] = true
	}

	root := cfg.Collector().Root()
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != root && (alwaysSkippedDirs[base] || skipped[base]) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			o.logger.Warn("watch.fswatch.add_error", "repo", name, "path", path, "err", err)
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		watchCount++
		return nil
	})
	if walkErr != nil {
		_ = watcher.Close()
		return walkErr
	}

	o.logger.Info("watch.fswatch.start", "repo", name, "dirs", watchCount)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				o.handleFsEvent(ctx, name, watcher, event, skipped)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				o.logger.Warn("watch.fswatch.error", "repo", name, "err", err)
			}
		}
	}()

	return nil
}

// handleFsEvent normalizes and filters one raw watcher event, then feeds the
// debounce queue. New directories are added to the watch on the fly.
func (o *Orchestrator) handleFsEvent(ctx context.Context, name string, watcher *fsnotify.Watcher, event fsnotify.Event, skippedDirs map[string]bool) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			base := filepath.Base(event.Name)
			if !alwaysSkippedDirs[base] && !skippedDirs[base] {
				_ = watcher.Add(event.Name)
			}
			return
		}
	}

	o.handleEvent(ctx, name, event.Name)
}

// handleEvent applies self-trigger suppression, normalization and the
// indexability filter, then adds the path to the repo's pending set and
// (re)arms the debounce timer.
func (o *Orchestrator) handleEvent(ctx context.Context, name, rawPath string) {
	rs := o.repoFor(name)
	if rs == nil {
		return
	}

	if o.isStateFilePath(rawPath) {
		return
	}

	rel, ok := normalizeEventPath(rawPath, rs.cfg.Path, rs.cfg.BasePath)
	if !ok {
		return
	}
	if !rs.cfg.Filter().MatchesPath(rel) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rs.pending[rel] = struct{}{}
	if rs.debounceTimer != nil {
		rs.debounceTimer.Stop()
	}
	rs.debounceTimer = time.AfterFunc(o.opts.Debounce, func() {
		o.fireDebounce(ctx, name)
	})
}

// fireDebounce drains the pending set into an event-driven sync. When the
// repo is busy or backing off the set is kept and the timer re-arms, so the
// edits are not lost.
func (o *Orchestrator) fireDebounce(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}

	rs := o.repoFor(name)
	if rs == nil {
		return
	}

	o.mu.Lock()
	if len(rs.pending) == 0 {
		o.mu.Unlock()
		return
	}

	busy := rs.syncing
	backingOff := rs.failures > 0 && o.now().Before(rs.nextAllowed)
	if busy || backingOff {
		rs.debounceTimer = time.AfterFunc(o.opts.Debounce, func() {
			o.fireDebounce(ctx, name)
		})
		o.mu.Unlock()
		if backingOff {
			o.opts.Metrics.recordBackoffSkip()
		}
		o.logger.Debug("watch.debounce.deferred", "repo", name, "busy", busy, "backoff", backingOff)
		return
	}

	changed := make([]string, 0, len(rs.pending))
	for p := range rs.pending {
		changed = append(changed, p)
	}
	sort.Strings(changed)
	rs.pending = make(map[string]struct{})
	rs.syncing = true
	o.mu.Unlock()

	o.opts.Metrics.recordDebounceFire()
	o.logger.Info("watch.debounce.fire", "repo", name, "files", len(changed))

	o.launch(ctx, syncRequest{repo: rs.cfg, changed: changed, eventDriven: true})
}

// repoFor returns the bookkeeping for a repo name.
func (o *Orchestrator) repoFor(name string) *repoState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.repos[name]
}

// isStateFilePath reports whether rawPath refers to the orchestrator's own
// state file or one of its temp/backup siblings, whose writes must never
// trigger a sync.
func (o *Orchestrator) isStateFilePath(rawPath string) bool {
	absState, err := filepath.Abs(o.statePath)
	if err != nil {
		return false
	}
	absEvent, err := filepath.Abs(filepath.FromSlash(rawPath))
	if err != nil {
		return false
	}
	return absEvent == absState || strings.HasPrefix(absEvent, absState+".")
}

// normalizeEventPath maps a raw watcher path (absolute or repo-relative,
// possibly backslash-separated) to an agent-root-relative forward-slash
// path. ok is false when the path falls outside the agent root.
func normalizeEventPath(rawPath, repoPath, basePath string) (string, bool) {
	p := strings.ReplaceAll(rawPath, "\\", "/")
	p = strings.TrimPrefix(p, "./")

	repoSlash := filepath.ToSlash(repoPath)
	if strings.HasPrefix(p, repoSlash+"/") {
		p = p[len(repoSlash)+1:]
	} else if filepath.IsAbs(filepath.FromSlash(p)) {
		// Absolute path outside the repo.
		return "", false
	}

	rel, ok := rexsync.StripBasePath(p, basePath)
	if !ok || rel == "" {
		return "", false
	}
	return rel, true
}
