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

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"

	"github.com/kraklabs/rex/pkg/memory"
	"github.com/kraklabs/rex/pkg/scan"
)

// deleteWorkers bounds the concurrency of the second-phase passage deletes.
const deleteWorkers = 8

// ProgressFunc reports per-file progress. It is invoked exactly once per
// changed file, whatever the outcome.
type ProgressFunc func(completed, total int, filePath string)

// Engine reconciles one agent's passage set with the working tree. It is
// stateless across calls and re-entrant across distinct agents; per-repo
// serialization is the watch orchestrator's job.
type Engine struct {
	Provider memory.Provider
	Chunker  scan.Chunker
	Logger   *slog.Logger
}

// Request describes one reconciliation pass.
type Request struct {
	// AgentID is the target agent.
	AgentID string

	// Passages is the current file→IDs mapping. Never mutated; the result
	// carries a derived copy.
	Passages map[string][]string

	// ChangedFiles are the agent-root-relative paths to reconcile, in
	// processing order.
	ChangedFiles []string

	// HeadCommit is recorded as the result's LastSyncCommit.
	HeadCommit string

	// CollectFile loads one file's current content; (nil, nil) means the
	// file no longer exists.
	CollectFile func(path string) (*scan.FileInfo, error)

	// MaxFileSizeKB removes files over the ceiling. Zero means no limit.
	MaxFileSizeKB float64

	// IsFullReIndex is a caller hint: the changed set covers the whole
	// repo. Passed through to the result.
	IsFullReIndex bool

	// Workers caps concurrent file processing. Values below 2 mean
	// strictly sequential. Chunks within one file always upload in order.
	Workers int

	// OnProgress, when set, is called once per file.
	OnProgress ProgressFunc
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	// Passages is the new file→IDs mapping.
	Passages map[string][]string

	// LastSyncCommit echoes the request's HeadCommit.
	LastSyncCommit string

	// FilesRemoved counts files whose passages were dropped (deleted on
	// disk or over the size ceiling).
	FilesRemoved int

	// FilesReIndexed counts files whose chunks were fully re-uploaded.
	FilesReIndexed int

	// FailedFiles lists files whose upload failed; their old passages were
	// kept untouched.
	FailedFiles []string

	// IsFullReIndex echoes the request hint.
	IsFullReIndex bool
}

// fileOutcome is the per-file classification produced by processFile.
type fileOutcome struct {
	path      string
	newIDs    []string // non-nil when re-indexed
	removed   bool
	reindexed bool
	failed    bool
}

// Sync runs the copy-on-write reconciliation.
//
// For each changed file, new chunks are uploaded first; only when every
// chunk of the file stored successfully are the file's old passage IDs
// scheduled for deletion. A failed file keeps its old passages and appears
// in FailedFiles — per-file errors never fail the sync as a whole. All
// scheduled deletions run in a second phase after every file is processed;
// delete errors there are logged and swallowed, because the copy-on-write
// invariant already holds and an orphaned passage is minor.
//
// Cancellation is observed between files, never mid-file.
func (e *Engine) Sync(ctx context.Context, req Request) (*Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	result := &Result{
		Passages:       clonePassageMap(req.Passages),
		LastSyncCommit: req.HeadCommit,
		IsFullReIndex:  req.IsFullReIndex,
	}
	if len(req.ChangedFiles) == 0 {
		return result, nil
	}

	outcomes, pendingDeletes, err := e.processFiles(ctx, req, logger)
	if err != nil {
		return nil, err
	}

	// Apply outcomes in processing order so counters and the map are
	// deterministic for a given input.
	for _, oc := range outcomes {
		switch {
		case oc.removed:
			delete(result.Passages, oc.path)
			result.FilesRemoved++
		case oc.reindexed:
			result.Passages[oc.path] = oc.newIDs
			result.FilesReIndexed++
		case oc.failed:
			result.FailedFiles = append(result.FailedFiles, oc.path)
		}
	}

	e.deleteOldPassages(ctx, req.AgentID, pendingDeletes, logger)

	logger.Info("sync.complete",
		"agent_id", req.AgentID,
		"head", ShortCommit(req.HeadCommit),
		"changed", len(req.ChangedFiles),
		"reindexed", result.FilesReIndexed,
		"removed", result.FilesRemoved,
		"failed", len(result.FailedFiles),
		"full_reindex", req.IsFullReIndex,
	)

	return result, nil
}

// processFiles runs the per-file phase and returns outcomes in input order
// plus the old passage IDs scheduled for deletion, in schedule order.
func (e *Engine) processFiles(ctx context.Context, req Request, logger *slog.Logger) ([]fileOutcome, []string, error) {
	total := len(req.ChangedFiles)
	outcomes := make([]fileOutcome, total)

	if req.Workers < 2 {
		var pending []string
		completed := 0
		for i, path := range req.ChangedFiles {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			oc := e.processFile(ctx, req, path, logger)
			outcomes[i] = oc
			if oc.removed || oc.reindexed {
				pending = append(pending, req.Passages[path]...)
			}
			completed++
			if req.OnProgress != nil {
				req.OnProgress(completed, total, path)
			}
		}
		return outcomes, pending, nil
	}

	// Windowed fan-out for bulk loads: files start in supplied order, at
	// most Workers in flight. Chunk order within each file is preserved by
	// the sequential uploads inside processFile.
	jobs := make(chan int)
	var (
		wg        stdsync.WaitGroup
		mu        stdsync.Mutex
		completed int
		canceled  bool
	)

	for w := 0; w < req.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					mu.Lock()
					canceled = true
					mu.Unlock()
					continue
				}
				path := req.ChangedFiles[i]
				oc := e.processFile(ctx, req, path, logger)

				mu.Lock()
				outcomes[i] = oc
				completed++
				done := completed
				mu.Unlock()

				if req.OnProgress != nil {
					req.OnProgress(done, total, path)
				}
			}
		}()
	}

	for i := range req.ChangedFiles {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if canceled {
		return nil, nil, ctx.Err()
	}

	var pending []string
	for i, oc := range outcomes {
		if oc.removed || oc.reindexed {
			pending = append(pending, req.Passages[req.ChangedFiles[i]]...)
		}
	}
	return outcomes, pending, nil
}

// processFile classifies and, when needed, re-uploads a single file. Old
// passages are never deleted here; deletion is scheduled by the caller only
// for removed or fully re-indexed files.
func (e *Engine) processFile(ctx context.Context, req Request, path string, logger *slog.Logger) fileOutcome {
	file, err := req.CollectFile(path)
	if err != nil {
		logger.Warn("sync.file.collect_error", "path", path, "err", err)
		return fileOutcome{path: path, failed: true}
	}

	if file == nil {
		logger.Debug("sync.file.removed", "path", path)
		return fileOutcome{path: path, removed: true}
	}
	if req.MaxFileSizeKB > 0 && file.SizeKB > req.MaxFileSizeKB {
		logger.Debug("sync.file.oversized", "path", path, "size_kb", file.SizeKB, "max_kb", req.MaxFileSizeKB)
		return fileOutcome{path: path, removed: true}
	}

	chunks := e.Chunker.Chunk(*file)
	newIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		id, err := e.Provider.StorePassage(ctx, req.AgentID, chunk.Text)
		if err != nil {
			logger.Warn("sync.file.store_error", "path", path, "uploaded", len(newIDs), "chunks", len(chunks), "err", err)
			e.cleanupPartialUpload(ctx, req.AgentID, path, newIDs, logger)
			return fileOutcome{path: path, failed: true}
		}
		newIDs = append(newIDs, id)
	}

	logger.Debug("sync.file.reindexed", "path", path, "chunks", len(chunks))
	return fileOutcome{path: path, newIDs: newIDs, reindexed: true}
}

// cleanupPartialUpload best-effort deletes the chunks uploaded before a
// failure, so the aborted file does not leak passages. Errors are logged
// only; the retained state already points at the old passages.
func (e *Engine) cleanupPartialUpload(ctx context.Context, agentID, path string, ids []string, logger *slog.Logger) {
	for _, id := range ids {
		if err := e.Provider.DeletePassage(ctx, agentID, id); err != nil {
			logger.Warn("sync.file.cleanup_error", "path", path, "passage_id", id, "err", err)
		}
	}
}

// deleteOldPassages issues the scheduled deletes concurrently, first-in-
// first-delete. Failures are logged and swallowed.
func (e *Engine) deleteOldPassages(ctx context.Context, agentID string, ids []string, logger *slog.Logger) {
	if len(ids) == 0 {
		return
	}

	jobs := make(chan string)
	var wg stdsync.WaitGroup

	workers := deleteWorkers
	if len(ids) < workers {
		workers = len(ids)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := e.Provider.DeletePassage(ctx, agentID, id); err != nil {
					logger.Warn("sync.delete.error", "passage_id", id, "err", err)
				}
			}
		}()
	}

	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
}

func clonePassageMap(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for path, ids := range src {
		cp := make([]string, len(ids))
		copy(cp, ids)
		out[path] = cp
	}
	return out
}

// CollectChanged builds the changed-file set for a HEAD-driven sync: the
// repo-relative diff paths mapped under basePath and filtered through the
// indexability predicate (size checks happen later, at collection).
func CollectChanged(diffPaths []string, cfg RepoConfig) []string {
	filter := cfg.Filter()
	var changed []string
	seen := make(map[string]bool)

	for _, p := range diffPaths {
		rel, ok := StripBasePath(p, cfg.BasePath)
		if !ok {
			continue
		}
		if !filter.MatchesPath(rel) {
			continue
		}
		if !seen[rel] {
			seen[rel] = true
			changed = append(changed, rel)
		}
	}
	return changed
}

// StripBasePath maps a repo-relative path to agent-root-relative. Returns
// ok=false when the path lies outside the base path.
func StripBasePath(repoRel, basePath string) (string, bool) {
	if basePath == "" {
		return repoRel, true
	}
	prefix := basePath + "/"
	if len(repoRel) > len(prefix) && repoRel[:len(prefix)] == prefix {
		return repoRel[len(prefix):], true
	}
	return "", false
}

// FullChangedSet is the changed set for a full re-index: every currently
// indexable file plus every file already tracked in the passage map, so
// stale entries are reconciled away. Order: collected files first, then
// leftover tracked paths.
func FullChangedSet(collected []scan.FileInfo, tracked map[string][]string) []string {
	changed := make([]string, 0, len(collected)+len(tracked))
	seen := make(map[string]bool, len(collected))
	for _, f := range collected {
		changed = append(changed, f.Path)
		seen[f.Path] = true
	}
	var stale []string
	for path := range tracked {
		if !seen[path] {
			stale = append(stale, path)
		}
	}
	sort.Strings(stale)
	return append(changed, stale...)
}

// NoChangesMessage is the poll log line when HEAD matches the stored commit.
func NoChangesMessage(head string) string {
	return fmt.Sprintf("no changes (HEAD=%s)", ShortCommit(head))
}
