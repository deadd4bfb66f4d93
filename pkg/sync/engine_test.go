// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/rex/pkg/scan"
)

// memCollector serves file content from a map; missing keys read as deleted
// files.
func memCollector(files map[string]*scan.FileInfo) func(string) (*scan.FileInfo, error) {
	return func(path string) (*scan.FileInfo, error) {
		return files[path], nil
	}
}

func testEngine(p *fakeProvider) *Engine {
	return &Engine{Provider: p, Chunker: scan.RawChunker{}}
}

func initialPassages() map[string][]string {
	return map[string][]string{
		"src/a.ts": {"p-1", "p-2"},
		"src/b.ts": {"p-3"},
	}
}

func TestSync_EditedFile_CopyOnWrite(t *testing.T) {
	provider := newFakeProvider()
	engine := testEngine(provider)

	result, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     initialPassages(),
		ChangedFiles: []string{"src/a.ts"},
		HeadCommit:   "def456",
		CollectFile: memCollector(map[string]*scan.FileInfo{
			"src/a.ts": {Path: "src/a.ts", Content: "X", SizeKB: 0.001},
		}),
	})
	require.NoError(t, err)

	// One store (raw strategy: single chunk), both old IDs deleted.
	assert.Equal(t, 1, provider.storeCount())
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, provider.deletedIDs())

	assert.Equal(t, []string{"new-1"}, result.Passages["src/a.ts"])
	assert.Equal(t, []string{"p-3"}, result.Passages["src/b.ts"])
	assert.Equal(t, "def456", result.LastSyncCommit)
	assert.Equal(t, 1, result.FilesReIndexed)
	assert.Zero(t, result.FilesRemoved)
	assert.Empty(t, result.FailedFiles)
}

func TestSync_DeletedFile(t *testing.T) {
	provider := newFakeProvider()
	engine := testEngine(provider)

	result, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     initialPassages(),
		ChangedFiles: []string{"src/a.ts"},
		HeadCommit:   "def456",
		CollectFile:  memCollector(nil),
	})
	require.NoError(t, err)

	assert.Zero(t, provider.storeCount())
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, provider.deletedIDs())
	assert.NotContains(t, result.Passages, "src/a.ts")
	assert.Equal(t, 1, result.FilesRemoved)
}

func TestSync_OversizedFile_TreatedAsDeletion(t *testing.T) {
	provider := newFakeProvider()
	engine := testEngine(provider)

	result, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     initialPassages(),
		ChangedFiles: []string{"src/a.ts"},
		HeadCommit:   "def456",
		CollectFile: memCollector(map[string]*scan.FileInfo{
			"src/a.ts": {Path: "src/a.ts", Content: "huge", SizeKB: 200},
		}),
		MaxFileSizeKB: 50,
	})
	require.NoError(t, err)

	assert.Zero(t, provider.storeCount())
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, provider.deletedIDs())
	assert.NotContains(t, result.Passages, "src/a.ts")
	assert.Equal(t, 1, result.FilesRemoved)
}

func TestSync_PartialFailure_IsolatedPerFile(t *testing.T) {
	provider := newFakeProvider()
	provider.failStoreContaining = []string{"FILE: src/a.ts"}
	engine := testEngine(provider)

	result, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     initialPassages(),
		ChangedFiles: []string{"src/a.ts", "src/b.ts"},
		HeadCommit:   "def456",
		CollectFile: memCollector(map[string]*scan.FileInfo{
			"src/a.ts": {Path: "src/a.ts", Content: "A"},
			"src/b.ts": {Path: "src/b.ts", Content: "B"},
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"src/a.ts"}, result.FailedFiles)
	assert.Equal(t, []string{"p-1", "p-2"}, result.Passages["src/a.ts"], "failed file keeps its old IDs")
	assert.Equal(t, 1, result.FilesReIndexed)
	assert.Len(t, result.Passages["src/b.ts"], 1)
	assert.NotEqual(t, "p-3", result.Passages["src/b.ts"][0])

	// Only B's old passage was deleted; A's old IDs survived.
	deleted := provider.deletedIDs()
	assert.NotContains(t, deleted, "p-1")
	assert.NotContains(t, deleted, "p-2")
	assert.Contains(t, deleted, "p-3")
}

func TestSync_NoOp_Idempotent(t *testing.T) {
	provider := newFakeProvider()
	engine := testEngine(provider)

	passages := initialPassages()
	result, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     passages,
		ChangedFiles: nil,
		HeadCommit:   "abc123",
		CollectFile:  memCollector(nil),
	})
	require.NoError(t, err)

	assert.Equal(t, passages, result.Passages)
	assert.Equal(t, "abc123", result.LastSyncCommit)
	assert.Zero(t, result.FilesRemoved)
	assert.Zero(t, result.FilesReIndexed)
	assert.Empty(t, result.FailedFiles)
	assert.Zero(t, provider.storeCount())
	assert.Empty(t, provider.deletedIDs())
}

func TestSync_DoesNotMutateInput(t *testing.T) {
	provider := newFakeProvider()
	engine := testEngine(provider)

	passages := initialPassages()
	_, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     passages,
		ChangedFiles: []string{"src/a.ts"},
		HeadCommit:   "def456",
		CollectFile:  memCollector(nil),
	})
	require.NoError(t, err)

	assert.Equal(t, initialPassages(), passages)
}

func TestSync_DeleteErrors_DoNotFailSync(t *testing.T) {
	provider := newFakeProvider()
	provider.failDeletes = map[string]bool{"p-1": true}
	engine := testEngine(provider)

	result, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     initialPassages(),
		ChangedFiles: []string{"src/a.ts"},
		HeadCommit:   "def456",
		CollectFile: memCollector(map[string]*scan.FileInfo{
			"src/a.ts": {Path: "src/a.ts", Content: "X"},
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesReIndexed)
	assert.Empty(t, result.FailedFiles)
}

func TestSync_ProgressOncePerFile(t *testing.T) {
	provider := newFakeProvider()
	provider.failStoreContaining = []string{"FILE: src/b.ts"}
	engine := testEngine(provider)

	type tick struct {
		completed, total int
		path             string
	}
	var ticks []tick

	_, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     initialPassages(),
		ChangedFiles: []string{"src/a.ts", "src/b.ts", "src/gone.ts"},
		HeadCommit:   "def456",
		CollectFile: memCollector(map[string]*scan.FileInfo{
			"src/a.ts": {Path: "src/a.ts", Content: "A"},
			"src/b.ts": {Path: "src/b.ts", Content: "B"},
		}),
		OnProgress: func(completed, total int, path string) {
			ticks = append(ticks, tick{completed, total, path})
		},
	})
	require.NoError(t, err)

	// One tick per file — success, failure and deletion alike.
	require.Len(t, ticks, 3)
	assert.Equal(t, tick{1, 3, "src/a.ts"}, ticks[0])
	assert.Equal(t, tick{2, 3, "src/b.ts"}, ticks[1])
	assert.Equal(t, tick{3, 3, "src/gone.ts"}, ticks[2])
}

func TestSync_CancellationBetweenFiles(t *testing.T) {
	provider := newFakeProvider()
	engine := testEngine(provider)

	ctx, cancel := context.WithCancel(context.Background())
	files := map[string]*scan.FileInfo{
		"a.go": {Path: "a.go", Content: "a"},
		"b.go": {Path: "b.go", Content: "b"},
	}

	_, err := engine.Sync(ctx, Request{
		AgentID:      "agent-1",
		Passages:     map[string][]string{},
		ChangedFiles: []string{"a.go", "b.go"},
		HeadCommit:   "def456",
		CollectFile: func(path string) (*scan.FileInfo, error) {
			cancel() // cancel while the first file is mid-flight
			return files[path], nil
		},
	})
	require.ErrorIs(t, err, context.Canceled)

	// The first file completed atomically before the cancel was observed.
	assert.Equal(t, 1, provider.storeCount())
}

func TestSync_WorkerPool_SameSemantics(t *testing.T) {
	provider := newFakeProvider()
	provider.failStoreContaining = []string{"FILE: src/a.ts"}
	engine := testEngine(provider)

	result, err := engine.Sync(context.Background(), Request{
		AgentID:      "agent-1",
		Passages:     initialPassages(),
		ChangedFiles: []string{"src/a.ts", "src/b.ts"},
		HeadCommit:   "def456",
		CollectFile: memCollector(map[string]*scan.FileInfo{
			"src/a.ts": {Path: "src/a.ts", Content: "A"},
			"src/b.ts": {Path: "src/b.ts", Content: "B"},
		}),
		Workers: 8,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"src/a.ts"}, result.FailedFiles)
	assert.Equal(t, []string{"p-1", "p-2"}, result.Passages["src/a.ts"])
	assert.Equal(t, 1, result.FilesReIndexed)
}

func TestCollectChanged_FiltersAndMapsBasePath(t *testing.T) {
	cfg := RepoConfig{
		Name:       "demo",
		BasePath:   "packages/core",
		Extensions: []string{".ts"},
		IgnoreDirs: []string{"node_modules"},
	}

	changed := CollectChanged([]string{
		"packages/core/src/a.ts",
		"packages/core/src/a.ts", // duplicate
		"packages/core/node_modules/x/y.ts",
		"packages/other/src/b.ts",
		"packages/core/README.md",
	}, cfg)

	assert.Equal(t, []string{"src/a.ts"}, changed)
}

func TestFullChangedSet_IncludesStaleTrackedPaths(t *testing.T) {
	collected := []scan.FileInfo{{Path: "a.go"}, {Path: "b.go"}}
	tracked := map[string][]string{
		"b.go":    {"p-1"},
		"gone.go": {"p-2"},
	}

	changed := FullChangedSet(collected, tracked)
	assert.Equal(t, []string{"a.go", "b.go", "gone.go"}, changed)
}

func TestNoChangesMessage(t *testing.T) {
	assert.Equal(t, "no changes (HEAD=abc123d)", NoChangesMessage("abc123def9999"))
}
