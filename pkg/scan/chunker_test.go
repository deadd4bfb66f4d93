// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package scan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawChunker_SingleChunkWithHeader(t *testing.T) {
	chunks := RawChunker{}.Chunk(FileInfo{Path: "src/a.ts", Content: "X"})
	require.Len(t, chunks, 1)
	assert.Equal(t, "FILE: src/a.ts\nX", chunks[0].Text)
	assert.Equal(t, "src/a.ts", chunks[0].SourcePath)
}

func TestTreeSitterChunker_HeaderOnFirstChunk(t *testing.T) {
	src := `package demo

func A() int { return 1 }

func B() int { return 2 }
`
	c := NewTreeSitterChunker(nil)
	chunks := c.Chunk(FileInfo{Path: "demo.go", Content: src})
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "FILE: demo.go\n"))

	// Concatenated chunks (minus the header) reproduce the file.
	var sb strings.Builder
	for i, ch := range chunks {
		text := ch.Text
		if i == 0 {
			text = strings.TrimPrefix(text, "FILE: demo.go\n")
		}
		sb.WriteString(text)
	}
	assert.Equal(t, src, sb.String())
}

func TestTreeSitterChunker_Deterministic(t *testing.T) {
	src := "package demo\n\nfunc A() {}\n"
	c := NewTreeSitterChunker(nil)
	first := c.Chunk(FileInfo{Path: "demo.go", Content: src})
	second := c.Chunk(FileInfo{Path: "demo.go", Content: src})
	assert.Equal(t, first, second)
}

func TestTreeSitterChunker_UnsupportedExtensionFallsBack(t *testing.T) {
	c := NewTreeSitterChunker(nil)
	chunks := c.Chunk(FileInfo{Path: "notes.md", Content: "# hi"})
	require.Len(t, chunks, 1)
	assert.Equal(t, "FILE: notes.md\n# hi", chunks[0].Text)
}

func TestChunkerForStrategy(t *testing.T) {
	assert.Equal(t, StrategyRaw, ChunkerForStrategy("", nil).Name())
	assert.Equal(t, StrategyRaw, ChunkerForStrategy("raw", nil).Name())
	assert.Equal(t, StrategyTreeSitter, ChunkerForStrategy("tree-sitter", nil).Name())
	assert.Equal(t, StrategyRaw, ChunkerForStrategy("bogus", nil).Name())
}

func TestMergeSpans(t *testing.T) {
	spans := []span{{0, 4000}, {4000, 5000}, {5000, 9000}, {9000, 9100}}
	merged := mergeSpans(spans)
	// 0..5000 fits under target; adding 5000..9000 would exceed it.
	require.Len(t, merged, 2)
	assert.Equal(t, span{0, 5000}, merged[0])
	assert.Equal(t, span{5000, 9100}, merged[1])
}
