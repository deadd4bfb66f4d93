// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package scan

import (
	"log/slog"
)

// Chunk is one text unit destined for the memory provider.
type Chunk struct {
	// Text is the chunk body. The first chunk of every file begins with a
	// "FILE: <path>" header line so file-level passages can be located by
	// prefix later (used by export).
	Text string

	// SourcePath is the originating file, for logging.
	SourcePath string
}

// Chunker maps one file to a deterministic, finite, order-preserving
// sequence of chunks. Implementations do no I/O.
type Chunker interface {
	Chunk(file FileInfo) []Chunk
	Name() string
}

// Strategy names accepted in configuration.
const (
	StrategyRaw        = "raw"
	StrategyTreeSitter = "tree-sitter"
)

// ChunkerForStrategy resolves a strategy name to a Chunker. Unknown names
// fall back to raw.
func ChunkerForStrategy(name string, logger *slog.Logger) Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	switch name {
	case StrategyTreeSitter:
		logger.Info("chunker.mode", "mode", StrategyTreeSitter)
		return NewTreeSitterChunker(logger)
	case StrategyRaw, "":
		return RawChunker{}
	default:
		logger.Warn("chunker.mode.unknown", "mode", name, "fallback", StrategyRaw)
		return RawChunker{}
	}
}

// fileHeader builds the "FILE:" header line for a file.
func fileHeader(path string) string {
	return "FILE: " + path + "\n"
}

// RawChunker emits a single chunk per file: the FILE header followed by the
// full content.
type RawChunker struct{}

// Name implements Chunker.
func (RawChunker) Name() string { return StrategyRaw }

// Chunk implements Chunker.
func (RawChunker) Chunk(file FileInfo) []Chunk {
	return []Chunk{{
		Text:       fileHeader(file.Path) + file.Content,
		SourcePath: file.Path,
	}}
}
