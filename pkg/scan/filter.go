// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scan enumerates and chunks the indexable files of a repository.
package scan

import (
	"path/filepath"
	"strings"
)

// FileInfo is the transient view of one indexable file.
type FileInfo struct {
	// Path is agent-root-relative with forward slashes.
	Path string

	// Content is the file text.
	Content string

	// SizeKB is the content size divided by 1024.
	SizeKB float64
}

// Filter decides which files are indexable.
type Filter struct {
	// Extensions are the allowed file extensions, each starting with ".".
	Extensions []string

	// IgnoreDirs are directory segment names to skip. Matching is
	// segment-exact, never substring.
	IgnoreDirs []string

	// MaxFileSizeKB is the per-file ceiling. Zero means no limit.
	MaxFileSizeKB float64
}

// Indexable reports whether a file at relPath with the given size passes the
// filter: extension matches exactly, size does not exceed the ceiling, and no path
// segment equals an ignored directory name.
func (f Filter) Indexable(relPath string, sizeKB float64) bool {
	if !f.MatchesPath(relPath) {
		return false
	}
	if f.MaxFileSizeKB > 0 && sizeKB > f.MaxFileSizeKB {
		return false
	}
	return true
}

// MatchesPath applies the extension and ignore-dir checks only. Used by the
// watch orchestrator, which filters events before file sizes are known.
func (f Filter) MatchesPath(relPath string) bool {
	if !f.matchesExtension(relPath) {
		return false
	}
	return !f.ignoredSegment(relPath)
}

func (f Filter) matchesExtension(relPath string) bool {
	ext := filepath.Ext(relPath)
	if ext == "" {
		return false
	}
	for _, allowed := range f.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (f Filter) ignoredSegment(relPath string) bool {
	if len(f.IgnoreDirs) == 0 {
		return false
	}
	normalized := filepath.ToSlash(relPath)
	for _, seg := range strings.Split(normalized, "/") {
		for _, ignored := range f.IgnoreDirs {
			if seg == ignored {
				return true
			}
		}
	}
	return false
}
