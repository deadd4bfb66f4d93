// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sync reconciles a repository working tree with its agent's passage
// set at the memory provider, under a copy-on-write discipline.
package sync

import (
	"github.com/kraklabs/rex/pkg/scan"
)

// RepoConfig is the immutable view of one repo's indexing policy. Built by
// the CLI config loader from the validated YAML; the core never re-validates.
type RepoConfig struct {
	// Name is the repo's key in the configuration.
	Name string

	// Path is the absolute repository path.
	Path string

	// BasePath optionally names the sub-directory that forms the agent's
	// logical root.
	BasePath string

	// Description is passed through to the agent at creation.
	Description string

	// Extensions are the indexable file extensions, each starting with ".".
	Extensions []string

	// IgnoreDirs are directory segment names excluded from indexing.
	IgnoreDirs []string

	// MaxFileSizeKB is the per-file ceiling. Zero means no limit.
	MaxFileSizeKB float64

	// MemoryBlockLimit is the byte limit for each agent memory block.
	MemoryBlockLimit int

	// BootstrapOnCreate runs the bootstrap prompts after first indexing.
	BootstrapOnCreate bool

	// Tags, Persona and Tools are passed through to agent creation.
	Tags    []string
	Persona string
	Tools   []string

	// IncludeSubmodules expands initialized submodules during collection.
	IncludeSubmodules bool
}

// Filter builds the indexability predicate for this repo.
func (c RepoConfig) Filter() scan.Filter {
	return scan.Filter{
		Extensions:    c.Extensions,
		IgnoreDirs:    c.IgnoreDirs,
		MaxFileSizeKB: c.MaxFileSizeKB,
	}
}

// Collector builds the file collector for this repo.
func (c RepoConfig) Collector() *scan.Collector {
	return &scan.Collector{
		RepoPath:          c.Path,
		BasePath:          c.BasePath,
		Filter:            c.Filter(),
		IncludeSubmodules: c.IncludeSubmodules,
	}
}
