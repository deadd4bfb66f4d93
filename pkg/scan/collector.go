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

package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Collector enumerates the indexable files of one repository.
//
// Returned paths are agent-root-relative: repo-relative with the configured
// base path stripped, forward slashes on every platform. Symbolic links are
// not followed; dotfiles are included.
type Collector struct {
	// RepoPath is the absolute repository path.
	RepoPath string

	// BasePath optionally names a sub-directory whose contents form the
	// agent's logical root.
	BasePath string

	// Filter is the indexability predicate.
	Filter Filter

	// IncludeSubmodules expands initialized submodules one level deep.
	IncludeSubmodules bool
}

// Root returns the absolute directory that forms the agent's logical root.
func (c *Collector) Root() string {
	if c.BasePath == "" {
		return c.RepoPath
	}
	return filepath.Join(c.RepoPath, c.BasePath)
}

// CollectAll walks the agent root and returns every indexable file, content
// loaded, in walk order. Initialized submodules are expanded when enabled;
// nested submodules are not recursed.
func (c *Collector) CollectAll(ctx context.Context) ([]FileInfo, error) {
	files, err := c.collectTree(ctx, c.Root(), "")
	if err != nil {
		return nil, err
	}

	if c.IncludeSubmodules {
		subs, err := ListSubmodules(ctx, c.RepoPath)
		if err != nil {
			return nil, fmt.Errorf("list submodules: %w", err)
		}
		for _, sub := range subs {
			if !sub.Initialized {
				continue
			}
			subRoot := filepath.Join(c.RepoPath, filepath.FromSlash(sub.Path))
			subFiles, err := c.collectTree(ctx, subRoot, sub.Path+"/")
			if err != nil {
				return nil, fmt.Errorf("collect submodule %s: %w", sub.Path, err)
			}
			files = append(files, subFiles...)
		}
	}

	return files, nil
}

// collectTree walks root and returns indexable files with prefix prepended
// to each relative path.
func (c *Collector) collectTree(ctx context.Context, root, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			// Prune ignored directories early so large trees like
			// node_modules are never descended into.
			if c.Filter.ignoredSegment(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		sizeKB := float64(info.Size()) / 1024

		if !c.Filter.Indexable(rel, sizeKB) {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}

		files = append(files, FileInfo{
			Path:    prefix + rel,
			Content: string(content),
			SizeKB:  sizeKB,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	return files, nil
}

// CollectFile reads one agent-root-relative file. Returns (nil, nil) when the
// file no longer exists or is not a regular file; the caller treats that as
// a deletion. Size limits are not applied here — the sync engine classifies
// oversized files itself.
func (c *Collector) CollectFile(relPath string) (*FileInfo, error) {
	full := filepath.Join(c.Root(), filepath.FromSlash(relPath))

	info, err := os.Lstat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		return nil, nil
	}

	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}

	return &FileInfo{
		Path:    relPath,
		Content: string(content),
		SizeKB:  float64(info.Size()) / 1024,
	}, nil
}
