// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0750))
	require.NoError(t, os.WriteFile(full, []byte(content), 0600))
}

func testCollector(root string) *Collector {
	return &Collector{
		RepoPath: root,
		Filter: Filter{
			Extensions: []string{".go", ".md"},
			IgnoreDirs: []string{"vendor"},
		},
	}
}

func TestCollector_CollectAll(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, "docs/readme.md", "# hi")
	writeFile(t, root, "vendor/dep/dep.go", "package dep")
	writeFile(t, root, "assets/logo.png", "binary")
	writeFile(t, root, ".hidden.md", "dot")

	files, err := testCollector(root).CollectAll(context.Background())
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{".hidden.md", "docs/readme.md", "main.go"}, paths)
}

func TestCollector_BasePath_StripsPrefix(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "packages/core/src/a.go", "package a")
	writeFile(t, root, "outside.go", "package outside")

	c := testCollector(root)
	c.BasePath = "packages/core"

	files, err := c.CollectAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "src/a.go", files[0].Path)
}

func TestCollector_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "real.go", "package real")
	require.NoError(t, os.Symlink(
		filepath.Join(root, "real.go"),
		filepath.Join(root, "link.go"),
	))

	files, err := testCollector(root).CollectAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "real.go", files[0].Path)
}

func TestCollector_CollectFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.go", "package a")

	c := testCollector(root)

	f, err := c.CollectFile("src/a.go")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "src/a.go", f.Path)
	assert.Equal(t, "package a", f.Content)
	assert.InDelta(t, float64(len("package a"))/1024, f.SizeKB, 0.001)
}

func TestCollector_CollectFile_Missing(t *testing.T) {
	c := testCollector(t.TempDir())
	f, err := c.CollectFile("gone.go")
	require.NoError(t, err)
	assert.Nil(t, f)
}
