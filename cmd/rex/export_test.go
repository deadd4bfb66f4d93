// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/rex/pkg/memory"
)

func TestPassagesByFile_GroupsByHeader(t *testing.T) {
	passages := []memory.Passage{
		{ID: "p-1", Text: "FILE: src/a.go\npackage a"},
		{ID: "p-2", Text: "func more() {}"},
		{ID: "p-3", Text: "FILE: src/b.go\npackage b"},
	}

	grouped := passagesByFile(passages)
	require.Len(t, grouped, 2)
	require.Len(t, grouped["src/a.go"], 2)
	assert.Equal(t, "package a", grouped["src/a.go"][0].text)
	assert.Equal(t, "func more() {}", grouped["src/a.go"][1].text)
	require.Len(t, grouped["src/b.go"], 1)
}

func TestRenderExport(t *testing.T) {
	grouped := passagesByFile([]memory.Passage{
		{ID: "p-1", Text: "FILE: b.go\npackage b"},
		{ID: "p-2", Text: "FILE: a.go\npackage a"},
	})

	doc := renderExport("demo", "abc123", grouped)

	assert.True(t, strings.HasPrefix(doc, "# demo — agent memory export\n"))
	assert.Contains(t, doc, "`abc123`")
	// Files are sorted in the document.
	assert.Less(t, strings.Index(doc, "## a.go"), strings.Index(doc, "## b.go"))
	assert.Contains(t, doc, "package a")
}
