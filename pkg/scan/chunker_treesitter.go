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
	"log/slog"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// targetChunkBytes is the soft ceiling for one chunk. Adjacent top-level
// declarations are merged until the next one would cross it.
const targetChunkBytes = 6144

// TreeSitterChunker splits files on top-level declaration boundaries using
// Tree-sitter ASTs. Supported languages: Go, Python, JavaScript, TypeScript.
// Other extensions fall back to the raw single-chunk form. The FILE header
// convention is preserved: the first chunk of every file starts with
// "FILE: <path>".
type TreeSitterChunker struct {
	logger *slog.Logger

	// Language parser pools (parsers are not thread-safe).
	goPool     sync.Pool
	pyPool     sync.Pool
	jsPool     sync.Pool
	tsPool     sync.Pool
	parserInit sync.Once
}

// NewTreeSitterChunker creates a Tree-sitter based chunker.
func NewTreeSitterChunker(logger *slog.Logger) *TreeSitterChunker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TreeSitterChunker{logger: logger}
}

// Name implements Chunker.
func (c *TreeSitterChunker) Name() string { return StrategyTreeSitter }

func (c *TreeSitterChunker) initParsers() {
	c.parserInit.Do(func() {
		c.goPool.New = func() any {
			parser := sitter.NewParser()
			parser.SetLanguage(golang.GetLanguage())
			return parser
		}
		c.pyPool.New = func() any {
			parser := sitter.NewParser()
			parser.SetLanguage(python.GetLanguage())
			return parser
		}
		c.jsPool.New = func() any {
			parser := sitter.NewParser()
			parser.SetLanguage(javascript.GetLanguage())
			return parser
		}
		c.tsPool.New = func() any {
			parser := sitter.NewParser()
			parser.SetLanguage(typescript.GetLanguage())
			return parser
		}
	})
}

// poolForPath maps a file extension to its parser pool, or nil when the
// language is unsupported.
func (c *TreeSitterChunker) poolForPath(path string) *sync.Pool {
	switch extOf(path) {
	case ".go":
		return &c.goPool
	case ".py":
		return &c.pyPool
	case ".js", ".jsx", ".mjs", ".cjs":
		return &c.jsPool
	case ".ts", ".tsx":
		return &c.tsPool
	}
	return nil
}

// Chunk implements Chunker. Splitting is deterministic: chunk boundaries
// depend only on the file content and path.
func (c *TreeSitterChunker) Chunk(file FileInfo) []Chunk {
	c.initParsers()

	pool := c.poolForPath(file.Path)
	if pool == nil {
		return RawChunker{}.Chunk(file)
	}

	parser := pool.Get().(*sitter.Parser)
	defer pool.Put(parser)

	src := []byte(file.Content)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil || tree == nil {
		c.logger.Warn("chunker.parse.error", "path", file.Path, "err", err)
		return RawChunker{}.Chunk(file)
	}
	defer tree.Close()

	root := tree.RootNode()
	boundaries := topLevelBoundaries(root, uint32(len(src)))
	if len(boundaries) == 0 {
		return RawChunker{}.Chunk(file)
	}

	chunks := make([]Chunk, 0, len(boundaries))
	for i, span := range mergeSpans(boundaries) {
		text := string(src[span.start:span.end])
		if i == 0 {
			text = fileHeader(file.Path) + text
		}
		chunks = append(chunks, Chunk{Text: text, SourcePath: file.Path})
	}
	return chunks
}

// span is a half-open byte range within the source.
type span struct {
	start, end uint32
}

// topLevelBoundaries returns one span per top-level named node, padded so
// the spans cover the entire file (leading comments and blank runs attach to
// the following declaration).
func topLevelBoundaries(root *sitter.Node, srcLen uint32) []span {
	count := int(root.NamedChildCount())
	if count == 0 {
		return nil
	}

	spans := make([]span, 0, count)
	var cursor uint32
	for i := 0; i < count; i++ {
		child := root.NamedChild(i)
		end := child.EndByte()
		if end > srcLen {
			end = srcLen
		}
		spans = append(spans, span{start: cursor, end: end})
		cursor = end
	}
	if cursor < srcLen {
		spans[len(spans)-1].end = srcLen
	}
	return spans
}

// mergeSpans coalesces adjacent spans until the next span would push a chunk
// past targetChunkBytes. A single oversized declaration stays whole.
func mergeSpans(spans []span) []span {
	merged := make([]span, 0, len(spans))
	current := spans[0]
	for _, s := range spans[1:] {
		if s.end-current.start > targetChunkBytes {
			merged = append(merged, current)
			current = s
			continue
		}
		current.end = s.end
	}
	return append(merged, current)
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[i:]
		case '/':
			return ""
		}
	}
	return ""
}
