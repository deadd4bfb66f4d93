// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package sync

import (
	"context"
	"fmt"
	"strings"
	stdsync "sync"

	"github.com/kraklabs/rex/pkg/memory"
)

// fakeProvider is an in-memory Provider that records mutations and can be
// scripted to fail specific store calls.
type fakeProvider struct {
	mu stdsync.Mutex

	nextID   int
	stored   []memory.Passage // every stored passage in call order
	deleted  []string         // every deleted passage ID in call order
	passages map[string]string

	// failStoreContaining fails StorePassage when the text contains any of
	// these substrings.
	failStoreContaining []string

	// failDeletes fails DeletePassage for these IDs.
	failDeletes map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{passages: make(map[string]string)}
}

func (f *fakeProvider) CreateAgent(_ context.Context, params memory.CreateAgentParams) (string, error) {
	return "agent-" + params.RepoName, nil
}

func (f *fakeProvider) DeleteAgent(context.Context, string) error { return nil }

func (f *fakeProvider) StorePassage(_ context.Context, _ string, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, fragment := range f.failStoreContaining {
		if fragment != "" && strings.Contains(text, fragment) {
			return "", &memory.HTTPStatusError{Status: 500, Body: "scripted failure"}
		}
	}

	f.nextID++
	id := fmt.Sprintf("new-%d", f.nextID)
	f.stored = append(f.stored, memory.Passage{ID: id, Text: text})
	f.passages[id] = text
	return id, nil
}

func (f *fakeProvider) DeletePassage(_ context.Context, _ string, passageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failDeletes[passageID] {
		return &memory.HTTPStatusError{Status: 500, Body: "scripted delete failure"}
	}
	f.deleted = append(f.deleted, passageID)
	delete(f.passages, passageID)
	return nil
}

func (f *fakeProvider) ListPassages(context.Context, string) ([]memory.Passage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []memory.Passage
	for id, text := range f.passages {
		out = append(out, memory.Passage{ID: id, Text: text})
	}
	return out, nil
}

func (f *fakeProvider) GetBlock(context.Context, string, string) (memory.Block, error) {
	return memory.Block{}, nil
}

func (f *fakeProvider) SendMessage(context.Context, string, string, *memory.SendOptions) (string, error) {
	return "ok", nil
}

func (f *fakeProvider) storeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func (f *fakeProvider) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}
