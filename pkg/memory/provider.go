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

// Package memory abstracts the remote memory-service provider that hosts
// repo-expert agents. The sync engine and the CLI consume the Provider
// interface; the Letta HTTP client is the default implementation. Every
// operation passes through a uniform retry wrapper that distinguishes
// transient from permanent failures.
package memory

import (
	"context"
)

// Fixed memory block labels attached to every agent at creation.
const (
	BlockPersona      = "persona"
	BlockArchitecture = "architecture"
	BlockConventions  = "conventions"
)

// CreateAgentParams configures a new agent.
type CreateAgentParams struct {
	Name             string
	RepoName         string
	Description      string
	Tags             []string
	Model            string
	Embedding        string
	MemoryBlockLimit int
	Persona          string
	Tools            []string
}

// Passage is a stored text unit addressable by opaque ID.
type Passage struct {
	ID   string
	Text string
}

// Block is a fixed-label, size-limited memory slot on an agent.
type Block struct {
	Value string
	Limit int
}

// SendOptions tune a single SendMessage call.
type SendOptions struct {
	// OverrideModel routes the message to a different model for this call.
	OverrideModel string

	// MaxSteps caps the agent's internal tool-use loop. Zero means the
	// provider default.
	MaxSteps int
}

// Provider is the capability set the core needs from a memory service.
type Provider interface {
	// CreateAgent creates an agent with the persona, architecture and
	// conventions blocks attached, each limited to MemoryBlockLimit bytes.
	CreateAgent(ctx context.Context, params CreateAgentParams) (string, error)

	// DeleteAgent removes an agent and all of its passages.
	DeleteAgent(ctx context.Context, agentID string) error

	// StorePassage stores text and returns the new passage ID. An empty
	// returned ID is an error, never a valid result.
	StorePassage(ctx context.Context, agentID, text string) (string, error)

	// DeletePassage removes a passage. A 404 counts as success: the
	// passage is already gone.
	DeletePassage(ctx context.Context, agentID, passageID string) error

	// ListPassages yields every passage, paginating internally with a
	// stable ascending cursor.
	ListPassages(ctx context.Context, agentID string) ([]Passage, error)

	// GetBlock reads one memory block by label.
	GetBlock(ctx context.Context, agentID, label string) (Block, error)

	// SendMessage sends text to the agent and returns the reply.
	SendMessage(ctx context.Context, agentID, text string, opts *SendOptions) (string, error)
}
