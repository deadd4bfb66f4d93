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

// Package state persists the per-repo reconciliation index.
//
// The state file is the single local record of which passages each agent
// holds for each file. Higher layers treat AppState as an immutable value:
// updates go through AgentPatch / WithAgent, which return fresh copies, and
// the result is persisted in one Save call.
package state

import (
	"time"
)

// StateVersion is the current on-disk schema version.
const StateVersion = 2

// AppState is the top-level persisted structure.
type AppState struct {
	// Version is the schema version of the file. Legacy files without the
	// field are migrated in-memory on load.
	Version int `json:"stateVersion"`

	// Agents maps repoName -> AgentState.
	Agents map[string]*AgentState `json:"agents"`
}

// AgentState records one repo's agent and its passage index.
type AgentState struct {
	// AgentID is the opaque identifier assigned by the memory provider.
	AgentID string `json:"agentId"`

	// RepoName is the key of this repo in the configuration.
	RepoName string `json:"repoName"`

	// Passages maps agent-root-relative file path -> ordered passage IDs.
	// Every listed ID was returned by a successful StorePassage call; the
	// copy-on-write sync discipline keeps the mapping consistent with the
	// provider without cross-checking.
	Passages map[string][]string `json:"passages"`

	// LastBootstrap is when the bootstrap prompts last completed, or nil.
	LastBootstrap *time.Time `json:"lastBootstrap"`

	// LastSyncCommit is the git object ID of the last completed sync.
	// Empty means no sync has completed yet.
	LastSyncCommit string `json:"lastSyncCommit,omitempty"`

	// LastSyncAt is when the last sync completed, or nil.
	LastSyncAt *time.Time `json:"lastSyncAt"`

	// CreatedAt is when the agent was created.
	CreatedAt time.Time `json:"createdAt"`
}

// AgentPatch holds the mutable fields of an AgentState. Nil fields are left
// unchanged by Apply.
type AgentPatch struct {
	Passages       map[string][]string
	LastBootstrap  *time.Time
	LastSyncCommit *string
	LastSyncAt     *time.Time
}

// NewAppState returns an empty state at the current version.
func NewAppState() *AppState {
	return &AppState{
		Version: StateVersion,
		Agents:  make(map[string]*AgentState),
	}
}

// Agent returns the state for repoName, or nil.
func (s *AppState) Agent(repoName string) *AgentState {
	if s == nil || s.Agents == nil {
		return nil
	}
	return s.Agents[repoName]
}

// WithAgent returns a copy of s with repoName set to agent. The receiver is
// not modified.
func (s *AppState) WithAgent(repoName string, agent *AgentState) *AppState {
	next := &AppState{
		Version: s.Version,
		Agents:  make(map[string]*AgentState, len(s.Agents)+1),
	}
	for k, v := range s.Agents {
		next.Agents[k] = v
	}
	next.Agents[repoName] = agent
	return next
}

// WithoutAgent returns a copy of s with repoName removed.
func (s *AppState) WithoutAgent(repoName string) *AppState {
	next := &AppState{
		Version: s.Version,
		Agents:  make(map[string]*AgentState, len(s.Agents)),
	}
	for k, v := range s.Agents {
		if k != repoName {
			next.Agents[k] = v
		}
	}
	return next
}

// Apply returns a copy of a with the patch applied. The receiver is not
// modified; the Passages map is cloned when replaced.
func (a *AgentState) Apply(p AgentPatch) *AgentState {
	next := *a
	if p.Passages != nil {
		next.Passages = clonePassages(p.Passages)
	}
	if p.LastBootstrap != nil {
		t := *p.LastBootstrap
		next.LastBootstrap = &t
	}
	if p.LastSyncCommit != nil {
		next.LastSyncCommit = *p.LastSyncCommit
	}
	if p.LastSyncAt != nil {
		t := *p.LastSyncAt
		next.LastSyncAt = &t
	}
	return &next
}

// PassageCount returns the total number of passage IDs tracked for a.
func (a *AgentState) PassageCount() int {
	n := 0
	for _, ids := range a.Passages {
		n += len(ids)
	}
	return n
}

func clonePassages(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for path, ids := range src {
		cp := make([]string, len(ids))
		copy(cp, ids)
		out[path] = cp
	}
	return out
}
