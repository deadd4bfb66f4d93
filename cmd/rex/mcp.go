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

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kraklabs/rex/pkg/agent"
	"github.com/kraklabs/rex/pkg/memory"
	"github.com/kraklabs/rex/pkg/scan"
	"github.com/kraklabs/rex/pkg/state"
	rexsync "github.com/kraklabs/rex/pkg/sync"
)

const mcpServerName = "rex"

// rexInstructions is the MCP instructions text sent to agents on initialize.
const rexInstructions = `rex exposes long-lived repo-expert agents. Each agent holds one git
repository's files in its archival memory and stays in sync with the tree.

Tools:
  rex_ask     Ask the experts a question. Omit "repo" to broadcast to all
              configured repos; answers come back per repo.
  rex_status  Show configured repos, their agents, and sync freshness.
  rex_sync    Reconcile one repo's agent with the current HEAD before
              asking about very recent changes.

Ask questions in plain English. Prefer rex_status first when answers seem
stale, and rex_sync to refresh a repo after local commits.`

// jsonRPCRequest represents a JSON-RPC 2.0 request from the MCP client.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonRPCResponse represents a JSON-RPC 2.0 response to the MCP client.
type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type mcpCapabilities struct {
	Tools map[string]any `json:"tools,omitempty"`
}

type mcpInitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    mcpCapabilities `json:"capabilities"`
	ServerInfo      mcpServerInfo   `json:"serverInfo"`
	Instructions    string          `json:"instructions"`
}

// mcpTool describes a single tool exposed by the MCP server.
type mcpTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type mcpToolsListResult struct {
	Tools []mcpTool `json:"tools"`
}

type mcpToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// mcpToolResult is the result of a tool execution.
type mcpToolResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// mcpServer holds the shared collaborators for tool calls.
type mcpServer struct {
	cfg       *Config
	provider  memory.Provider
	chunker   scan.Chunker
	store     *state.Store
	statePath string
	cache     *agent.AnswerCache
}

// runMCPServer starts the rex Model Context Protocol server: JSON-RPC 2.0
// over stdin/stdout, exposing rex_ask, rex_status and rex_sync. It runs
// until stdin closes.
func runMCPServer(globals GlobalFlags) {
	cfg, err := LoadConfig(globals.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rex MCP: cannot load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(globals, false)

	server := &mcpServer{
		cfg:       cfg,
		provider:  newProvider(cfg, logger),
		chunker:   newChunker(cfg, logger),
		store:     state.NewStore(),
		statePath: globals.StatePath,
		cache:     agent.NewAnswerCache(0),
	}

	fmt.Fprintf(os.Stderr, "rex MCP server v%s starting (repos: %s)\n",
		version, strings.Join(cfg.RepoNames(), ", "))

	serveMCPLoop(server)
}

// serveMCPLoop reads JSON-RPC requests from stdin and writes responses to
// stdout, one JSON object per line.
func serveMCPLoop(server *mcpServer) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)
	encoder := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			_ = encoder.Encode(jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error"},
			})
			continue
		}

		resp := server.handle(req)
		if resp == nil {
			continue // notification, no response
		}
		_ = encoder.Encode(resp)
	}
}

// handle dispatches one JSON-RPC request.
func (s *mcpServer) handle(req jsonRPCRequest) *jsonRPCResponse {
	switch req.Method {
	case "initialize":
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: mcpInitializeResult{
				ProtocolVersion: "2024-11-05",
				Capabilities:    mcpCapabilities{Tools: map[string]any{}},
				ServerInfo:      mcpServerInfo{Name: mcpServerName, Version: version},
				Instructions:    rexInstructions,
			},
		}
	case "notifications/initialized":
		return nil
	case "tools/list":
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  mcpToolsListResult{Tools: s.toolList()},
		}
	case "tools/call":
		var params mcpToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return &jsonRPCResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: -32602, Message: "invalid params"},
			}
		}
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  s.callTool(params),
		}
	default:
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32601, Message: "method not found: " + req.Method},
		}
	}
}

// toolList describes the exposed tools.
func (s *mcpServer) toolList() []mcpTool {
	repoSchema := map[string]any{
		"type":        "string",
		"description": "Repo name from the rex configuration",
	}
	return []mcpTool{
		{
			Name:        "rex_ask",
			Description: "Ask the repo-expert agents a question. Omit repo to broadcast to all.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string", "description": "Question in plain English"},
					"repo":     repoSchema,
					"no_cache": map[string]any{"type": "boolean", "description": "Bypass the answer cache"},
				},
				"required": []string{"question"},
			},
		},
		{
			Name:        "rex_status",
			Description: "Show configured repos, their agents and sync freshness.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "rex_sync",
			Description: "Reconcile one repo's agent with the current HEAD.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"repo": repoSchema},
				"required":   []string{"repo"},
			},
		},
	}
}

// callTool executes one tool and wraps the outcome as MCP content.
func (s *mcpServer) callTool(params mcpToolCallParams) mcpToolResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var (
		text string
		err  error
	)
	switch params.Name {
	case "rex_ask":
		text, err = s.toolAsk(ctx, params.Arguments)
	case "rex_status":
		text, err = s.toolStatus()
	case "rex_sync":
		text, err = s.toolSync(ctx, params.Arguments)
	default:
		err = fmt.Errorf("unknown tool: %s", params.Name)
	}

	if err != nil {
		return mcpToolResult{
			Content: []mcpContent{{Type: "text", Text: "Error: " + err.Error()}},
			IsError: true,
		}
	}
	return mcpToolResult{Content: []mcpContent{{Type: "text", Text: text}}}
}

// toolAsk broadcasts a question, serving repeats from the answer cache.
func (s *mcpServer) toolAsk(ctx context.Context, args map[string]any) (string, error) {
	question, _ := args["question"].(string)
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("question is required")
	}
	repoFilter, _ := args["repo"].(string)
	noCache, _ := args["no_cache"].(bool)

	appState, err := s.store.Load(s.statePath)
	if err != nil {
		return "", err
	}

	names := s.cfg.RepoNames()
	if repoFilter != "" {
		names = []string{repoFilter}
	}

	var sb strings.Builder
	var targets []agent.Target
	commits := make(map[string]string)

	for _, name := range names {
		a := appState.Agent(name)
		if a == nil || a.AgentID == "" {
			fmt.Fprintf(&sb, "## %s\n\n(not set up; run 'rex setup %s')\n\n", name, name)
			continue
		}

		key := agent.CacheKey(a.AgentID, question, s.cfg.Provider.Model, a.LastSyncCommit)
		if !noCache {
			if cached, ok := s.cache.Get(key); ok {
				fmt.Fprintf(&sb, "## %s (cached)\n\n%s\n\n", name, cached)
				continue
			}
		}
		targets = append(targets, agent.Target{RepoName: name, AgentID: a.AgentID})
		commits[a.AgentID] = a.LastSyncCommit
	}

	broadcaster := &agent.Broadcaster{Provider: s.provider}
	for _, r := range broadcaster.Ask(ctx, targets, question, nil) {
		if r.Err != nil {
			fmt.Fprintf(&sb, "## %s\n\nError: %v\n\n", r.RepoName, r.Err)
			continue
		}
		if !noCache {
			s.cache.Put(agent.CacheKey(r.AgentID, question, s.cfg.Provider.Model, commits[r.AgentID]), r.Response)
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", r.RepoName, r.Response)
	}

	return strings.TrimSpace(sb.String()), nil
}

// toolStatus summarizes the state file.
func (s *mcpServer) toolStatus() (string, error) {
	appState, err := s.store.Load(s.statePath)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, name := range s.cfg.RepoNames() {
		a := appState.Agent(name)
		if a == nil || a.AgentID == "" {
			fmt.Fprintf(&sb, "%s: not set up\n", name)
			continue
		}
		lastSync := "never"
		if a.LastSyncCommit != "" {
			lastSync = rexsync.ShortCommit(a.LastSyncCommit)
		}
		fmt.Fprintf(&sb, "%s: agent=%s files=%d passages=%d last_sync=%s\n",
			name, a.AgentID, len(a.Passages), a.PassageCount(), lastSync)
	}
	return sb.String(), nil
}

// toolSync runs a one-shot HEAD-driven sync for one repo.
func (s *mcpServer) toolSync(ctx context.Context, args map[string]any) (string, error) {
	name, _ := args["repo"].(string)
	if name == "" {
		return "", fmt.Errorf("repo is required")
	}

	engine := &rexsync.Engine{Provider: s.provider, Chunker: s.chunker}
	result, err := syncOneRepo(ctx, s.cfg, name, engine, s.store, s.statePath, false)
	if err != nil {
		return "", err
	}
	if result == nil {
		return name + ": no changes", nil
	}
	return fmt.Sprintf("%s: %d files re-indexed, %d removed, %d failed (HEAD=%s)",
		name, result.FilesReIndexed, result.FilesRemoved, len(result.FailedFiles),
		rexsync.ShortCommit(result.LastSyncCommit)), nil
}
