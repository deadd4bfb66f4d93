// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent holds the question-answering surfaces over repo-expert
// agents: broadcast fan-out, the answer cache, and the bootstrap prompt
// sequence.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kraklabs/rex/pkg/memory"
)

// DefaultBroadcastTimeout bounds each agent's reply.
const DefaultBroadcastTimeout = 30 * time.Second

// Target names one agent to query.
type Target struct {
	RepoName string
	AgentID  string
}

// BroadcastResult is one agent's outcome. Exactly one of Response and Err is
// meaningful.
type BroadcastResult struct {
	RepoName string
	AgentID  string
	Response string
	Err      error
}

// Broadcaster fans a question out to several agents in parallel. Failures
// are captured per agent, never propagated; the result list preserves input
// order.
type Broadcaster struct {
	Provider memory.Provider
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Ask queries every target concurrently, racing each against the per-agent
// timeout, and returns one result per target in input order.
func (b *Broadcaster) Ask(ctx context.Context, targets []Target, question string, opts *memory.SendOptions) []BroadcastResult {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = DefaultBroadcastTimeout
	}

	results := make([]BroadcastResult, len(targets))
	var wg sync.WaitGroup

	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()

			askCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			reply, err := b.Provider.SendMessage(askCtx, target.AgentID, question, opts)
			results[i] = BroadcastResult{
				RepoName: target.RepoName,
				AgentID:  target.AgentID,
				Response: reply,
				Err:      err,
			}
			if err != nil {
				logger.Warn("broadcast.agent.error", "repo", target.RepoName, "err", err)
			}
		}(i, target)
	}

	wg.Wait()
	return results
}
