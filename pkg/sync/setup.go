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

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kraklabs/rex/pkg/memory"
	"github.com/kraklabs/rex/pkg/scan"
	"github.com/kraklabs/rex/pkg/state"
)

// SetupMode is the resume point determined from the current agent state.
type SetupMode string

const (
	ModeCreate          SetupMode = "create"
	ModeResumeFull      SetupMode = "resume_full"
	ModeResumeBootstrap SetupMode = "resume_bootstrap"
	ModeReindexFull     SetupMode = "reindex_full"
	ModeSkip            SetupMode = "skip"
)

// SetupOptions tune the cold-start pipeline.
type SetupOptions struct {
	// Reindex forces a full re-index even when the agent is current.
	Reindex bool

	// SkipBootstrap suppresses the bootstrap stage regardless of config.
	SkipBootstrap bool

	// IndexTimeout bounds one attempt of the passage-load stage.
	IndexTimeout time.Duration

	// BootstrapTimeout bounds one attempt of the bootstrap stage.
	BootstrapTimeout time.Duration

	// StageRetries is the per-stage retry budget.
	StageRetries int

	// UploadWindow caps concurrent StorePassage calls during the initial
	// load.
	UploadWindow int

	// OnProgress reports per-file indexing progress.
	OnProgress ProgressFunc
}

// withDefaults fills unset options.
func (o SetupOptions) withDefaults() SetupOptions {
	if o.IndexTimeout == 0 {
		o.IndexTimeout = 5 * time.Minute
	}
	if o.BootstrapTimeout == 0 {
		o.BootstrapTimeout = 2 * time.Minute
	}
	if o.StageRetries == 0 {
		o.StageRetries = 3
	}
	if o.UploadWindow == 0 {
		o.UploadWindow = 20
	}
	return o
}

// BootstrapFunc runs the bootstrap prompt sequence against an agent. Wired
// from the agent package by the CLI so the pipeline stays decoupled from
// prompt content.
type BootstrapFunc func(ctx context.Context, agentID string) error

// Setup is the resumable cold-start pipeline: create → index → bootstrap.
// After each stage the new state is persisted through the supplied callback,
// so a crash between stages resumes cleanly on the next run.
type Setup struct {
	Provider  memory.Provider
	Chunker   scan.Chunker
	Logger    *slog.Logger
	Bootstrap BootstrapFunc

	// Model and Embedding configure agent creation.
	Model     string
	Embedding string
}

// SetupResult reports what the pipeline did.
type SetupResult struct {
	Mode  SetupMode
	Agent *state.AgentState
	Sync  *Result // nil when no indexing ran
}

// DetectMode decides the resume point.
func DetectMode(agent *state.AgentState, cfg RepoConfig, opts SetupOptions) SetupMode {
	if agent == nil || agent.AgentID == "" {
		return ModeCreate
	}
	if opts.Reindex {
		return ModeReindexFull
	}
	if len(agent.Passages) == 0 || agent.LastSyncCommit == "" {
		return ModeResumeFull
	}
	if cfg.BootstrapOnCreate && !opts.SkipBootstrap && agent.LastBootstrap == nil {
		return ModeResumeBootstrap
	}
	return ModeSkip
}

// Run executes the pipeline for one repo. persist is called with the updated
// agent state after every completed stage.
func (s *Setup) Run(ctx context.Context, cfg RepoConfig, agent *state.AgentState, opts SetupOptions, persist func(*state.AgentState) error) (*SetupResult, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	mode := DetectMode(agent, cfg, opts)
	logger.Info("setup.start", "repo", cfg.Name, "mode", string(mode))

	if mode == ModeSkip {
		return &SetupResult{Mode: mode, Agent: agent}, nil
	}

	// Stage 1: create the agent.
	if mode == ModeCreate {
		created, err := s.createAgent(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create agent: %w", err)
		}
		agent = created
		if err := persist(agent); err != nil {
			return nil, fmt.Errorf("persist after create: %w", err)
		}
		logger.Info("setup.agent.created", "repo", cfg.Name, "agent_id", agent.AgentID)
	}

	result := &SetupResult{Mode: mode, Agent: agent}

	// Stage 2: index all files.
	if mode != ModeResumeBootstrap {
		syncResult, err := s.indexAll(ctx, cfg, agent, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("index repository: %w", err)
		}

		now := time.Now()
		agent = agent.Apply(state.AgentPatch{
			Passages:       syncResult.Passages,
			LastSyncCommit: &syncResult.LastSyncCommit,
			LastSyncAt:     &now,
		})
		if err := persist(agent); err != nil {
			return nil, fmt.Errorf("persist after index: %w", err)
		}
		result.Agent = agent
		result.Sync = syncResult
		logger.Info("setup.index.complete",
			"repo", cfg.Name,
			"files", syncResult.FilesReIndexed,
			"failed", len(syncResult.FailedFiles),
			"head", ShortCommit(syncResult.LastSyncCommit),
		)
	}

	// Stage 3: bootstrap.
	if cfg.BootstrapOnCreate && !opts.SkipBootstrap && agent.LastBootstrap == nil {
		if s.Bootstrap == nil {
			logger.Warn("setup.bootstrap.skipped", "repo", cfg.Name, "reason", "no bootstrap function wired")
		} else {
			if err := s.runBootstrap(ctx, agent.AgentID, opts, logger); err != nil {
				return nil, fmt.Errorf("bootstrap agent: %w", err)
			}
			now := time.Now()
			agent = agent.Apply(state.AgentPatch{LastBootstrap: &now})
			if err := persist(agent); err != nil {
				return nil, fmt.Errorf("persist after bootstrap: %w", err)
			}
			result.Agent = agent
			logger.Info("setup.bootstrap.complete", "repo", cfg.Name)
		}
	}

	return result, nil
}

// createAgent provisions the remote agent and returns its initial state.
func (s *Setup) createAgent(ctx context.Context, cfg RepoConfig) (*state.AgentState, error) {
	agentID, err := s.Provider.CreateAgent(ctx, memory.CreateAgentParams{
		Name:             "repo-expert-" + cfg.Name,
		RepoName:         cfg.Name,
		Description:      cfg.Description,
		Tags:             cfg.Tags,
		Model:            s.Model,
		Embedding:        s.Embedding,
		MemoryBlockLimit: cfg.MemoryBlockLimit,
		Persona:          cfg.Persona,
		Tools:            cfg.Tools,
	})
	if err != nil {
		return nil, err
	}

	return &state.AgentState{
		AgentID:   agentID,
		RepoName:  cfg.Name,
		Passages:  make(map[string][]string),
		CreatedAt: time.Now(),
	}, nil
}

// indexAll loads the full collection through the sync engine with the upload
// window applied, retrying the whole stage on failure within its budget.
func (s *Setup) indexAll(ctx context.Context, cfg RepoConfig, agent *state.AgentState, opts SetupOptions, logger *slog.Logger) (*Result, error) {
	engine := &Engine{Provider: s.Provider, Chunker: s.Chunker, Logger: logger}
	collector := cfg.Collector()

	var lastErr error
	for attempt := 0; attempt < opts.StageRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("setup.index.retry", "repo", cfg.Name, "attempt", attempt+1, "err", lastErr)
		}

		stageCtx, cancel := context.WithTimeout(ctx, opts.IndexTimeout)
		result, err := s.indexOnce(stageCtx, engine, collector, cfg, agent, opts)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (s *Setup) indexOnce(ctx context.Context, engine *Engine, collector *scan.Collector, cfg RepoConfig, agent *state.AgentState, opts SetupOptions) (*Result, error) {
	files, err := collector.CollectAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}

	head, err := HeadCommit(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}

	return engine.Sync(ctx, Request{
		AgentID:       agent.AgentID,
		Passages:      agent.Passages,
		ChangedFiles:  FullChangedSet(files, agent.Passages),
		HeadCommit:    head,
		CollectFile:   collector.CollectFile,
		MaxFileSizeKB: cfg.MaxFileSizeKB,
		IsFullReIndex: true,
		Workers:       opts.UploadWindow,
		OnProgress:    opts.OnProgress,
	})
}

// runBootstrap runs the bootstrap stage with its own retry budget and
// timeout.
func (s *Setup) runBootstrap(ctx context.Context, agentID string, opts SetupOptions, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < opts.StageRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("setup.bootstrap.retry", "attempt", attempt+1, "err", lastErr)
		}

		stageCtx, cancel := context.WithTimeout(ctx, opts.BootstrapTimeout)
		err := s.Bootstrap(stageCtx, agentID)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}
