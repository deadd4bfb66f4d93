// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kraklabs/rex/pkg/memory"
)

// bootstrapMaxSteps caps the agent's tool loop during the surveys, which
// read many passages.
const bootstrapMaxSteps = 30

// architecturePrompt fills the architecture memory block.
const architecturePrompt = `Survey the repository passages you hold and write a concise architecture
summary into your "architecture" memory block: the major components, how
they depend on each other, and where the entry points are. Stay within the
block limit.`

// conventionsPrompt fills the conventions memory block.
const conventionsPrompt = `Survey the repository passages you hold and write the project's coding
conventions into your "conventions" memory block: naming, error handling,
testing patterns, and anything a new contributor must follow. Stay within
the block limit.`

// Bootstrapper runs the first-time prompt sequence that fills the
// architecture and conventions blocks of a freshly indexed agent.
type Bootstrapper struct {
	Provider memory.Provider
	Logger   *slog.Logger

	// FastModel optionally routes bootstrap prompts to a cheaper model.
	FastModel string
}

// Run sends the two survey prompts in order. The caller owns timeout and
// retry policy (the setup pipeline's bootstrap stage).
func (b *Bootstrapper) Run(ctx context.Context, agentID string) error {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := &memory.SendOptions{MaxSteps: bootstrapMaxSteps}
	if b.FastModel != "" {
		opts.OverrideModel = b.FastModel
	}

	for _, stage := range []struct {
		name   string
		prompt string
	}{
		{"architecture", architecturePrompt},
		{"conventions", conventionsPrompt},
	} {
		logger.Info("bootstrap.stage", "agent_id", agentID, "stage", stage.name)
		if _, err := b.Provider.SendMessage(ctx, agentID, stage.prompt, opts); err != nil {
			return fmt.Errorf("bootstrap %s survey: %w", stage.name, err)
		}
	}

	return nil
}
