// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/internal/output"
	"github.com/kraklabs/rex/internal/ui"
	"github.com/kraklabs/rex/pkg/agent"
	"github.com/kraklabs/rex/pkg/memory"
	"github.com/kraklabs/rex/pkg/state"
)

// answerCache lives for the process, so a one-shot ask starts with it empty.
// The MCP server does not use it; it keeps its own cache (mcpServer.cache).
var answerCache = agent.NewAnswerCache(0)

// runAsk executes the 'ask' command: broadcast a question to one or all
// repo-expert agents and print the answers.
//
// Flags:
//   - --repo: restrict to specific repos (repeatable)
//   - --model: override the reply model
//   - --timeout: per-agent reply timeout (default 30s)
//   - --no-cache: bypass the answer cache
func runAsk(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	repoFlags := fs.StringSlice("repo", nil, "Restrict to these repos (repeatable)")
	model := fs.String("model", "", "Override the model for this question")
	timeout := fs.Duration("timeout", agent.DefaultBroadcastTimeout, "Per-agent reply timeout")
	noCache := fs.Bool("no-cache", false, "Bypass the answer cache")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rex ask [options] <question>

Description:
  Send a question to the repo experts. With several repos configured the
  question fans out to all agents in parallel, each raced against the
  per-agent timeout; failures are reported per agent and never hide the
  other answers.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		errors.FatalError(errors.NewInputError(
			"Missing question",
			"The ask command needs a question to send",
			`Example: rex ask "where is authentication handled?"`,
		), globals.JSON)
	}
	question := strings.Join(fs.Args(), " ")

	cfg, err := LoadConfig(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	logger := newLogger(globals, *debug)

	names := *repoFlags
	if len(names) == 0 {
		names = cfg.RepoNames()
	}

	store := state.NewStore()
	appState, err := store.Load(globals.StatePath)
	if err != nil {
		errors.FatalError(stateLoadError(err), globals.JSON)
	}

	type targetInfo struct {
		target agent.Target
		commit string
	}
	var targets []targetInfo
	for _, name := range names {
		if _, err := cfg.RepoConfig(name); err != nil {
			errors.FatalError(err, globals.JSON)
		}
		a := appState.Agent(name)
		if a == nil || a.AgentID == "" {
			errors.FatalError(errors.NewUserError(
				"Agent not set up",
				fmt.Sprintf("Repo %q has no agent yet", name),
				"Run 'rex setup "+name+"' first",
			), globals.JSON)
		}
		targets = append(targets, targetInfo{
			target: agent.Target{RepoName: name, AgentID: a.AgentID},
			commit: a.LastSyncCommit,
		})
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	provider := newProvider(cfg, logger)
	modelKey := *model
	if modelKey == "" {
		modelKey = cfg.Provider.Model
	}

	var opts *memory.SendOptions
	if *model != "" {
		opts = &memory.SendOptions{OverrideModel: *model}
	}

	// Serve cache hits first; only misses go to the broadcast.
	answers := make(map[string]string, len(targets))
	var misses []agent.Target
	missCommit := make(map[string]string, len(targets))

	for _, ti := range targets {
		key := agent.CacheKey(ti.target.AgentID, question, modelKey, ti.commit)
		if !*noCache {
			if cached, ok := answerCache.Get(key); ok {
				answers[ti.target.RepoName] = cached
				logger.Debug("ask.cache.hit", "repo", ti.target.RepoName)
				continue
			}
		}
		misses = append(misses, ti.target)
		missCommit[ti.target.AgentID] = ti.commit
	}

	broadcaster := &agent.Broadcaster{Provider: provider, Timeout: *timeout, Logger: logger}
	results := broadcaster.Ask(ctx, misses, question, opts)

	type answerReport struct {
		Repo   string `json:"repo"`
		Answer string `json:"answer,omitempty"`
		Error  string `json:"error,omitempty"`
		Cached bool   `json:"cached,omitempty"`
	}
	var reports []answerReport
	failed := false

	for _, ti := range targets {
		report := answerReport{Repo: ti.target.RepoName}
		if cached, ok := answers[ti.target.RepoName]; ok {
			report.Answer = cached
			report.Cached = true
			reports = append(reports, report)
			continue
		}
		for _, r := range results {
			if r.RepoName != ti.target.RepoName {
				continue
			}
			if r.Err != nil {
				failed = true
				report.Error = r.Err.Error()
			} else {
				report.Answer = r.Response
				if !*noCache {
					answerCache.Put(agent.CacheKey(r.AgentID, question, modelKey, missCommit[r.AgentID]), r.Response)
				}
			}
			break
		}
		reports = append(reports, report)
	}

	if globals.JSON {
		_ = output.JSON(map[string]interface{}{"question": question, "answers": reports})
	} else {
		for _, r := range reports {
			ui.SubHeader(r.Repo)
			switch {
			case r.Error != "":
				ui.Warningf("error: %s", r.Error)
			default:
				fmt.Println(r.Answer)
				if r.Cached {
					fmt.Println(ui.DimText("(cached)"))
				}
			}
		}
	}
	if failed {
		os.Exit(1)
	}
}
