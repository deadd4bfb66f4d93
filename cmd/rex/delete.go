// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/internal/ui"
	"github.com/kraklabs/rex/pkg/state"
)

// runDelete executes the 'delete' command: remove a repo's agent from the
// provider and drop its local state entry.
func runDelete(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	yes := fs.BoolP("yes", "y", false, "Skip the confirmation prompt")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rex delete <repo> [--yes]

Description:
  Delete the repo's agent at the provider (including every stored
  passage) and remove it from the local state file. Destructive!

`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		errors.FatalError(errors.NewInputError(
			"Missing repo name",
			"The delete command needs exactly one repo name",
			"Example: rex delete backend --yes",
		), globals.JSON)
	}
	name := fs.Arg(0)

	cfg, err := LoadConfig(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	logger := newLogger(globals, *debug)

	store := state.NewStore()
	appState, err := store.Load(globals.StatePath)
	if err != nil {
		errors.FatalError(stateLoadError(err), globals.JSON)
	}
	agentState := appState.Agent(name)
	if agentState == nil || agentState.AgentID == "" {
		errors.FatalError(errors.NewUserError(
			"Nothing to delete",
			fmt.Sprintf("Repo %q has no agent", name),
			"Check 'rex status' for the configured repos",
		), globals.JSON)
	}

	if !*yes {
		fmt.Printf("Delete agent %s for repo %q and all its passages? [y/N] ", agentState.AgentID, name)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
			fmt.Println("aborted")
			return
		}
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	provider := newProvider(cfg, logger)
	if err := provider.DeleteAgent(ctx, agentState.AgentID); err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Cannot delete agent",
			err.Error(),
			"Check the provider base URL and REX_API_KEY; the local state was left untouched",
			err,
		), globals.JSON)
	}

	if err := store.Save(globals.StatePath, appState.WithoutAgent(name)); err != nil {
		errors.FatalError(errors.NewInternalError(
			"Agent deleted but state update failed",
			err.Error(),
			"Remove the entry from the state file manually",
			err,
		), globals.JSON)
	}

	if !globals.Quiet {
		ui.Success("deleted agent for " + name)
	}
}
