// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/internal/output"
	"github.com/kraklabs/rex/internal/ui"
	"github.com/kraklabs/rex/pkg/state"
	rexsync "github.com/kraklabs/rex/pkg/sync"
)

// runStatus executes the 'status' command: one row per configured repo with
// its agent and sync state.
func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rex status [--json]

Description:
  Show every configured repo, its agent, how many files and passages it
  tracks, and when it last synced.

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *jsonOutput {
		globals.JSON = true
	}

	cfg, err := LoadConfig(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	appState, err := state.NewStore().Load(globals.StatePath)
	if err != nil {
		errors.FatalError(stateLoadError(err), globals.JSON)
	}

	type repoStatus struct {
		Repo          string `json:"repo"`
		AgentID       string `json:"agent_id,omitempty"`
		Files         int    `json:"files"`
		Passages      int    `json:"passages"`
		LastSync      string `json:"last_sync_commit,omitempty"`
		LastSyncAt    string `json:"last_sync_at,omitempty"`
		Bootstrapped  bool   `json:"bootstrapped"`
		NeedsSetup    bool   `json:"needs_setup"`
	}

	var rows []repoStatus
	for _, name := range cfg.RepoNames() {
		row := repoStatus{Repo: name, NeedsSetup: true}
		if a := appState.Agent(name); a != nil && a.AgentID != "" {
			row.NeedsSetup = false
			row.AgentID = a.AgentID
			row.Files = len(a.Passages)
			row.Passages = a.PassageCount()
			row.LastSync = rexsync.ShortCommit(a.LastSyncCommit)
			if a.LastSyncAt != nil {
				row.LastSyncAt = a.LastSyncAt.Format(time.RFC3339)
			}
			row.Bootstrapped = a.LastBootstrap != nil
		}
		rows = append(rows, row)
	}

	if globals.JSON {
		_ = output.JSON(map[string]interface{}{"repos": rows})
		return
	}

	ui.Header("Repo Experts")

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = false
	tw.AppendHeader(table.Row{"Repo", "Agent", "Files", "Passages", "Last Sync", "Bootstrap"})

	for _, row := range rows {
		if row.NeedsSetup {
			tw.AppendRow(table.Row{row.Repo, ui.DimText("(not set up)"), "-", "-", "-", "-"})
			continue
		}
		lastSync := row.LastSync
		if lastSync == "" {
			lastSync = "never"
		}
		bootstrap := "pending"
		if row.Bootstrapped {
			bootstrap = "done"
		}
		tw.AppendRow(table.Row{row.Repo, row.AgentID, row.Files, row.Passages, lastSync, bootstrap})
	}
	tw.Render()
}
