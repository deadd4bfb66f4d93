// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/internal/ui"
	"github.com/kraklabs/rex/pkg/memory"
	"github.com/kraklabs/rex/pkg/state"
)

// runExport executes the 'export' command: dump an agent's passages as a
// single markdown document, grouped by source file via the FILE: header that
// the chunkers put on each file's first passage.
func runExport(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.StringP("out", "o", "", "Output file (default: stdout)")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rex export <repo> [--out FILE]

Description:
  Download every passage the repo's agent holds and write them as one
  markdown document, grouped by source file.

`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		errors.FatalError(errors.NewInputError(
			"Missing repo name",
			"The export command needs exactly one repo name",
			"Example: rex export backend --out backend.md",
		), globals.JSON)
	}
	name := fs.Arg(0)

	cfg, err := LoadConfig(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	logger := newLogger(globals, *debug)

	if _, err := cfg.RepoConfig(name); err != nil {
		errors.FatalError(err, globals.JSON)
	}

	appState, err := state.NewStore().Load(globals.StatePath)
	if err != nil {
		errors.FatalError(stateLoadError(err), globals.JSON)
	}
	agentState := appState.Agent(name)
	if agentState == nil || agentState.AgentID == "" {
		errors.FatalError(errors.NewUserError(
			"Agent not set up",
			fmt.Sprintf("Repo %q has no agent yet", name),
			"Run 'rex setup "+name+"' first",
		), globals.JSON)
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	provider := newProvider(cfg, logger)
	passages, err := provider.ListPassages(ctx, agentState.AgentID)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Cannot list passages",
			err.Error(),
			"Check the provider base URL and REX_API_KEY",
			err,
		), globals.JSON)
	}

	doc := renderExport(name, agentState.LastSyncCommit, passagesByFile(passages))

	if *out == "" {
		fmt.Print(doc)
		return
	}
	if err := os.WriteFile(*out, []byte(doc), 0600); err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot write export file",
			fmt.Sprintf("Failed to write %s", *out),
			"Check directory permissions and disk space",
			err,
		), globals.JSON)
	}
	if !globals.Quiet {
		ui.Success(fmt.Sprintf("exported %s passages to %s", ui.CountText(len(passages)), *out))
	}
}

// exportedPassage pairs a passage's text with its position in the listing,
// preserving upload order within a file.
type exportedPassage struct {
	order int
	text  string
}

// passagesByFile groups passage texts by the FILE: header of the passage
// that starts each file. A passage without a header joins the file of the
// most recent header before it; passages before any header land under "".
func passagesByFile(passages []memory.Passage) map[string][]exportedPassage {
	grouped := make(map[string][]exportedPassage)
	currentFile := ""
	for i, p := range passages {
		text := p.Text
		if strings.HasPrefix(text, "FILE: ") {
			header, rest, _ := strings.Cut(text, "\n")
			currentFile = strings.TrimPrefix(header, "FILE: ")
			text = rest
		}
		grouped[currentFile] = append(grouped[currentFile], exportedPassage{order: i, text: text})
	}
	return grouped
}

// renderExport builds the markdown document.
func renderExport(repo, commit string, grouped map[string][]exportedPassage) string {
	var sb strings.Builder
	sb.WriteString("# " + repo + " — agent memory export\n\n")
	if commit != "" {
		sb.WriteString("Synced at commit `" + commit + "`.\n\n")
	}

	files := make([]string, 0, len(grouped))
	for f := range grouped {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, file := range files {
		if file == "" {
			sb.WriteString("## (unattributed passages)\n\n")
		} else {
			sb.WriteString("## " + file + "\n\n")
		}
		entries := grouped[file]
		sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
		for _, e := range entries {
			sb.WriteString("```\n")
			sb.WriteString(e.text)
			if !strings.HasSuffix(e.text, "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("```\n\n")
		}
	}
	return sb.String()
}
