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
// Package main implements the rex CLI: long-lived repo-expert agents kept in
// step with their git repositories.
//
// Usage:
//
//	rex init                      Create a starter .rex.yaml configuration
//	rex setup [repo]              Create, index and bootstrap agents
//	rex sync [repo]               Incrementally sync agents with HEAD
//	rex watch                     Watch repos and auto-sync
//	rex ask <question>            Ask the repo experts a question
//	rex status [--json]           Show agents and sync state
//	rex --mcp                     Start as MCP server (JSON-RPC over stdio)
package main

import (
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/ui"
	"github.com/kraklabs/rex/pkg/memory"
	"github.com/kraklabs/rex/pkg/scan"
	"github.com/kraklabs/rex/pkg/state"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON       bool   // Output in JSON format (for applicable commands)
	NoColor    bool   // Disable color output
	Verbose    int    // Verbosity level: 0=normal, 1=-v (info), 2=-vv (debug)
	Quiet      bool   // Suppress non-essential output
	ConfigPath string // Explicit config file path
	StatePath  string // Explicit state file path
}

// main parses global flags and dispatches to command handlers, or starts the
// MCP server.
func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		mcpMode     = flag.Bool("mcp", false, "Start as MCP server (JSON-RPC over stdio)")
		configPath  = flag.StringP("config", "c", "", "Path to .rex.yaml (default: search upward from cwd)")
		statePath   = flag.String("state", "", "Path to the state file (default: "+state.DefaultPath+")")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop parsing at the first non-flag argument (the command name) so
	// subcommand flags like "setup --reindex" reach their handlers.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `rex - repository expert agents

rex maintains long-lived AI agents that act as durable experts on your
git repositories. Each agent holds the repository's files as passages
at a memory-service provider and is kept in step with the source tree
by an incremental, commit-driven sync engine.

Usage:
  rex <command> [options]

Commands:
  init          Create a starter .rex.yaml configuration
  setup         Create agents, index repositories, run bootstrap
  sync          Incrementally sync agents with the current HEAD
  watch         Watch repositories and auto-sync on changes
  ask           Ask one or all repo experts a question
  status        Show configured agents and their sync state
  export        Export an agent's passages as markdown
  delete        Delete an agent and its local state
  completion    Generate shell completion script (bash|zsh|fish)

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output
  --mcp             Start as MCP server (JSON-RPC over stdio)
  -c, --config      Path to .rex.yaml
  --state           Path to the state file
  -V, --version     Show version and exit

Examples:
  rex init                          Create configuration
  rex setup                         Set up every configured repo
  rex setup backend --reindex       Re-index one repo from scratch
  rex sync                          One-shot incremental sync
  rex watch --interval 30s          Watch and auto-sync
  rex ask "where is auth handled?"  Broadcast to all agents
  rex status --json                 Machine-readable status

Environment Variables:
  REX_API_KEY   Memory provider API key
  REX_CONFIG    Config file path override
  REX_STATE     State file path override

For detailed command help: rex <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("rex version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}
	// JSON mode auto-enables quiet to keep progress bars out of the output.
	if *jsonOutput {
		*quiet = true
	}
	if *statePath == "" {
		*statePath = os.Getenv("REX_STATE")
	}
	if *statePath == "" {
		*statePath = state.DefaultPath
	}

	globals := GlobalFlags{
		JSON:       *jsonOutput,
		NoColor:    *noColor,
		Verbose:    *verbose,
		Quiet:      *quiet,
		ConfigPath: *configPath,
		StatePath:  *statePath,
	}

	ui.InitColors(globals.NoColor)

	// MCP mode takes precedence over commands.
	if *mcpMode {
		runMCPServer(globals)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "setup":
		runSetup(cmdArgs, globals)
	case "sync":
		runSync(cmdArgs, globals)
	case "watch":
		runWatch(cmdArgs, globals)
	case "ask":
		runAsk(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "export":
		runExport(cmdArgs, globals)
	case "delete":
		runDelete(cmdArgs, globals)
	case "completion":
		runCompletion(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// newLogger builds the slog logger for a command run.
func newLogger(globals GlobalFlags, debug bool) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case debug || globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose >= 1:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// newProvider constructs the configured memory provider client. The viking
// deployment speaks the same wire protocol as letta, so both types share the
// HTTP client; only base_url and credentials differ.
func newProvider(cfg *Config, logger *slog.Logger) memory.Provider {
	return memory.NewClient(memory.ClientConfig{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  apiKey(),
		Logger:  logger,
	})
}

// newChunker resolves the configured chunk strategy.
func newChunker(cfg *Config, logger *slog.Logger) scan.Chunker {
	return scan.ChunkerForStrategy(cfg.ChunkStrategy(), logger)
}
