// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/internal/ui"
)

// starterConfig is the template written by 'rex init', parameterized by the
// repo name and absolute path of the current directory.
const starterConfig = `# rex configuration
# One agent per repo; run 'rex setup' after editing.

provider:
  type: letta
  base_url: http://localhost:8283
  model: openai/gpt-4.1
  embedding: openai/text-embedding-3-small
  # fast_model: openai/gpt-4.1-mini   # optional, used for bootstrap

defaults:
  extensions: [".go", ".ts", ".tsx", ".js", ".py", ".rs", ".md"]
  ignore_dirs: ["node_modules", "vendor", "dist", "build"]
  max_file_size_kb: 200
  memory_block_limit: 5000
  bootstrap_on_create: true
  # chunk_strategy: tree-sitter       # default: raw

repos:
  %s:
    path: %s
    description: ""
    # base_path: packages/core        # optional sub-directory as agent root
    # include_submodules: true
`

// runInit executes the 'init' command: write a starter .rex.yaml for the
// current directory.
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing .rex.yaml")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rex init [--force]

Description:
  Write a starter .rex.yaml into the current directory, pre-filled with
  the directory as the first repo. Edit it, then run 'rex setup'.

`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cwd, err := os.Getwd()
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot access current directory",
			"Failed to determine working directory",
			"Check system permissions and try again",
			err,
		), globals.JSON)
	}

	target := filepath.Join(cwd, defaultConfigFile)
	if _, err := os.Stat(target); err == nil && !*force {
		errors.FatalError(errors.NewUserError(
			"Configuration already exists",
			fmt.Sprintf("%s is already present", target),
			"Use 'rex init --force' to overwrite it",
		), globals.JSON)
	}

	content := fmt.Sprintf(starterConfig, filepath.Base(cwd), cwd)
	if err := os.WriteFile(target, []byte(content), 0600); err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot write configuration file",
			fmt.Sprintf("Permission denied writing to %s", target),
			"Check directory permissions",
			err,
		), globals.JSON)
	}

	if !globals.Quiet {
		ui.Success("wrote " + target)
		ui.Info("Edit the file, export REX_API_KEY, then run 'rex setup'.")
	}
}
