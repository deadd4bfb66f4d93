// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kraklabs/rex/internal/errors"
)

var rexCommands = []string{
	"init", "setup", "sync", "watch", "ask", "status", "export", "delete", "completion",
}

// runCompletion emits a shell completion script for bash, zsh or fish.
func runCompletion(args []string, globals GlobalFlags) {
	if len(args) != 1 {
		errors.FatalError(errors.NewInputError(
			"Missing shell name",
			"The completion command needs a shell: bash, zsh or fish",
			"Example: rex completion bash > /etc/bash_completion.d/rex",
		), globals.JSON)
	}

	words := strings.Join(rexCommands, " ")

	switch args[0] {
	case "bash":
		fmt.Printf(`_rex_completions() {
    COMPREPLY=($(compgen -W "%s" -- "${COMP_WORDS[COMP_CWORD]}"))
}
complete -F _rex_completions rex
`, words)
	case "zsh":
		fmt.Printf(`#compdef rex
_rex() {
    _arguments '1:command:(%s)'
}
_rex
`, words)
	case "fish":
		for _, c := range rexCommands {
			fmt.Printf("complete -c rex -n '__fish_use_subcommand' -a '%s'\n", c)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unsupported shell: %s (use bash, zsh or fish)\n", args[0])
		os.Exit(1)
	}
}
