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

// Package errors provides the CLI-facing error taxonomy for rex.
//
// Domain packages return plain wrapped errors; the command layer classifies
// them into one of the kinds below before surfacing. Every kind carries a
// title, a detail line, and a suggestion so the user always knows what to do
// next. FatalError renders the error (human or JSON) and exits with code 1.
package errors

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Kind identifies the category of a CLI error.
type Kind string

const (
	KindUser       Kind = "user"
	KindConfig     Kind = "config"
	KindStateFile  Kind = "state_file"
	KindGit        Kind = "git"
	KindNetwork    Kind = "network"
	KindPermission Kind = "permission"
	KindInput      Kind = "input"
	KindInternal   Kind = "internal"
)

// CLIError is the uniform error surfaced by rex commands.
type CLIError struct {
	Kind       Kind
	Title      string
	Detail     string
	Suggestion string
	Cause      error

	// Issues holds the per-item bullet list for config validation errors.
	Issues []string

	// BackupPath is set for state-file errors: where the corrupt file was
	// copied before rex gave up on it.
	BackupPath string
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return e.Title
}

// Unwrap returns the underlying cause, if any.
func (e *CLIError) Unwrap() error {
	return e.Cause
}

// New creates a generic user-facing error with just a title.
func New(title string) *CLIError {
	return &CLIError{Kind: KindUser, Title: title}
}

// NewUserError creates an error for invalid user actions (missing API key,
// unknown repo name, bad ref).
func NewUserError(title, detail, suggestion string) *CLIError {
	return &CLIError{Kind: KindUser, Title: title, Detail: detail, Suggestion: suggestion}
}

// NewConfigError creates an error for configuration problems.
func NewConfigError(title, detail, suggestion string, cause error) *CLIError {
	return &CLIError{Kind: KindConfig, Title: title, Detail: detail, Suggestion: suggestion, Cause: cause}
}

// NewConfigIssues creates a validation error with one bullet per issue.
func NewConfigIssues(issues []string) *CLIError {
	return &CLIError{
		Kind:       KindConfig,
		Title:      "Invalid configuration",
		Detail:     fmt.Sprintf("%d validation issue(s) found", len(issues)),
		Suggestion: "Fix the issues listed above and re-run the command",
		Issues:     issues,
	}
}

// NewStateFileError creates an error for a corrupt or unreadable state file.
// backupPath names the timestamped copy made before failing.
func NewStateFileError(title, backupPath string, cause error) *CLIError {
	detail := "The state file could not be parsed"
	if backupPath != "" {
		detail = fmt.Sprintf("The state file could not be parsed; a backup was written to %s", backupPath)
	}
	return &CLIError{
		Kind:       KindStateFile,
		Title:      title,
		Detail:     detail,
		Suggestion: "Repair or delete the state file, then re-run 'rex setup'",
		Cause:      cause,
		BackupPath: backupPath,
	}
}

// NewGitError creates an error for git subprocess failures.
func NewGitError(title, detail, suggestion string, cause error) *CLIError {
	return &CLIError{Kind: KindGit, Title: title, Detail: detail, Suggestion: suggestion, Cause: cause}
}

// NewNetworkError creates an error for provider/network failures.
func NewNetworkError(title, detail, suggestion string, cause error) *CLIError {
	return &CLIError{Kind: KindNetwork, Title: title, Detail: detail, Suggestion: suggestion, Cause: cause}
}

// NewPermissionError creates an error for filesystem permission problems.
func NewPermissionError(title, detail, suggestion string, cause error) *CLIError {
	return &CLIError{Kind: KindPermission, Title: title, Detail: detail, Suggestion: suggestion, Cause: cause}
}

// NewInputError creates an error for malformed command input.
func NewInputError(title, detail, suggestion string) *CLIError {
	return &CLIError{Kind: KindInput, Title: title, Detail: detail, Suggestion: suggestion}
}

// NewInternalError creates an error for unexpected internal failures.
func NewInternalError(title, detail, suggestion string, cause error) *CLIError {
	return &CLIError{Kind: KindInternal, Title: title, Detail: detail, Suggestion: suggestion, Cause: cause}
}

// jsonError is the structure emitted in --json mode.
type jsonError struct {
	Error      string   `json:"error"`
	Kind       Kind     `json:"kind"`
	Detail     string   `json:"detail,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
	Issues     []string `json:"issues,omitempty"`
	BackupPath string   `json:"backup_path,omitempty"`
	Cause      string   `json:"cause,omitempty"`
}

// FatalError prints the error and exits with code 1.
//
// In human mode output goes to stderr with the title, detail, suggestion and
// any per-issue bullets. In JSON mode a structured report is printed to
// stdout so callers can parse it.
func FatalError(err error, jsonMode bool) {
	PrintError(err, jsonMode)
	osExit(1)
}

// osExit is swapped in tests.
var osExit = os.Exit

// PrintError renders an error without exiting.
func PrintError(err error, jsonMode bool) {
	ce, ok := err.(*CLIError)
	if !ok {
		ce = &CLIError{Kind: KindInternal, Title: "Unexpected error", Detail: err.Error()}
	}

	if jsonMode {
		je := jsonError{
			Error:      ce.Title,
			Kind:       ce.Kind,
			Detail:     ce.Detail,
			Suggestion: ce.Suggestion,
			Issues:     ce.Issues,
			BackupPath: ce.BackupPath,
		}
		if ce.Cause != nil {
			je.Cause = ce.Cause.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(je)
		return
	}

	var sb strings.Builder
	sb.WriteString("Error: " + ce.Title + "\n")
	if ce.Detail != "" {
		sb.WriteString("  " + ce.Detail + "\n")
	}
	for _, issue := range ce.Issues {
		sb.WriteString("  • " + issue + "\n")
	}
	if ce.Cause != nil {
		sb.WriteString("  cause: " + ce.Cause.Error() + "\n")
	}
	if ce.Suggestion != "" {
		sb.WriteString("\n  " + ce.Suggestion + "\n")
	}
	fmt.Fprint(os.Stderr, sb.String())
}
