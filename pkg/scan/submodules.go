// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package scan

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// submoduleStatusTimeout bounds the git subprocess.
const submoduleStatusTimeout = 10 * time.Second

// SubmoduleInfo describes one submodule as reported by git.
type SubmoduleInfo struct {
	// Path is repo-relative, forward slashes.
	Path string

	// Commit is the recorded submodule commit.
	Commit string

	// Initialized is derived from the status line's first column: a space
	// means initialized; "-" uninitialized; "+" and "U" initialized with
	// drift (still indexable).
	Initialized bool
}

// ListSubmodules runs `git submodule status` in repoPath and parses the
// result. A repo without submodules yields an empty list.
func ListSubmodules(ctx context.Context, repoPath string) ([]SubmoduleInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, submoduleStatusTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "submodule", "status")
	cmd.Dir = repoPath

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("git submodule status timed out: %w", ctx.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git submodule status failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git submodule status: %w", err)
	}

	return parseSubmoduleStatus(output), nil
}

// parseSubmoduleStatus parses `git submodule status` output. Each line is
// "<flag><sha> <path> (<ref>)" where flag is ' ', '-', '+', or 'U'.
func parseSubmoduleStatus(output []byte) []SubmoduleInfo {
	var subs []SubmoduleInfo
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}

		flag := line[0]
		rest := strings.Fields(line[1:])
		if len(rest) < 2 {
			continue
		}

		subs = append(subs, SubmoduleInfo{
			Path:        strings.ReplaceAll(rest[1], "\\", "/"),
			Commit:      rest[0],
			Initialized: flag != '-',
		})
	}
	return subs
}
