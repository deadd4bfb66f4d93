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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/rex/internal/errors"
	"github.com/kraklabs/rex/pkg/scan"
	rexsync "github.com/kraklabs/rex/pkg/sync"
)

const defaultConfigFile = ".rex.yaml"

// Default repo policy applied when neither the repo nor the defaults block
// sets a field.
var defaultExtensions = []string{".go", ".ts", ".tsx", ".js", ".py", ".rs", ".md"}

const (
	defaultMaxFileSizeKB    = 200
	defaultMemoryBlockLimit = 5000
	defaultProviderBaseURL  = "http://localhost:8283"
)

// Config is the parsed .rex.yaml file.
type Config struct {
	Provider ProviderConfig        `yaml:"provider"`
	Letta    *LegacyLettaConfig    `yaml:"letta,omitempty"`
	Defaults *RepoDefaults         `yaml:"defaults,omitempty"`
	Repos    map[string]*RepoEntry `yaml:"repos"`
}

// ProviderConfig selects and configures the memory-service provider.
type ProviderConfig struct {
	Type      string `yaml:"type"` // "letta" or "viking"
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model"`
	Embedding string `yaml:"embedding"`
	FastModel string `yaml:"fast_model,omitempty"`
}

// LegacyLettaConfig is the pre-provider-section form still accepted for old
// config files.
type LegacyLettaConfig struct {
	Model     string `yaml:"model"`
	Embedding string `yaml:"embedding"`
	FastModel string `yaml:"fast_model,omitempty"`
}

// RepoDefaults is the optional defaults block merged into every repo.
type RepoDefaults struct {
	Extensions        []string `yaml:"extensions,omitempty"`
	IgnoreDirs        []string `yaml:"ignore_dirs,omitempty"`
	MaxFileSizeKB     float64  `yaml:"max_file_size_kb,omitempty"`
	MemoryBlockLimit  int      `yaml:"memory_block_limit,omitempty"`
	BootstrapOnCreate *bool    `yaml:"bootstrap_on_create,omitempty"`
	ChunkStrategy     string   `yaml:"chunk_strategy,omitempty"`
}

// RepoEntry is one repo's block in the config file.
type RepoEntry struct {
	Path              string   `yaml:"path"`
	BasePath          string   `yaml:"base_path,omitempty"`
	Description       string   `yaml:"description,omitempty"`
	Extensions        []string `yaml:"extensions,omitempty"`
	IgnoreDirs        []string `yaml:"ignore_dirs,omitempty"`
	MaxFileSizeKB     float64  `yaml:"max_file_size_kb,omitempty"`
	MemoryBlockLimit  int      `yaml:"memory_block_limit,omitempty"`
	BootstrapOnCreate *bool    `yaml:"bootstrap_on_create,omitempty"`
	IncludeSubmodules bool     `yaml:"include_submodules,omitempty"`
	Tags              []string `yaml:"tags,omitempty"`
	Persona           string   `yaml:"persona,omitempty"`
	Tools             []string `yaml:"tools,omitempty"`
}

// LoadConfig reads and validates the config file. With an empty path the
// REX_CONFIG variable and then an upward search for .rex.yaml decide.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("REX_CONFIG")
	}
	if configPath == "" {
		var err error
		configPath, err = findConfigFile()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: path from user config or discovery
	if err != nil {
		return nil, errors.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("Failed to read %s", configPath),
			"Check file permissions and ensure the file exists, or run 'rex init'",
			err,
		)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigError(
			"Invalid configuration format",
			"YAML parsing failed - the config file contains syntax errors",
			fmt.Sprintf("Edit %s to fix syntax errors, or run 'rex init --force' to recreate", configPath),
			err,
		)
	}

	cfg.applyLegacyProvider()
	if issues := cfg.validate(); len(issues) > 0 {
		return nil, errors.NewConfigIssues(issues)
	}

	return &cfg, nil
}

// applyLegacyProvider maps the legacy top-level letta block into the
// provider section when the latter is absent.
func (c *Config) applyLegacyProvider() {
	if c.Provider.Type == "" && c.Letta != nil {
		c.Provider = ProviderConfig{
			Type:      "letta",
			Model:     c.Letta.Model,
			Embedding: c.Letta.Embedding,
			FastModel: c.Letta.FastModel,
		}
	}
	if c.Provider.Type == "" {
		c.Provider.Type = "letta"
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = defaultProviderBaseURL
	}
}

// validate returns one message per problem found.
func (c *Config) validate() []string {
	var issues []string

	switch c.Provider.Type {
	case "letta", "viking":
	default:
		issues = append(issues, fmt.Sprintf("provider.type %q is not supported (use \"letta\" or \"viking\")", c.Provider.Type))
	}

	if len(c.Repos) == 0 {
		issues = append(issues, "at least one repo must be declared under repos:")
	}

	if c.Defaults != nil {
		issues = append(issues, validatePolicy("defaults", c.Defaults.Extensions, c.Defaults.IgnoreDirs)...)
	}

	for name, repo := range c.Repos {
		if repo == nil {
			issues = append(issues, fmt.Sprintf("repos.%s: block is empty", name))
			continue
		}
		if repo.Path == "" {
			issues = append(issues, fmt.Sprintf("repos.%s: path is required", name))
		} else if !filepath.IsAbs(repo.Path) {
			issues = append(issues, fmt.Sprintf("repos.%s: path must be absolute", name))
		}
		issues = append(issues, validatePolicy("repos."+name, repo.Extensions, repo.IgnoreDirs)...)
	}

	return issues
}

func validatePolicy(prefix string, extensions, ignoreDirs []string) []string {
	var issues []string
	for _, ext := range extensions {
		if !strings.HasPrefix(ext, ".") {
			issues = append(issues, fmt.Sprintf("%s: extension %q must start with '.'", prefix, ext))
		}
	}
	for _, dir := range ignoreDirs {
		if strings.ContainsAny(dir, `/\`) {
			issues = append(issues, fmt.Sprintf("%s: ignore_dirs entry %q must be a directory name, not a path", prefix, dir))
		}
	}
	return issues
}

// RepoNames returns the configured repo names, sorted.
func (c *Config) RepoNames() []string {
	names := make([]string, 0, len(c.Repos))
	for name := range c.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RepoConfig resolves one repo's effective policy, with the defaults block
// and built-in defaults applied.
func (c *Config) RepoConfig(name string) (rexsync.RepoConfig, error) {
	entry := c.Repos[name]
	if entry == nil {
		return rexsync.RepoConfig{}, errors.NewUserError(
			"Unknown repo",
			fmt.Sprintf("Repo %q is not declared in the configuration", name),
			"Check 'rex status' for the configured repo names",
		)
	}

	cfg := rexsync.RepoConfig{
		Name:              name,
		Path:              entry.Path,
		BasePath:          strings.Trim(filepath.ToSlash(entry.BasePath), "/"),
		Description:       entry.Description,
		Extensions:        entry.Extensions,
		IgnoreDirs:        entry.IgnoreDirs,
		MaxFileSizeKB:     entry.MaxFileSizeKB,
		MemoryBlockLimit:  entry.MemoryBlockLimit,
		BootstrapOnCreate: true,
		IncludeSubmodules: entry.IncludeSubmodules,
		Tags:              entry.Tags,
		Persona:           entry.Persona,
		Tools:             entry.Tools,
	}

	d := c.Defaults
	if len(cfg.Extensions) == 0 && d != nil {
		cfg.Extensions = d.Extensions
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = defaultExtensions
	}
	if len(cfg.IgnoreDirs) == 0 && d != nil {
		cfg.IgnoreDirs = d.IgnoreDirs
	}
	if cfg.MaxFileSizeKB == 0 {
		if d != nil && d.MaxFileSizeKB > 0 {
			cfg.MaxFileSizeKB = d.MaxFileSizeKB
		} else {
			cfg.MaxFileSizeKB = defaultMaxFileSizeKB
		}
	}
	if cfg.MemoryBlockLimit == 0 {
		if d != nil && d.MemoryBlockLimit > 0 {
			cfg.MemoryBlockLimit = d.MemoryBlockLimit
		} else {
			cfg.MemoryBlockLimit = defaultMemoryBlockLimit
		}
	}
	if entry.BootstrapOnCreate != nil {
		cfg.BootstrapOnCreate = *entry.BootstrapOnCreate
	} else if d != nil && d.BootstrapOnCreate != nil {
		cfg.BootstrapOnCreate = *d.BootstrapOnCreate
	}

	return cfg, nil
}

// ChunkStrategy returns the configured chunk strategy name.
func (c *Config) ChunkStrategy() string {
	if c.Defaults != nil && c.Defaults.ChunkStrategy != "" {
		return c.Defaults.ChunkStrategy
	}
	return scan.StrategyRaw
}

// findConfigFile searches for .rex.yaml in the current and parent
// directories.
func findConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.NewInternalError(
			"Cannot access working directory",
			"Failed to determine current directory path",
			"Check system permissions and try again",
			err,
		)
	}

	for {
		candidate := filepath.Join(dir, defaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.NewConfigError(
		"Configuration not found",
		"No .rex.yaml file found in the current directory or any parent directory",
		"Run 'rex init' to create a new configuration",
		nil,
	)
}

// apiKey reads the provider API key from the environment. Empty is allowed
// for self-hosted providers without auth.
func apiKey() string {
	return os.Getenv("REX_API_KEY")
}
