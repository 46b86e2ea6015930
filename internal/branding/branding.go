// Package branding provides compile-time identity values for the CLI.
//
// Identity lives in branding.yaml next to this file and is baked into the
// binary with //go:embed. Forks change the YAML, not the code.
package branding

import (
	_ "embed"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"
)

//go:embed branding.yaml
var rawBranding []byte

var (
	once     sync.Once
	defaults brand
)

type brand struct {
	CLIName      string `yaml:"cli_name"`
	DisplayName  string `yaml:"display_name"`
	Description  string `yaml:"description"`
	HomeDir      string `yaml:"home_dir"`
	EnvPrefix    string `yaml:"env_prefix"`
	GoModule     string `yaml:"go_module"`
	GitHubRepo   string `yaml:"github_repo"`
	UserAgent    string `yaml:"user_agent"`
	MarkerPrefix string `yaml:"marker_prefix"`
}

func load() {
	once.Do(func() {
		// Hard defaults in case the embedded file is missing or empty.
		defaults = brand{
			CLIName:      "agentdispatch",
			DisplayName:  "AgentDispatch",
			Description:  "Deterministic dispatcher for LLM-backed repository agents",
			HomeDir:      ".agentdispatch",
			EnvPrefix:    "AGENTDISPATCH",
			GoModule:     "github.com/agentx-labs/agentdispatch",
			GitHubRepo:   "agentx-labs/agentdispatch",
			UserAgent:    "agentdispatch",
			MarkerPrefix: "agentdispatch",
		}
		_ = yaml.Unmarshal(rawBranding, &defaults)
	})
}

// CLIName returns the root command name (e.g., "agentdispatch").
func CLIName() string { load(); return defaults.CLIName }

// DisplayName returns the human-readable product name.
func DisplayName() string { load(); return defaults.DisplayName }

// Description returns the short product description.
func Description() string { load(); return defaults.Description }

// HomeDir returns the dot-directory name under $HOME (e.g., ".agentdispatch").
func HomeDir() string { load(); return defaults.HomeDir }

// EnvPrefix returns the environment variable prefix (e.g., "AGENTDISPATCH").
func EnvPrefix() string { load(); return defaults.EnvPrefix }

// GoModule returns the Go module path. Not consumed at runtime.
func GoModule() string { load(); return defaults.GoModule }

// GitHubRepo returns the "owner/repo" string of this project.
func GitHubRepo() string { load(); return defaults.GitHubRepo }

// UserAgent returns the User-Agent sent to upstream APIs.
func UserAgent() string { load(); return defaults.UserAgent }

// MarkerPrefix returns the prefix of hidden HTML markers written into issues
// and comments, e.g. "<!-- agentdispatch:fingerprint=... -->".
func MarkerPrefix() string { load(); return defaults.MarkerPrefix }

// EnvVar returns a fully qualified env var name, e.g., EnvVar("HOME") → "AGENTDISPATCH_HOME".
func EnvVar(suffix string) string {
	load()
	return defaults.EnvPrefix + "_" + strings.ToUpper(suffix)
}
