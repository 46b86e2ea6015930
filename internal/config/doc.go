// Package config loads dispatcher settings from ~/.agentdispatch/config.yaml
// and AGENTDISPATCH_* environment variables.
package config
