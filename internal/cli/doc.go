// Package cli implements the agentdispatch command tree. Each command lives
// in its own file and registers itself on the root command from init.
package cli
