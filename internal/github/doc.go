// Package github is a small GitHub REST client covering what the agents
// need: reading issues, pull requests, commits and trees, and writing issues,
// comments and labels. Reads are retried on 429 and 5xx; writes are not.
package github
