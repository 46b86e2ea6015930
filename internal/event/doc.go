// Package event normalizes the trigger that started a dispatch: a GitHub
// Actions run (read from the runner environment and event payload file) or
// a webhook delivery. Both produce the same Event value, so planning never
// needs to know where the trigger came from.
package event
