// Package agent implements the three agent modes.
//
// A Runner turns one planned job into a Result: triage labels and summarises
// issues, bug-finder scans files touched in a window (or the whole tree) for
// defects, and code-review reviews a pull request diff. Every model call goes
// through the llm.Client the runner was built with, which in production is
// an llm.Guarded carrying rate limit, budget and retry.
//
// Comments that runners post carry a hidden marker so that a re-delivered
// event does not comment twice, even if the ledger was lost.
package agent
