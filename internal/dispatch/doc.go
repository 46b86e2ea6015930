// Package dispatch runs the jobs planned for one event.
//
// For each job the dispatcher claims the idempotency key in the ledger, runs
// the agent, files issues for its findings and records the outcome. Jobs run
// concurrently up to a limit, and the report lists them in plan order.
//
// A job ends in one of four states:
//
//	completed  the agent ran (or had nothing to do) and the ledger recorded it
//	skipped    the key was already completed, or another run holds its lease
//	degraded   the model was unavailable or the budget ran out; the claim is
//	           released as failed so a later run retries it
//	failed     anything else
package dispatch
