// Package ledger records which jobs have run so that redelivered events and
// re-run workflows become no-ops. A job is claimed under a lease before its
// agent runs and marked completed or failed afterwards. The ledger also keeps
// daily LLM spend so budgets hold across separate CI runs.
//
// Three backends implement Store: SQLite for a single runner with a cached
// state file, Redis for runners that share state, and memory for dry runs
// and tests.
package ledger
