// Package report describes the outcome of a dispatch run and publishes it:
// a JSON file, a GitHub Actions step summary and Actions step outputs.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"
)

// Status is the final state of a job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusDegraded  Status = "degraded"
	StatusFailed    Status = "failed"
)

// Job is the report line of one planned job.
type Job struct {
	Key           string         `json:"key"`
	Agent         string         `json:"agent"`
	Mode          string         `json:"mode"`
	Status        Status         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
	Findings      int            `json:"findings"`
	BySeverity    map[string]int `json:"by_severity,omitempty"`
	IssuesCreated int            `json:"issues_created"`
	IssueNumbers  []int          `json:"issue_numbers,omitempty"`
	IssuesPlanned int            `json:"issues_planned,omitempty"`
	Duplicates    int            `json:"duplicates,omitempty"`
	Comments      int            `json:"comments,omitempty"`
	LLMCalls      int            `json:"llm_calls,omitempty"`
	TokensIn      int            `json:"tokens_in"`
	TokensOut     int            `json:"tokens_out"`
	CostUSD       float64        `json:"cost_usd"`
	DurationMS    int64          `json:"duration_ms"`
	Error         string         `json:"error,omitempty"`
}

// Totals sums the jobs of a report.
type Totals struct {
	Jobs          int     `json:"jobs"`
	Completed     int     `json:"completed"`
	Skipped       int     `json:"skipped"`
	Degraded      int     `json:"degraded"`
	Failed        int     `json:"failed"`
	Findings      int     `json:"findings"`
	IssuesCreated int     `json:"issues_created"`
	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`
	CostUSD       float64 `json:"cost_usd"`
}

// Report is the outcome of one dispatch run. Jobs are in plan order.
type Report struct {
	RunID      string    `json:"run_id"`
	Version    string    `json:"version"`
	Event      string    `json:"event"`
	Action     string    `json:"action,omitempty"`
	Repo       string    `json:"repo"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Jobs       []Job     `json:"jobs"`
	Totals     Totals    `json:"totals"`
}

// Tally recomputes Totals from Jobs.
func (r *Report) Tally() {
	var t Totals
	for _, j := range r.Jobs {
		t.Jobs++
		switch j.Status {
		case StatusCompleted:
			t.Completed++
		case StatusSkipped:
			t.Skipped++
		case StatusDegraded:
			t.Degraded++
		case StatusFailed:
			t.Failed++
		}
		t.Findings += j.Findings
		t.IssuesCreated += j.IssuesCreated
		t.TokensIn += j.TokensIn
		t.TokensOut += j.TokensOut
		t.CostUSD += j.CostUSD
	}
	r.Totals = t
}

// Failed reports whether any job failed outright. Degraded jobs do not count.
func (r *Report) Failed() bool {
	return r.Totals.Failed > 0
}

// WriteJSON replaces path atomically with the indented report.
func WriteJSON(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending report file: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace report: %w", err)
	}
	return nil
}

// ReadJSON loads a report written by WriteJSON.
func ReadJSON(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &r, nil
}
