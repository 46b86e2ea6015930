package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of a ledger record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrAlreadyDone is returned by Claim when the job has completed.
	ErrAlreadyDone = errors.New("job already completed")
	// ErrInFlight is returned by Claim when another run holds a live lease.
	ErrInFlight = errors.New("job is running elsewhere")
	// ErrNotOwner is returned when completing or failing a claim held by another run.
	ErrNotOwner = errors.New("claim is held by another run")
	// ErrNotFound is returned by Get for unknown keys.
	ErrNotFound = errors.New("ledger record not found")
)

// Record is the persisted state of one job.
type Record struct {
	Key         string    `json:"key"`
	Agent       string    `json:"agent"`
	Status      Status    `json:"status"`
	RunID       string    `json:"run_id"`
	Attempts    int       `json:"attempts"`
	ClaimedAt   time.Time `json:"claimed_at"`
	LeaseUntil  time.Time `json:"lease_until"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	CostUSD     float64   `json:"cost_usd"`
	Findings    int       `json:"findings"`
	IssuesFiled int       `json:"issues_filed"`
}

// Outcome is what a completed job reports back.
type Outcome struct {
	CostUSD     float64
	Findings    int
	IssuesFiled int
}

// Spend is accumulated LLM usage for one day and scope.
type Spend struct {
	USD    float64
	Tokens int64
}

// Store is implemented by every ledger backend.
type Store interface {
	// Claim marks key as running under runID until now+lease.
	Claim(ctx context.Context, key, agent, runID string, lease time.Duration) (Record, error)
	Complete(ctx context.Context, key, runID string, out Outcome) error
	Fail(ctx context.Context, key, runID string, cause error) error
	// Reset forgets a record so the next Claim starts from scratch.
	Reset(ctx context.Context, key string) error
	// Reopen forgets key only when its record is completed and reports
	// whether it did. Running and failed records are left alone.
	Reopen(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (Record, error)
	// List returns the most recently claimed records first.
	List(ctx context.Context, limit int) ([]Record, error)
	// Prune deletes finished records older than before and returns how many.
	Prune(ctx context.Context, before time.Time) (int, error)
	AddSpend(ctx context.Context, day, scope string, usd float64, tokens int64) error
	Spend(ctx context.Context, day, scope string) (Spend, error)
	Close() error
}

// Clock returns the current time. Backends take one so tests control leases.
type Clock func() time.Time

// Options shared by the backends.
type Options struct {
	Clock Clock
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock().UTC()
	}
	return time.Now().UTC()
}

// decideClaim applies the claim rules to an existing record. It returns the
// record to store, or an error when the claim must be refused.
func decideClaim(existing *Record, key, agent, runID string, now time.Time, lease time.Duration) (Record, error) {
	next := Record{
		Key:        key,
		Agent:      agent,
		Status:     StatusRunning,
		RunID:      runID,
		Attempts:   1,
		ClaimedAt:  now,
		LeaseUntil: now.Add(lease),
	}
	if existing == nil {
		return next, nil
	}
	switch existing.Status {
	case StatusCompleted:
		return *existing, ErrAlreadyDone
	case StatusRunning:
		if existing.RunID != runID && now.Before(existing.LeaseUntil) {
			return *existing, fmt.Errorf("%w: run %s until %s", ErrInFlight, existing.RunID, existing.LeaseUntil.Format(time.RFC3339))
		}
	}
	next.Attempts = existing.Attempts + 1
	return next, nil
}
