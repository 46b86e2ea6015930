package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentx-labs/agentdispatch/internal/agent"
	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/event"
	"github.com/agentx-labs/agentdispatch/internal/finding"
	"github.com/agentx-labs/agentdispatch/internal/issues"
	"github.com/agentx-labs/agentdispatch/internal/ledger"
	"github.com/agentx-labs/agentdispatch/internal/llm"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
	"github.com/agentx-labs/agentdispatch/internal/metrics"
	"github.com/agentx-labs/agentdispatch/internal/plan"
	"github.com/agentx-labs/agentdispatch/internal/report"
)

// Defaults for Options left zero.
const (
	DefaultConcurrency = 4
	DefaultLease       = 30 * time.Minute
)

// Options wires a Dispatcher. Store and Agents are required.
type Options struct {
	Manifests []*manifest.AgentManifest
	Store     ledger.Store
	Agents    agent.Deps
	Filer     *issues.Filer
	Meter     *budget.Meter
	Metrics   *metrics.Collectors
	Logger    zerolog.Logger

	Concurrency int
	Lease       time.Duration
	Force       bool
	DryRun      bool
	Version     string

	Now   func() time.Time
	RunID func() string
}

// Dispatcher executes plans.
type Dispatcher struct {
	opts Options
}

// New validates opts and returns a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil && !opts.DryRun {
		return nil, errors.New("dispatch: a ledger store is required")
	}
	if opts.Agents.LLM == nil || opts.Agents.GitHub == nil {
		return nil, errors.New("dispatch: agents need an LLM and a GitHub client")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunID == nil {
		opts.RunID = uuid.NewString
	}
	if opts.Agents.Now == nil {
		opts.Agents.Now = opts.Now
	}
	return &Dispatcher{opts: opts}, nil
}

// Plan builds the plan for ev without running it.
func (d *Dispatcher) Plan(ev *event.Event) (*plan.Plan, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return plan.Build(ev, d.opts.Manifests, d.opts.Now())
}

// Run plans ev and executes every job. The returned error covers planning
// only; job failures are reported per job.
func (d *Dispatcher) Run(ctx context.Context, ev *event.Event) (*report.Report, error) {
	p, err := d.Plan(ev)
	if err != nil {
		return nil, err
	}

	runID := d.opts.RunID()
	logger := d.opts.Logger.With().
		Str(xlog.FieldRunID, runID).
		Str(xlog.FieldEvent, string(ev.Kind)).
		Str(xlog.FieldRepo, ev.Repo).
		Logger()

	rep := &report.Report{
		RunID:      runID,
		Version:    d.opts.Version,
		Event:      string(ev.Kind),
		Action:     ev.Action,
		Repo:       ev.Repo,
		DeliveryID: ev.DeliveryID,
		DryRun:     d.opts.DryRun,
		StartedAt:  d.opts.Now().UTC(),
		Jobs:       make([]report.Job, len(p.Jobs)),
	}
	logger.Info().Int("jobs", len(p.Jobs)).Msg("plan built")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, job := range p.Jobs {
		g.Go(func() error {
			rep.Jobs[i] = d.runJob(gctx, runID, job, logger)
			return nil
		})
	}
	_ = g.Wait()

	rep.FinishedAt = d.opts.Now().UTC()
	rep.Tally()
	logger.Info().
		Int("completed", rep.Totals.Completed).
		Int("skipped", rep.Totals.Skipped).
		Int("degraded", rep.Totals.Degraded).
		Int("failed", rep.Totals.Failed).
		Float64(xlog.FieldCostUSD, rep.Totals.CostUSD).
		Msg("dispatch finished")
	return rep, nil
}

func (d *Dispatcher) runJob(ctx context.Context, runID string, job plan.Job, parent zerolog.Logger) report.Job {
	start := d.opts.Now()
	m := job.Agent
	logger := parent.With().
		Str(xlog.FieldJobKey, job.Key).
		Str(xlog.FieldAgent, m.Name).
		Str(xlog.FieldMode, m.Mode).
		Logger()
	rj := report.Job{Key: job.Key, Agent: m.Name, Mode: m.Mode}

	finish := func(status report.Status, reason string) report.Job {
		rj.Status = status
		if rj.Reason == "" {
			rj.Reason = reason
		}
		rj.DurationMS = d.opts.Now().Sub(start).Milliseconds()
		if d.opts.Metrics != nil {
			d.opts.Metrics.RecordJob(m.Name, string(status), d.opts.Now().Sub(start))
			d.opts.Metrics.RecordIssues(m.Name, rj.IssuesCreated)
		}
		ev := logger.Info()
		if status == report.StatusFailed {
			ev = logger.Error()
		} else if status == report.StatusDegraded {
			ev = logger.Warn()
		}
		ev.Str(xlog.FieldStatus, string(status)).Str("reason", rj.Reason).Msg("job finished")
		return rj
	}

	if err := manifest.CheckCompatibility(m, d.opts.Version); err != nil {
		rj.Error = err.Error()
		return finish(report.StatusFailed, "incompatible manifest")
	}

	claimed := false
	if !d.opts.DryRun {
		if d.opts.Force {
			if _, err := d.opts.Store.Reopen(ctx, job.Key); err != nil {
				rj.Error = err.Error()
				return finish(report.StatusFailed, "ledger reset failed")
			}
		}
		rec, err := d.opts.Store.Claim(ctx, job.Key, m.Name, runID, d.opts.Lease)
		switch {
		case errors.Is(err, ledger.ErrAlreadyDone):
			return finish(report.StatusSkipped, "already completed")
		case errors.Is(err, ledger.ErrInFlight):
			return finish(report.StatusSkipped, "in flight in another run")
		case err != nil:
			rj.Error = err.Error()
			return finish(report.StatusFailed, "ledger claim failed")
		}
		rj.Attempt = rec.Attempts
		claimed = true
	}

	// Ledger writes must land even when the run is being cancelled.
	persist := context.WithoutCancel(ctx)
	fail := func(status report.Status, reason string, cause error) report.Job {
		rj.Error = cause.Error()
		if claimed {
			if err := d.opts.Store.Fail(persist, job.Key, runID, cause); err != nil {
				logger.Error().Err(err).Msg("recording failure in ledger")
			}
		}
		return finish(status, reason)
	}

	if d.opts.Meter != nil {
		d.opts.Meter.SetScopeLimit(job.Key, m.RunBudget())
	}
	res, err := agent.For(m.Mode, d.opts.Agents).Run(ctx, job)
	if res != nil {
		rj.LLMCalls = res.Calls
		rj.TokensIn = res.Usage.PromptTokens
		rj.TokensOut = res.Usage.CompletionTokens
		rj.CostUSD = res.CostUSD
		rj.Comments = res.Comments
		rj.Findings = len(res.Findings)
		if len(res.Findings) > 0 {
			rj.BySeverity = finding.Counts(res.Findings)
		}
	}
	if err != nil {
		if llm.Degraded(err) {
			return fail(report.StatusDegraded, degradedReason(err), err)
		}
		return fail(report.StatusFailed, "agent failed", err)
	}

	if res.FileIssues && len(res.Findings) > 0 && d.opts.Filer != nil {
		out, err := d.opts.Filer.File(ctx, issues.Request{
			Repo:      job.Repo,
			Agent:     m.Name,
			Findings:  res.Findings,
			Threshold: severity(m.SeverityThreshold),
			Labels:    m.Labels,
			Limit:     m.MaxItems,
		})
		rj.IssuesCreated = out.Created
		rj.IssueNumbers = out.Numbers
		rj.IssuesPlanned = out.Planned
		rj.Duplicates = out.Duplicates
		if err != nil {
			return fail(report.StatusFailed, "filing issues failed", err)
		}
	}

	if claimed {
		err := d.opts.Store.Complete(persist, job.Key, runID, ledger.Outcome{
			CostUSD:     rj.CostUSD,
			Findings:    rj.Findings,
			IssuesFiled: rj.IssuesCreated,
		})
		if err != nil {
			rj.Error = err.Error()
			if errors.Is(err, ledger.ErrNotOwner) {
				return finish(report.StatusFailed, "lease lost before completion")
			}
			return finish(report.StatusFailed, "ledger complete failed")
		}
	}
	if res.Skipped {
		return finish(report.StatusCompleted, res.Note)
	}
	return finish(report.StatusCompleted, "")
}

func degradedReason(err error) string {
	switch {
	case errors.Is(err, budget.ErrBudgetExceeded):
		return "budget exceeded"
	case errors.Is(err, llm.ErrUnavailable):
		return "llm unavailable"
	default:
		return "circuit open"
	}
}

func severity(name string) finding.Severity {
	sev, err := finding.ParseSeverity(name)
	if err != nil {
		return finding.Medium
	}
	return sev
}

// String renders a one-line summary of a job for logs and CLI output.
func String(j report.Job) string {
	s := fmt.Sprintf("%-9s %s", j.Status, j.Key)
	if j.Reason != "" {
		s += " (" + j.Reason + ")"
	}
	return s
}
