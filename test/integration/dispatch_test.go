//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentx-labs/agentdispatch/internal/agent"
	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/dispatch"
	"github.com/agentx-labs/agentdispatch/internal/event"
	"github.com/agentx-labs/agentdispatch/internal/github"
	"github.com/agentx-labs/agentdispatch/internal/issues"
	"github.com/agentx-labs/agentdispatch/internal/ledger"
	"github.com/agentx-labs/agentdispatch/internal/llm"
	"github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
	"github.com/agentx-labs/agentdispatch/internal/metrics"
	"github.com/agentx-labs/agentdispatch/internal/ratelimit"
	"github.com/agentx-labs/agentdispatch/internal/report"
	"github.com/agentx-labs/agentdispatch/internal/resilience"
)

var runAt = time.Date(2026, 3, 4, 2, 0, 9, 0, time.UTC)

// runOnce wires the production stack against the fakes, as a fresh process
// would, and dispatches one nightly schedule event.
func runOnce(t *testing.T, env *testEnv, force bool) (*report.Report, ledger.Store) {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return runAt }

	store, err := ledger.Open(ctx, ledger.Config{Backend: ledger.BackendSQLite, Path: env.LedgerPath}, ledger.Options{Clock: clock})
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manifests, err := manifest.LoadDir(env.ManifestDir)
	if err != nil {
		t.Fatalf("loading manifests: %v", err)
	}

	m := metrics.New(false)
	meter := budget.NewMeter(budget.NewTable(nil), store, budget.Limits{DailyUSD: 1}, clock)
	client := llm.NewGuarded(
		llm.NewOpenRouter("or-test", llm.WithBaseURL(env.OpenRouter.URL)),
		llm.WithLimiter(ratelimit.New(ratelimit.DefaultConfig())),
		llm.WithMeter(meter),
		llm.WithBreaker(llm.NewBreaker(3, time.Minute)),
		llm.WithRetryPolicy(resilience.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond}),
		llm.WithObserver(m),
		llm.WithLogger(log.Discard()),
	)
	gh := github.NewClient("ghs-test", github.WithBaseURL(env.GitHub.URL))

	d, err := dispatch.New(dispatch.Options{
		Manifests: manifests,
		Store:     store,
		Agents:    agent.Deps{LLM: client, GitHub: gh, Logger: log.Discard()},
		Filer:     issues.NewFiler(gh, issues.WithLogger(log.Discard())),
		Meter:     meter,
		Metrics:   m,
		Logger:    log.Discard(),
		Force:     force,
		Version:   "1.0.0",
		Now:       clock,
	})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	ev := &event.Event{Kind: event.Schedule, Repo: "acme/widgets", Schedule: "0 2 * * *", ReceivedAt: runAt}
	rep, err := d.Run(ctx, ev)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rep, store
}

func TestNightlyScanFilesOnceAcrossProcesses(t *testing.T) {
	env := setupTestEnv(t)

	first, store := runOnce(t, env, false)
	if len(first.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(first.Jobs))
	}
	job := first.Jobs[0]
	if job.Status != report.StatusCompleted || job.IssuesCreated != 1 {
		t.Fatalf("first run = %+v, want completed with one issue", job)
	}
	if got, ok := env.OpenRouter.auth.Load().(string); !ok || got != "Bearer or-test" {
		t.Errorf("Authorization = %v, want Bearer or-test", env.OpenRouter.auth.Load())
	}
	spend, err := store.Spend(context.Background(), budget.DayKey(runAt), budget.ScopeGlobal)
	if err != nil {
		t.Fatal(err)
	}
	if spend.USD <= 0 || spend.Tokens != 1350 {
		t.Errorf("spend = %+v, want positive cost over 1350 tokens", spend)
	}

	second, _ := runOnce(t, env, false)
	if s := second.Jobs[0].Status; s != report.StatusSkipped {
		t.Errorf("second run status = %s, want skipped", s)
	}
	if calls := env.OpenRouter.calls.Load(); calls != 1 {
		t.Errorf("LLM calls after rerun = %d, want 1", calls)
	}

	forced, _ := runOnce(t, env, true)
	if j := forced.Jobs[0]; j.Status != report.StatusCompleted || j.IssuesCreated != 0 || j.Duplicates != 1 {
		t.Errorf("forced run = %+v, want completed with the finding deduplicated", j)
	}
	if n := len(env.GitHub.issues()); n != 1 {
		t.Errorf("issues filed = %d, want 1", n)
	}
}
