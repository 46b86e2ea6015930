package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agentx-labs/agentdispatch/internal/agent"
	"github.com/agentx-labs/agentdispatch/internal/event"
	"github.com/agentx-labs/agentdispatch/internal/github"
	"github.com/agentx-labs/agentdispatch/internal/issues"
	"github.com/agentx-labs/agentdispatch/internal/ledger"
	"github.com/agentx-labs/agentdispatch/internal/llm"
	"github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
	"github.com/agentx-labs/agentdispatch/internal/metrics"
	"github.com/agentx-labs/agentdispatch/internal/report"
	"github.com/agentx-labs/agentdispatch/internal/resilience"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

var now = time.Date(2026, 3, 4, 2, 0, 5, 0, time.UTC)

// repoServer is a fake GitHub with one commit touching main.go.
type repoServer struct {
	mu      sync.Mutex
	created []github.Issue
}

func (s *repoServer) client(t *testing.T) *github.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"sha":"c1"}]`))
	})
	mux.HandleFunc("GET /repos/acme/widgets/commits/c1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sha":"c1","files":[{"filename":"main.go","status":"modified"}]}`))
	})
	mux.HandleFunc("GET /repos/acme/widgets/contents/main.go", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","content":%q}`, base64.StdEncoding.EncodeToString([]byte("package main\n")))
	})
	mux.HandleFunc("GET /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := []github.Issue{}
		if r.URL.Query().Get("page") == "1" {
			out = append(out, s.created...)
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		var in github.NewIssue
		json.NewDecoder(r.Body).Decode(&in)
		s.mu.Lock()
		defer s.mu.Unlock()
		is := github.Issue{Number: len(s.created) + 1, Title: in.Title, Body: in.Body, State: "open"}
		for _, l := range in.Labels {
			is.Labels = append(is.Labels, github.Label{Name: l})
		}
		s.created = append(s.created, is)
		json.NewEncoder(w).Encode(is)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return github.NewClient("t", github.WithBaseURL(srv.URL), github.WithRetryPolicy(resilience.Policy{MaxAttempts: 1}))
}

type fakeLLM struct {
	mu    sync.Mutex
	calls map[string]int
	reply func(req llm.Request) (llm.Response, error)
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.Scope]++
	f.mu.Unlock()
	return f.reply(req)
}

func (f *fakeLLM) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func findingsReply(llm.Request) (llm.Response, error) {
	return llm.Response{
		Content: `{"findings":[{"title":"Unchecked error","severity":"high","file":"main.go","line":1}]}`,
		Usage:   llm.Usage{PromptTokens: 200, CompletionTokens: 40},
		CostUSD: 0.002,
	}, nil
}

func bugFinder(name string) *manifest.AgentManifest {
	m := &manifest.AgentManifest{
		Name:    name,
		Type:    manifest.TypeAgent,
		Version: "1.0.0",
		Mode:    manifest.ModeBugFinder,
		Model:   "openai/gpt-4o-mini",
		Triggers: []manifest.Trigger{
			{Event: "schedule", Cron: "0 2 * * *"},
		},
	}
	m.ApplyDefaults()
	return m
}

func scheduleEvent() *event.Event {
	return &event.Event{Kind: event.Schedule, Repo: "acme/widgets", Schedule: "0 2 * * *", ReceivedAt: now}
}

type fixture struct {
	store ledger.Store
	repo  *repoServer
	llm   *fakeLLM
	gh    *github.Client
}

func newFixture(t *testing.T, reply func(llm.Request) (llm.Response, error)) *fixture {
	t.Helper()
	f := &fixture{
		store: ledger.NewMemory(ledger.Options{Clock: func() time.Time { return now }}),
		repo:  &repoServer{},
		llm:   &fakeLLM{reply: reply},
	}
	f.gh = f.repo.client(t)
	return f
}

func (f *fixture) dispatcher(t *testing.T, mutate func(*Options)) *Dispatcher {
	t.Helper()
	opts := Options{
		Manifests: []*manifest.AgentManifest{bugFinder("bug-finder")},
		Store:     f.store,
		Agents:    agent.Deps{LLM: f.llm, GitHub: f.gh, Logger: log.Discard()},
		Filer:     issues.NewFiler(f.gh),
		Metrics:   metrics.New(false),
		Logger:    log.Discard(),
		Now:       func() time.Time { return now },
		RunID:     func() string { return "run-1" },
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return d
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New without store should fail")
	}
	if _, err := New(Options{Store: ledger.NewMemory(ledger.Options{})}); err == nil {
		t.Error("New without agents should fail")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, findingsReply)
	d := f.dispatcher(t, nil)
	ctx := context.Background()

	rep, err := d.Run(ctx, scheduleEvent())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(rep.Jobs) != 1 {
		t.Fatalf("jobs = %d", len(rep.Jobs))
	}
	job := rep.Jobs[0]
	if job.Key != "bug-finder:acme/widgets:schedule/daily/2026-03-04" {
		t.Errorf("key = %s", job.Key)
	}
	if job.Status != report.StatusCompleted || job.IssuesCreated != 1 || job.Findings != 1 || job.Attempt != 1 {
		t.Fatalf("job = %+v", job)
	}
	if job.CostUSD != 0.002 || job.TokensIn != 200 {
		t.Errorf("accounting = %+v", job)
	}

	rec, err := f.store.Get(ctx, job.Key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ledger.StatusCompleted || rec.IssuesFiled != 1 {
		t.Errorf("ledger record = %+v", rec)
	}

	// Redelivery of the same event does nothing.
	again, err := d.Run(ctx, scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	if again.Jobs[0].Status != report.StatusSkipped || again.Jobs[0].Reason != "already completed" {
		t.Errorf("rerun job = %+v", again.Jobs[0])
	}
	if f.llm.total() != 1 || len(f.repo.created) != 1 {
		t.Errorf("rerun called llm %d times, issues %d", f.llm.total(), len(f.repo.created))
	}
}

func TestForceRerunsButDoesNotRefile(t *testing.T) {
	f := newFixture(t, findingsReply)
	ctx := context.Background()
	if _, err := f.dispatcher(t, nil).Run(ctx, scheduleEvent()); err != nil {
		t.Fatal(err)
	}

	rep, err := f.dispatcher(t, func(o *Options) { o.Force = true }).Run(ctx, scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	job := rep.Jobs[0]
	if job.Status != report.StatusCompleted || job.IssuesCreated != 0 || job.Duplicates != 1 {
		t.Errorf("forced job = %+v", job)
	}
	if f.llm.total() != 2 || len(f.repo.created) != 1 {
		t.Errorf("llm calls %d, issues %d", f.llm.total(), len(f.repo.created))
	}
}

func TestDegradedJobIsRetriedLater(t *testing.T) {
	down := true
	f := newFixture(t, func(req llm.Request) (llm.Response, error) {
		if down {
			return llm.Response{}, fmt.Errorf("calling model: %w", llm.ErrUnavailable)
		}
		return findingsReply(req)
	})
	ctx := context.Background()

	rep, err := f.dispatcher(t, nil).Run(ctx, scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	job := rep.Jobs[0]
	if job.Status != report.StatusDegraded || job.Reason != "llm unavailable" {
		t.Fatalf("job = %+v", job)
	}
	if rep.Failed() {
		t.Error("degraded run should not count as failed")
	}
	rec, _ := f.store.Get(ctx, job.Key)
	if rec.Status != ledger.StatusFailed {
		t.Errorf("ledger status = %s", rec.Status)
	}

	down = false
	rep, err = f.dispatcher(t, nil).Run(ctx, scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Jobs[0].Status != report.StatusCompleted || rep.Jobs[0].Attempt != 2 {
		t.Errorf("retry job = %+v", rep.Jobs[0])
	}
}

func TestAgentErrorFailsJob(t *testing.T) {
	f := newFixture(t, func(llm.Request) (llm.Response, error) {
		return llm.Response{}, &llm.APIError{Status: 400, Message: "bad model"}
	})
	rep, err := f.dispatcher(t, nil).Run(context.Background(), scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Jobs[0].Status != report.StatusFailed || !rep.Failed() {
		t.Errorf("job = %+v", rep.Jobs[0])
	}
}

func TestInFlightIsSkipped(t *testing.T) {
	f := newFixture(t, findingsReply)
	ctx := context.Background()
	key := "bug-finder:acme/widgets:schedule/daily/2026-03-04"
	if _, err := f.store.Claim(ctx, key, "bug-finder", "other-run", time.Hour); err != nil {
		t.Fatal(err)
	}
	rep, err := f.dispatcher(t, nil).Run(ctx, scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Jobs[0].Status != report.StatusSkipped || f.llm.total() != 0 {
		t.Errorf("job = %+v, llm calls %d", rep.Jobs[0], f.llm.total())
	}
}

func TestForceLeavesLiveLeaseAlone(t *testing.T) {
	f := newFixture(t, findingsReply)
	ctx := context.Background()
	key := "bug-finder:acme/widgets:schedule/daily/2026-03-04"
	if _, err := f.store.Claim(ctx, key, "bug-finder", "other-run", time.Hour); err != nil {
		t.Fatal(err)
	}
	rep, err := f.dispatcher(t, func(o *Options) { o.Force = true }).Run(ctx, scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	job := rep.Jobs[0]
	if job.Status != report.StatusSkipped || job.Reason != "in flight in another run" {
		t.Errorf("job = %+v, want skipped in flight", job)
	}
	if f.llm.total() != 0 {
		t.Errorf("llm calls = %d, want 0", f.llm.total())
	}
	rec, err := f.store.Get(ctx, key)
	if err != nil || rec.RunID != "other-run" {
		t.Errorf("record = %+v, %v; want the other run's claim kept", rec, err)
	}
}

func TestReportKeepsPlanOrder(t *testing.T) {
	f := newFixture(t, func(req llm.Request) (llm.Response, error) {
		// The first job in plan order finishes last.
		if req.Scope == "a-finder:acme/widgets:schedule/daily/2026-03-04" {
			time.Sleep(50 * time.Millisecond)
		}
		return llm.Response{Content: `{"findings":[]}`}, nil
	})
	d := f.dispatcher(t, func(o *Options) {
		o.Manifests = []*manifest.AgentManifest{bugFinder("c-finder"), bugFinder("a-finder"), bugFinder("b-finder")}
		o.Concurrency = 3
	})
	rep, err := d.Run(context.Background(), scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, j := range rep.Jobs {
		got = append(got, j.Agent)
	}
	want := []string{"a-finder", "b-finder", "c-finder"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if rep.Totals.Completed != 3 {
		t.Errorf("totals = %+v", rep.Totals)
	}
}

func TestIncompatibleManifestFails(t *testing.T) {
	f := newFixture(t, findingsReply)
	m := bugFinder("bug-finder")
	m.Requires = ">= 2.0.0"
	d := f.dispatcher(t, func(o *Options) {
		o.Manifests = []*manifest.AgentManifest{m}
		o.Version = "1.4.0"
	})
	rep, err := d.Run(context.Background(), scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Jobs[0].Status != report.StatusFailed || rep.Jobs[0].Reason != "incompatible manifest" {
		t.Errorf("job = %+v", rep.Jobs[0])
	}
	if _, err := f.store.Get(context.Background(), rep.Jobs[0].Key); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("incompatible job reached the ledger: %v", err)
	}
}

func TestDryRunLeavesNoTrace(t *testing.T) {
	f := newFixture(t, findingsReply)
	d := f.dispatcher(t, func(o *Options) {
		o.DryRun = true
		o.Agents.GitHub = github.NewDryRun(f.gh, log.Discard())
		o.Filer = issues.NewFiler(f.gh, issues.WithDryRun(true))
	})
	rep, err := d.Run(context.Background(), scheduleEvent())
	if err != nil {
		t.Fatal(err)
	}
	job := rep.Jobs[0]
	if job.Status != report.StatusCompleted || job.IssuesPlanned != 1 || job.IssuesCreated != 0 {
		t.Errorf("job = %+v", job)
	}
	if !rep.DryRun || len(f.repo.created) != 0 {
		t.Errorf("dry run wrote %d issues", len(f.repo.created))
	}
	if _, err := f.store.Get(context.Background(), job.Key); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("dry run wrote the ledger: %v", err)
	}
}

func TestRunRejectsInvalidEvent(t *testing.T) {
	f := newFixture(t, findingsReply)
	_, err := f.dispatcher(t, nil).Run(context.Background(), &event.Event{Kind: event.Issues, Repo: "acme/widgets"})
	if err == nil {
		t.Fatal("issues event without number should be rejected")
	}
}
