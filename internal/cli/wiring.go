package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentx-labs/agentdispatch/internal/agent"
	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/config"
	"github.com/agentx-labs/agentdispatch/internal/dispatch"
	"github.com/agentx-labs/agentdispatch/internal/event"
	"github.com/agentx-labs/agentdispatch/internal/github"
	"github.com/agentx-labs/agentdispatch/internal/issues"
	"github.com/agentx-labs/agentdispatch/internal/ledger"
	"github.com/agentx-labs/agentdispatch/internal/llm"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
	"github.com/agentx-labs/agentdispatch/internal/metrics"
	"github.com/agentx-labs/agentdispatch/internal/ratelimit"
	"github.com/agentx-labs/agentdispatch/internal/report"
	"github.com/agentx-labs/agentdispatch/internal/resilience"
)

// stack is everything a dispatch needs that outlives one event.
type stack struct {
	settings *config.Settings
	store    ledger.Store
	meter    *budget.Meter
	metrics  *metrics.Collectors
	llm      llm.Client
	github   githubAPI
	filer    *issues.Filer
	dryRun   bool
	// spendSrc is the configured ledger opened only for reading spend
	// during a dry run.
	spendSrc ledger.Store
}

// githubAPI is what the runners and the filer need together.
// *github.Client and *github.DryRun satisfy it.
type githubAPI interface {
	agent.GitHub
	issues.GitHub
}

type stackOptions struct {
	dryRun  bool
	apiKey  string // overrides llm.api_key, e.g. from the action input
	runtime bool   // register Go runtime collectors
}

func openStore(ctx context.Context, s *config.Settings) (ledger.Store, error) {
	return ledger.Open(ctx, ledger.Config{
		Backend: s.Ledger.Backend,
		Path:    s.Ledger.Path,
		Redis: ledger.RedisConfig{
			Addr:      s.Ledger.Redis.Addr,
			Password:  s.Ledger.Redis.Password,
			DB:        s.Ledger.Redis.DB,
			KeyPrefix: s.Ledger.Redis.KeyPrefix,
		},
	}, ledger.Options{})
}

// openSpendSource opens the configured ledger so a dry run still sees the
// spend recorded today. It returns nil when there is nothing to read: the
// memory backend, or a SQLite file that does not exist yet.
func openSpendSource(ctx context.Context, s *config.Settings) (ledger.Store, error) {
	switch s.Ledger.Backend {
	case ledger.BackendMemory:
		return nil, nil
	case ledger.BackendSQLite:
		if _, err := os.Stat(s.Ledger.Path); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	return openStore(ctx, s)
}

func buildStack(ctx context.Context, s *config.Settings, opts stackOptions) (*stack, error) {
	apiKey := s.LLM.APIKey
	if opts.apiKey != "" {
		apiKey = opts.apiKey
	}
	if apiKey == "" {
		return nil, errors.New("no LLM API key: set OPENROUTER_API_KEY or the openrouter-api-key input")
	}

	var (
		store    ledger.Store
		spendSrc ledger.Store
		spend    budget.SpendStore
		err      error
	)
	if opts.dryRun {
		store = ledger.NewMemory(ledger.Options{})
		if spendSrc, err = openSpendSource(ctx, s); err != nil {
			return nil, err
		}
		spend = store
		if spendSrc != nil {
			spend = budget.ReadOnly(spendSrc)
		}
	} else {
		if store, err = openStore(ctx, s); err != nil {
			return nil, err
		}
		spend = store
	}

	m := metrics.New(opts.runtime)
	meter := budget.NewMeter(budget.NewTable(s.Budget.Table()), spend, budget.Limits{DailyUSD: s.Budget.DailyUSD}, time.Now)
	limiter := ratelimit.New(ratelimit.Config{
		GlobalPerMinute: s.RateLimit.GlobalPerMinute,
		GlobalBurst:     s.RateLimit.GlobalBurst,
		ModelPerMinute:  s.RateLimit.ModelPerMinute,
		ModelBurst:      s.RateLimit.ModelBurst,
		ModelOverrides:  s.RateLimit.Overrides(),
	})
	breaker := llm.NewBreaker(s.LLM.BreakerThreshold, s.LLM.BreakerReset, resilience.WithStateChange(m.BreakerChanged))
	retry := resilience.DefaultPolicy()
	retry.MaxAttempts = s.LLM.MaxAttempts

	provider := llm.NewOpenRouter(apiKey,
		llm.WithBaseURL(s.LLM.BaseURL),
		llm.WithHTTPClient(&http.Client{Timeout: s.LLM.Timeout}),
		llm.WithReferer(s.LLM.Referer),
	)
	guarded := llm.NewGuarded(provider,
		llm.WithLimiter(limiter),
		llm.WithMeter(meter),
		llm.WithBreaker(breaker),
		llm.WithRetryPolicy(retry),
		llm.WithObserver(m),
		llm.WithLogger(xlog.WithComponent("llm")),
	)

	client := github.NewClient(s.GitHub.Token, github.WithBaseURL(s.GitHub.BaseURL))
	var gh githubAPI = client
	if opts.dryRun {
		gh = github.NewDryRun(client, xlog.WithComponent("github"))
	}
	filer := issues.NewFiler(gh, issues.WithDryRun(opts.dryRun), issues.WithLogger(xlog.WithComponent("issues")))

	return &stack{
		settings: s,
		store:    store,
		meter:    meter,
		metrics:  m,
		llm:      guarded,
		github:   gh,
		filer:    filer,
		dryRun:   opts.dryRun,
		spendSrc: spendSrc,
	}, nil
}

func (st *stack) Close() error {
	var errs []error
	for _, s := range []ledger.Store{st.store, st.spendSrc} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}

// dispatcher loads the manifests from dir and returns a Dispatcher over them.
func (st *stack) dispatcher(dir string, force bool) (*dispatch.Dispatcher, error) {
	manifests, err := manifest.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading agent manifests: %w", err)
	}
	return dispatch.New(dispatch.Options{
		Manifests: manifests,
		Store:     st.store,
		Agents: agent.Deps{
			LLM:    st.llm,
			GitHub: st.github,
			Logger: xlog.WithComponent("agent"),
		},
		Filer:       st.filer,
		Meter:       st.meter,
		Metrics:     st.metrics,
		Logger:      xlog.WithComponent("dispatch"),
		Concurrency: st.settings.Dispatch.Concurrency,
		Lease:       st.settings.Dispatch.Lease,
		Force:       force,
		DryRun:      st.dryRun,
		Version:     buildVersion,
	})
}

// reloadingRunner re-reads the manifests for every event so that a
// long-running server picks up edits without a restart.
type reloadingRunner struct {
	stack  *stack
	dir    string
	logger zerolog.Logger
}

func (r *reloadingRunner) Run(ctx context.Context, ev *event.Event) (*report.Report, error) {
	d, err := r.stack.dispatcher(r.dir, false)
	if err != nil {
		return nil, err
	}
	rep, err := d.Run(ctx, ev)
	if err != nil {
		return nil, err
	}
	if rep.Failed() {
		r.logger.Warn().Str(xlog.FieldRunID, rep.RunID).Int("failed", rep.Totals.Failed).Msg("run finished with failed jobs")
	}
	return rep, nil
}

// actionsEnv layers command-line overrides over the process environment.
func actionsEnv(overrides map[string]string) event.Getenv {
	return func(key string) string {
		if v, ok := overrides[key]; ok && v != "" {
			return v
		}
		return os.Getenv(key)
	}
}

func truthy(v string) bool {
	switch v {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
