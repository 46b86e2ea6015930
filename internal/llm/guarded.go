package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentx-labs/agentdispatch/internal/budget"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/ratelimit"
	"github.com/agentx-labs/agentdispatch/internal/resilience"
)

// defaultMaxTokens bounds the reservation when a request sets no MaxTokens.
const defaultMaxTokens = 1024

// Observer receives accounting for every settled call. metrics.Collectors
// implements it.
type Observer interface {
	ObserveCompletion(model string, promptTokens, completionTokens int, costUSD float64)
	ObserveRateLimitWait(model string, wait time.Duration)
}

// Guarded decorates a Client with rate limiting, budget enforcement, retry
// and a circuit breaker. Any of the guards may be nil.
type Guarded struct {
	next     Client
	limiter  *ratelimit.Limiter
	meter    *budget.Meter
	breaker  *resilience.CircuitBreaker
	policy   resilience.Policy
	observer Observer
	logger   zerolog.Logger
}

// GuardOption configures Guarded.
type GuardOption func(*Guarded)

// WithLimiter paces calls through l.
func WithLimiter(l *ratelimit.Limiter) GuardOption {
	return func(g *Guarded) { g.limiter = l }
}

// WithMeter charges calls to m.
func WithMeter(m *budget.Meter) GuardOption {
	return func(g *Guarded) { g.meter = m }
}

// WithBreaker short-circuits calls while cb is open.
func WithBreaker(cb *resilience.CircuitBreaker) GuardOption {
	return func(g *Guarded) { g.breaker = cb }
}

// WithRetryPolicy overrides resilience.DefaultPolicy.
func WithRetryPolicy(p resilience.Policy) GuardOption {
	return func(g *Guarded) { g.policy = p }
}

// WithObserver reports settled calls to o.
func WithObserver(o Observer) GuardOption {
	return func(g *Guarded) { g.observer = o }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l zerolog.Logger) GuardOption {
	return func(g *Guarded) { g.logger = l }
}

// NewGuarded wraps next.
func NewGuarded(next Client, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:   next,
		policy: resilience.DefaultPolicy(),
		logger: xlog.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewBreaker returns a circuit breaker that only counts ErrUnavailable.
func NewBreaker(threshold int, reset time.Duration, opts ...resilience.Option) *resilience.CircuitBreaker {
	opts = append([]resilience.Option{resilience.WithFailureClassifier(IsRetryable)}, opts...)
	return resilience.NewCircuitBreaker("llm", threshold, reset, opts...)
}

// Complete reserves budget, then calls the wrapped client with retries.
// A budget or breaker rejection happens before any request is sent.
func (g *Guarded) Complete(ctx context.Context, req Request) (Response, error) {
	maxOut := req.MaxTokens
	if maxOut <= 0 {
		maxOut = defaultMaxTokens
		req.MaxTokens = maxOut
	}

	var res *budget.Reservation
	if g.meter != nil {
		estimate := budget.EstimateTokens(req.System) + budget.EstimateTokens(req.Prompt)
		r, err := g.meter.Reserve(ctx, req.Scope, req.Model, estimate, maxOut)
		if err != nil {
			return Response{}, err
		}
		res = r
	}

	resp, err := resilience.Retry(ctx, g.policy, IsRetryable,
		func(attempt int, err error, wait time.Duration) {
			g.logger.Warn().Err(err).
				Str(xlog.FieldModel, req.Model).
				Int(xlog.FieldAttempt, attempt).
				Int64(xlog.FieldWaitMillis, wait.Milliseconds()).
				Msg("llm call failed, retrying")
		},
		func(ctx context.Context) (Response, error) { return g.attempt(ctx, req) })
	if err != nil {
		if g.meter != nil {
			g.meter.Release(res)
		}
		return Response{}, err
	}

	usage := resp.Usage
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = budget.EstimateTokens(req.System) + budget.EstimateTokens(req.Prompt)
		usage.CompletionTokens = budget.EstimateTokens(resp.Content)
		resp.Usage = usage
	}
	if g.meter != nil {
		cost, err := g.meter.Commit(ctx, res, budget.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
		})
		resp.CostUSD = cost
		if err != nil {
			g.logger.Error().Err(err).Str(xlog.FieldModel, req.Model).Msg("recording llm spend")
		}
	}
	if g.observer != nil {
		g.observer.ObserveCompletion(req.Model, usage.PromptTokens, usage.CompletionTokens, resp.CostUSD)
	}
	return resp, nil
}

func (g *Guarded) attempt(ctx context.Context, req Request) (Response, error) {
	if g.limiter != nil {
		wait, err := g.limiter.Wait(ctx, req.Model)
		if g.observer != nil && wait > 0 {
			g.observer.ObserveRateLimitWait(req.Model, wait)
		}
		if err != nil {
			return Response{}, err
		}
	}
	if g.breaker == nil {
		return g.next.Complete(ctx, req)
	}
	var resp Response
	err := g.breaker.Execute(func() error {
		var callErr error
		resp, callErr = g.next.Complete(ctx, req)
		return callErr
	})
	return resp, err
}

// Degraded reports whether err means the model could not be used at all
// right now, as opposed to the request being wrong.
func Degraded(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, budget.ErrBudgetExceeded)
}
