// Package ratelimit paces outbound LLM requests with token buckets: one for
// the provider as a whole and one per model.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration. A zero rate disables that bucket.
type Config struct {
	// Requests per minute across all models.
	GlobalPerMinute float64
	GlobalBurst     int

	// Requests per minute per model, with per-model overrides.
	ModelPerMinute float64
	ModelBurst     int
	ModelOverrides map[string]float64
}

// DefaultConfig matches OpenRouter's free-tier guidance.
func DefaultConfig() Config {
	return Config{
		GlobalPerMinute: 60,
		GlobalBurst:     10,
		ModelPerMinute:  20,
		ModelBurst:      5,
	}
}

// Limiter manages the provider and per-model buckets.
type Limiter struct {
	config   Config
	global   *rate.Limiter
	mu       sync.Mutex
	perModel map[string]*rate.Limiter
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	return &Limiter{
		config:   cfg,
		global:   newBucket(cfg.GlobalPerMinute, cfg.GlobalBurst),
		perModel: make(map[string]*rate.Limiter),
	}
}

func newBucket(perMinute float64, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perMinute/60), burst)
}

func (l *Limiter) model(name string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.perModel[name]; ok {
		return lim
	}
	perMinute := l.config.ModelPerMinute
	if override, ok := l.config.ModelOverrides[name]; ok {
		perMinute = override
	}
	lim := newBucket(perMinute, l.config.ModelBurst)
	l.perModel[name] = lim
	return lim
}

// Wait blocks until both the provider and the model bucket admit one request,
// or ctx is done. It returns how long it waited.
func (l *Limiter) Wait(ctx context.Context, model string) (time.Duration, error) {
	start := time.Now()
	for _, lim := range []*rate.Limiter{l.global, l.model(model)} {
		if lim == nil {
			continue
		}
		if err := lim.Wait(ctx); err != nil {
			return time.Since(start), fmt.Errorf("rate limit wait for %s: %w", model, err)
		}
	}
	return time.Since(start), nil
}

// Allow reports whether a request for model may be sent right now without
// waiting. It consumes tokens when it returns true.
func (l *Limiter) Allow(model string) bool {
	now := time.Now()
	g, m := l.global, l.model(model)
	if g != nil && !g.AllowN(now, 1) {
		return false
	}
	if m != nil && !m.AllowN(now, 1) {
		return false
	}
	return true
}
