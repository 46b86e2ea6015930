// Package webhook receives GitHub webhook deliveries and feeds them to the
// dispatcher through a bounded queue.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/agentx-labs/agentdispatch/internal/event"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
	"github.com/agentx-labs/agentdispatch/internal/metrics"
	"github.com/agentx-labs/agentdispatch/internal/report"
)

// Delivery outcomes used as the metrics result label.
const (
	resultAccepted  = "accepted"
	resultBadSig    = "bad_signature"
	resultIgnored   = "ignored"
	resultInvalid   = "invalid"
	resultQueueFull = "queue_full"
)

// Runner executes the plan for one event. *dispatch.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, ev *event.Event) (*report.Report, error)
}

// Config configures the receiver.
type Config struct {
	Secret       string
	QueueSize    int
	Workers      int
	RequestLimit int // per client IP per minute, 0 disables
	MaxBodyBytes int64
}

// DefaultConfig returns the receiver defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    64,
		Workers:      1,
		RequestLimit: 300,
		MaxBodyBytes: 25 << 20,
	}
}

// Server is the webhook receiver.
type Server struct {
	cfg     Config
	runner  Runner
	metrics *metrics.Collectors
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan *event.Event
	wg     sync.WaitGroup
}

// New returns a Server. A secret is required: unsigned deliveries are never
// accepted.
func New(cfg Config, runner Runner, m *metrics.Collectors, logger zerolog.Logger) (*Server, error) {
	if cfg.Secret == "" {
		return nil, errors.New("webhook: a secret is required")
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if m == nil {
		m = metrics.New(false)
	}
	return &Server{
		cfg:     cfg,
		runner:  runner,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan *event.Event, cfg.QueueSize),
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Group(func(r chi.Router) {
		if s.cfg.RequestLimit > 0 {
			r.Use(httprate.Limit(s.cfg.RequestLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					w.Header().Set("Retry-After", "60")
					http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				}),
			))
		}
		r.Post("/webhook", s.handleWebhook)
	})
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	logger := s.logger.With().Str(xlog.FieldEvent, name).Str(xlog.FieldDeliveryID, delivery).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.metrics.RecordDelivery(name, resultInvalid)
		http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	if !Verify([]byte(s.cfg.Secret), body, r.Header.Get(SignatureHeader)) {
		s.metrics.RecordDelivery(name, resultBadSig)
		logger.Warn().Msg("rejected delivery with bad signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := event.FromWebhook(name, delivery, body, s.now())
	if errors.Is(err, event.ErrUnsupportedEvent) {
		s.metrics.RecordDelivery(name, resultIgnored)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.metrics.RecordDelivery(name, resultInvalid)
		logger.Warn().Err(err).Msg("rejected malformed delivery")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.enqueue(ev) {
		s.metrics.RecordDelivery(name, resultQueueFull)
		logger.Warn().Msg("queue full, delivery refused")
		w.Header().Set("Retry-After", "30")
		http.Error(w, "dispatch queue is full", http.StatusServiceUnavailable)
		return
	}
	s.metrics.RecordDelivery(name, resultAccepted)
	logger.Info().Str(xlog.FieldRepo, ev.Repo).Str(xlog.FieldAction, ev.Action).Msg("delivery queued")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) enqueue(ev *event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- ev:
		s.metrics.WebhookQueueDepth.Set(float64(len(s.queue)))
		return true
	default:
		return false
	}
}

// Start launches the dispatch workers. They stop once Drain is called and
// the queue is empty; ctx is passed to every dispatch.
func (s *Server) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for ev := range s.queue {
		s.metrics.WebhookQueueDepth.Set(float64(len(s.queue)))
		logger := s.logger.With().Str(xlog.FieldDeliveryID, ev.DeliveryID).Str(xlog.FieldEvent, string(ev.Kind)).Logger()
		rep, err := s.runner.Run(ctx, ev)
		if err != nil {
			logger.Error().Err(err).Msg("dispatch failed")
			continue
		}
		logger.Info().
			Str(xlog.FieldRunID, rep.RunID).
			Int("jobs", rep.Totals.Jobs).
			Int("failed", rep.Totals.Failed).
			Msg("delivery dispatched")
	}
}

// Drain stops accepting deliveries and waits for queued ones to finish or
// ctx to expire.
func (s *Server) Drain(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining webhook queue: %w", ctx.Err())
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts the HTTP
// server down and drains the queue within grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	s.Start(workCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("webhook server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = s.Drain(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := s.Drain(shutdownCtx); err != nil {
		cancelWork()
		s.wg.Wait()
		return err
	}
	return nil
}
