// Package server exposes runs over HTTP and streams their progress over
// WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/config"
	"github.com/v0xg/bddscout/internal/pipeline"
	"github.com/v0xg/bddscout/internal/progress"
	"github.com/v0xg/bddscout/internal/storage"
)

// Store is the read/write surface the API needs.
type Store interface {
	CreateRun(ctx context.Context, url, provider, model string) (int64, error)
	GetRun(ctx context.Context, id int64) (storage.Run, error)
	ListRuns(ctx context.Context, limit int) ([]storage.Run, error)
	GetFeatures(ctx context.Context, id int64) ([]storage.Feature, error)
	GetLogs(ctx context.Context, id int64) ([]storage.LogEntry, error)
}

// Settings are the per-request generation and browser choices.
type Settings struct {
	LLM      config.LLMConfig
	Headless bool
}

// PipelineFactory builds the pipeline for one request. An error is
// reported to the client as a bad request.
type PipelineFactory func(s Settings) (*pipeline.Pipeline, error)

// Server owns the router, the WebSocket hub and every run it started.
type Server struct {
	cfg     *config.Config
	store   Store
	hub     *progress.Hub
	factory PipelineFactory
	log     *zap.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	active    map[int64]struct{}
	now       func() time.Time
}

// New creates a server over store, streaming progress through hub
func New(cfg *config.Config, store Store, hub *progress.Hub, factory PipelineFactory, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		store:     store,
		hub:       hub,
		factory:   factory,
		log:       log.Named("server"),
		runCtx:    ctx,
		cancelRun: cancel,
		active:    make(map[int64]struct{}),
		now:       time.Now,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// WebSocket upgrades stay outside the request logger.
	r.Get("/ws/{id}", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)

		r.Route("/api", func(r chi.Router) {
			r.Get("/health", s.handleHealth)
			r.Get("/config", s.handleConfig)
			r.Post("/generate", s.handleGenerate)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/task/{id}", s.handleGetTask)
			r.Get("/task/{id}/logs", s.handleGetLogs)
			r.Get("/task/{id}/workflow", s.handleWorkflow)
			r.Get("/download/{id}/{type}", s.handleDownload)
		})
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down within the
// configured timeout and cancels in-flight runs at their next step.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http shutdown error", zap.Error(err))
	}
	s.Shutdown(shutdownCtx)
	return <-errCh
}

// Shutdown cancels every run, waits for them up to ctx and disconnects
// WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) {
	s.cancelRun()
	done := make(chan struct{})
	go func() {
		s.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("runs still active at shutdown", zap.Int("active", s.activeCount()))
	}
	s.hub.Close()
}

// wait blocks until every started run has finished.
func (s *Server) wait() { s.wg.Wait() }

func (s *Server) start(p *pipeline.Pipeline, req pipeline.Request) {
	s.mu.Lock()
	s.active[req.RunID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, req.RunID)
			s.mu.Unlock()
		}()
		run := p.Execute(s.runCtx, req)
		s.log.Info("run finished",
			zap.Int64("run_id", run.ID),
			zap.String("status", run.Status),
			zap.String("error", run.Error))
	}()
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// StatusFunc adapts a store to the hub's get_status lookup.
func StatusFunc(store Store) progress.StatusFunc {
	return func(ctx context.Context, runID int64) (progress.Event, error) {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return progress.Event{}, err
		}
		ev := progress.Event{
			Type:        progress.TypeStatus,
			RunID:       run.ID,
			Status:      run.Status,
			Progress:    run.Progress,
			CurrentStep: run.CurrentStep,
			Error:       run.ErrorMessage,
		}
		switch run.Status {
		case storage.StatusCompleted:
			ev.Type = progress.TypeComplete
		case storage.StatusFailed:
			ev.Type = progress.TypeError
		}
		return ev, nil
	}
}
