// Package api is the HTTP control surface: enqueueing, manual queue
// triggers and operator administration.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"promoter/internal/config"
	"promoter/internal/metrics"
	"promoter/internal/models"
	"promoter/internal/service"
	"promoter/internal/status"
	"promoter/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Enqueuer interface {
	EnqueueUpload(ctx context.Context, req service.UploadRequest) (*models.Task, error)
	EnqueueGenericPost(ctx context.Context, req service.GenericPostRequest) (*models.Task, bool, error)
}

type QueueRunner interface {
	ProcessNext(ctx context.Context, kind string) (*worker.ProcessResult, error)
}

type TaskReader interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

type DeadLetterAdmin interface {
	List(ctx context.Context, limit int) ([]models.DeadLetterTask, error)
	Replay(ctx context.Context, opts service.ReplayOptions) (service.ReplayReport, error)
	Requeue(ctx context.Context, id string) (*models.Task, error)
	ResetAttempts(ctx context.Context, taskID string) (*models.Task, error)
}

type BanditAdmin interface {
	Current(ctx context.Context) (models.BanditConfig, error)
	Update(ctx context.Context, actor string, changes map[string]any) (models.BanditConfig, error)
	Rollback(ctx context.Context, actor string) (models.BanditConfig, error)
}

type HealthChecker interface {
	Check(ctx context.Context) (status.Health, error)
}

// Deps are the components the handlers drive. Health may be nil.
type Deps struct {
	Producer    Enqueuer
	Queue       QueueRunner
	Tasks       TaskReader
	DeadLetters DeadLetterAdmin
	Bandit      BanditAdmin
	Health      HealthChecker
	Now         func() time.Time
}

type Server struct {
	deps   Deps
	auth   *HTTPAuth
	router chi.Router
	server *http.Server
	log    zerolog.Logger
}

func NewServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "api").Logger()
	}

	s := &Server{deps: deps, auth: NewHTTPAuth(cfg), log: log}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.auth.Require(PermTasksWrite)).Post("/tasks/upload", s.handleEnqueueUpload)
		r.With(s.auth.Require(PermTasksWrite)).Post("/tasks/generic-post", s.handleEnqueueGenericPost)
		r.With(s.auth.Require(PermTasksRead)).Get("/tasks/{id}", s.handleGetTask)
		r.With(s.auth.Require(PermQueuesProcess)).Post("/queues/{kind}/process-once", s.handleProcessOnce)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.Require(PermAdmin))
			r.Get("/dead-letter", s.handleListDeadLetters)
			r.Get("/dead-letter/export", s.handleExportDeadLetters)
			r.Post("/dead-letter/replay", s.handleReplay)
			r.Post("/dead-letter/{id}/requeue", s.handleRequeue)
			r.Post("/tasks/{id}/reset-attempts", s.handleResetAttempts)
			r.Get("/bandit-config", s.handleGetBanditConfig)
			r.Patch("/bandit-config", s.handleUpdateBanditConfig)
			r.Post("/bandit-config/rollback", s.handleRollbackBanditConfig)
		})
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.IncHTTP(route)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
