package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dabla/taskrunner/internal/backend"
	"github.com/dabla/taskrunner/internal/bundle"
	"github.com/dabla/taskrunner/internal/engine"
	"github.com/dabla/taskrunner/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// Log streams lift this per connection.
	writeTimeout = 30 * time.Second
)

// Server exposes the engine over HTTP: submitting task instances, following
// their output, and reading what workers stored.
type Server struct {
	router   *chi.Mux
	store    store.Store
	registry *backend.Registry
	bundles  *bundle.Registry
	engine   *engine.Engine
	logger   *slog.Logger
	addr     string
}

// NewServer wires the API routes to the store, the backend and bundle
// registries, and the engine executing submitted task instances.
func NewServer(addr string, s store.Store, reg *backend.Registry, bundles *bundle.Registry, eng *engine.Engine, logger *slog.Logger) *Server {
	srv := &Server{
		store:    s,
		registry: reg,
		bundles:  bundles,
		engine:   eng,
		logger:   logger,
		addr:     addr,
	}
	srv.router = srv.newRouter()
	return srv
}

func (s *Server) newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.logRequests,
		instrument,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}),
	)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/backends", s.handleListBackends)
		r.Get("/bundles", s.handleListBundles)
		r.Get("/stats", s.handleGetStats)

		r.Post("/dag-runs", s.handleCreateDagRun)
		r.Get("/dag-runs/{dag_id}/{run_id}", s.handleGetDagRun)

		r.Route("/task-instances", func(r chi.Router) {
			r.Post("/", s.handleSubmitTaskInstance)
			r.Get("/", s.handleListTaskInstances)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTaskInstance)
				r.Get("/rendered-fields", s.handleGetRenderedFields)
				r.Get("/logs", s.handleStreamLogs)
				r.Get("/logs/history", s.handleGetLogHistory)
			})
		})

		r.Get("/xcoms/{dag_id}/{run_id}/{task_id}/{key}", s.handleGetXCom)
		r.Put("/variables/{key}", s.handlePutVariable)
		r.Put("/connections/{conn_id}", s.handlePutConnection)
	})
	return r
}

// Router returns the chi router, for tests and extra routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves the API until ctx is done, then drains in-flight requests.
// Request contexts derive from ctx, so open log streams end with it.
func (s *Server) Run(ctx context.Context) error {
	hs := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("api: listening", "addr", s.addr)
		serveErr <- hs.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	s.logger.Info("api: stopped")
	return nil
}

// logRequests writes one structured line per request. Probes and scrapes are
// logged at debug so they do not drown task traffic.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(began).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
