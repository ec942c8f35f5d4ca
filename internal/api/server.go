// Package api exposes the PulsePipe HTTP interface: the notification dispatch, workflow
// processor and stream ingest entry points plus the administrative CRUD endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown of in-flight requests.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps request bodies; ingest batches are the largest payloads.
	maxBodyBytes = 10 << 20
)

// Dispatcher fans an event out to its notification flows.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev models.Event) (int, error)
}

// WorkflowEngine runs the workflow processor actions.
type WorkflowEngine interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]interface{}) (string, error)
	ProcessEscalations(ctx context.Context) (models.SweepResult, error)
	TriggerEventWorkflows(ctx context.Context, eventData map[string]interface{}) (models.TriggerResult, error)
	ResolveEscalation(ctx context.Context, executionID string, res models.Resolution) (bool, error)
}

// Ingester classifies batches of stream events.
type Ingester interface {
	Ingest(ctx context.Context, streamID string, events json.RawMessage, batchSize int) (models.IngestResult, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAllowedOrigins restricts the CORS origins. The default allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithShutdownTimeout sets how long Run waits for in-flight requests on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st         store.Store
	dispatcher Dispatcher
	engine     WorkflowEngine
	ingester   Ingester
	opts       Opts
	started    time.Time
}

// NewServer creates a Server from its collaborators and options.
func NewServer(st store.Store, dispatcher Dispatcher, engine WorkflowEngine, ingester Ingester, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:         st,
		dispatcher: dispatcher,
		engine:     engine,
		ingester:   ingester,
		opts:       cfg,
		started:    time.Now(),
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     s.opts.AllowedOrigins,
		AllowedMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Client-Info", "Apikey"},
		MaxAge:             300,
		OptionsPassthrough: true,
	}))
	r.Use(preflight)
	r.Use(limitBody)

	r.Get("/health", s.healthHandler)

	r.Post("/notifications/dispatch", s.dispatchHandler)
	r.Post("/workflows/process", s.workflowHandler)
	r.Post("/streams/ingest", s.ingestHandler)

	r.Get("/flows", s.listFlowsHandler)
	r.Post("/flows", s.saveFlowHandler)
	r.Post("/templates", s.saveTemplateHandler)
	r.Put("/preferences", s.upsertPreferenceHandler)
	r.Get("/preferences/{userID}", s.listPreferencesHandler)
	r.Put("/users", s.saveUserHandler)
	r.Post("/workflows", s.saveWorkflowHandler)
	r.Get("/workflows/executions/{executionID}", s.getExecutionHandler)
	r.Post("/streams", s.saveStreamHandler)
	r.Get("/delivery-logs", s.listDeliveryLogsHandler)
	r.Get("/notifications/{userID}", s.listNotificationsHandler)
	r.Get("/alerts", s.listAlertsHandler)
	r.Get("/trending", s.listTrendingHandler)

	return r
}

// preflight answers every OPTIONS request with an empty 200 after the CORS headers are set.
func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("PulsePipe API running", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down", "timeout", s.opts.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	}
}
