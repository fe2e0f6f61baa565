package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/AgentZ2077/game/internal/game"
	"github.com/AgentZ2077/game/internal/observability/metrics"
	"github.com/AgentZ2077/game/pkg/logger"
)

// Server serves the HTTP API.
type Server struct {
	addr        string
	driver      *game.Driver
	tasks       TaskService
	metrics     *metrics.Metrics
	journalPath string
	origins     []string
	logger      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithTaskService enables queued runs and the run listing endpoints.
func WithTaskService(svc TaskService) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithMetrics instruments every handler and serves /metrics from m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithJournalPath sets the journal file served by /log.
func WithJournalPath(path string) Option {
	return func(s *Server) {
		s.journalPath = path
	}
}

// WithAllowedOrigins restricts CORS origins. Empty means any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = append([]string(nil), origins...)
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the API server.
func NewServer(addr string, driver *game.Driver, opts ...Option) *Server {
	s := &Server{addr: addr, driver: driver, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	return s
}

// Handler returns the routed, instrumented and CORS wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /mcp/context", "mcp_context", s.handleContext)
	s.route(mux, "POST /api/v1/runs", "runs_create", s.handleCreateRun)
	s.route(mux, "GET /api/v1/runs", "runs_list", s.handleListRuns)
	s.route(mux, "GET /api/v1/runs/stats", "runs_stats", s.handleRunStats)
	s.route(mux, "GET /api/v1/runs/{id}", "runs_detail", s.handleRunDetail)
	s.route(mux, "GET /api/v1/memories", "memories_query", s.handleQueryMemories)
	s.route(mux, "GET /api/v1/memories/recent", "memories_recent", s.handleRecentMemories)
	s.route(mux, "GET /api/v1/memories/stats", "memories_stats", s.handleMemoryStats)
	s.route(mux, "GET /api/v1/memories/{id}", "memories_detail", s.handleMemoryDetail)
	s.route(mux, "POST /api/v1/memories/links", "memories_link", s.handleLinkMemories)
	s.route(mux, "POST /api/v1/simulations", "simulations", s.handleSimulate)
	s.route(mux, "GET /log", "log", s.handleLog)
	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.Handle(pattern, s.metrics.Instrument(name, h))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext rejects requests once the root context is done.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
