package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lazypower/compound/internal/engine"
	"github.com/lazypower/compound/internal/metrics"
)

// Options configures a Server.
type Options struct {
	Version string
	Logger  *slog.Logger

	// RetrieveTimeout bounds a single retrieval. Zero means no bound beyond
	// the request context. SetRetrieveTimeout changes it at runtime.
	RetrieveTimeout time.Duration

	// MetricsPath exposes Prometheus metrics when non-empty.
	MetricsPath string
}

// Server is the compound HTTP API server.
type Server struct {
	engine  *engine.Engine
	router  chi.Router
	logger  *slog.Logger
	opts    Options
	started time.Time

	retrieveTimeout atomic.Int64
}

// New creates a new Server over eng.
func New(eng *engine.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		engine:  eng,
		logger:  opts.Logger,
		opts:    opts,
		started: time.Now(),
	}
	s.retrieveTimeout.Store(int64(opts.RetrieveTimeout))
	s.routes()
	return s
}

// RetrieveTimeout returns the current per-retrieval bound.
func (s *Server) RetrieveTimeout() time.Duration {
	return time.Duration(s.retrieveTimeout.Load())
}

// SetRetrieveTimeout swaps the per-retrieval bound for subsequent requests.
func (s *Server) SetRetrieveTimeout(d time.Duration) {
	s.retrieveTimeout.Store(int64(d))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	if s.opts.MetricsPath != "" {
		r.Method(http.MethodGet, s.opts.MetricsPath, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/memory", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Get("/health", s.handleHealthReport)
			r.Get("/entries", s.handleListEntries)
			r.Get("/entries/{entryID}", s.handleGetEntry)
			r.Delete("/entries/{entryID}", s.handleDeleteEntry)
			r.Post("/ingest", s.handleIngest)
			r.Post("/ingest/bulk", s.handleBulkIngest)
			r.Post("/compact", s.handleCompact)
		})

		r.Route("/context", func(r chi.Router) {
			r.Post("/retrieve", s.handleRetrieve)
			r.Post("/voice", s.handleVoice)
			r.Get("/suggest", s.handleSuggest)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.engine.DB.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.opts.Version,
		"uptime":   time.Since(s.started).Seconds(),
		"db":       dbOK,
		"db_path":  s.engine.DB.Path,
		"embedder": s.engine.Embedder.Model(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to their HTTP status and writes
// {"error": msg, "type": kind}.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *engine.Error
	if !errors.As(err, &ee) {
		ee = engine.InternalError("", err)
	}

	status := ee.HTTPStatusCode()
	msg := ee.Message
	if msg == "" {
		msg = ee.Error()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": msg,
		"type":  ee.Kind,
	})
}

// userID reads the required user_id query parameter. On failure the
// response has been written.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("user_id")
	if id == "" {
		s.writeError(w, r, engine.ValidationError("request", "user_id query parameter required"))
		return "", false
	}
	return id, true
}

// decode reads a JSON body into v. On failure the response has been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, engine.ValidationError("request", "invalid json: %v", err))
		return false
	}
	return true
}
