// Package api exposes discovery runs over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/pipeline"
	"github.com/sells-group/discovery-cli/internal/resilience"
	"github.com/sells-group/discovery-cli/internal/store"
)

// Runs is the orchestrator surface the API drives. *pipeline.Orchestrator
// implements it.
type Runs interface {
	StartRun(ctx context.Context, req pipeline.StartRequest) (*model.Run, error)
	Status(ctx context.Context, runID string) (*pipeline.RunStatus, error)
	GetReport(ctx context.Context, runID string) (*model.Report, error)
	Abort(ctx context.Context, runID string) (*pipeline.RunStatus, error)
}

// Dispatcher resumes runs in the background. *pipeline.Dispatcher
// implements it.
type Dispatcher interface {
	Dispatch(runID string) bool
}

// Reader is the read-only store surface behind the listing endpoints.
type Reader interface {
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListLedger(ctx context.Context, runID string) ([]model.LedgerEntry, error)
}

// Circuits reports provider circuit breaker state. *gateway.Gateway
// implements it.
type Circuits interface {
	Breakers() map[string]resilience.CircuitState
}

// CacheStats reports fingerprint cache counters. *cache.Cache implements it.
type CacheStats interface {
	Stats() cache.Stats
}

// Options tunes the HTTP layer.
type Options struct {
	CORSOrigins    []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	// Circuits and Cache, when set, are reported by /health.
	Circuits Circuits
	Cache    CacheStats
}

// Server routes HTTP requests to the orchestrator.
type Server struct {
	runs     Runs
	dispatch Dispatcher
	reader   Reader
	opts     Options
}

// New creates a Server.
func New(runs Runs, dispatch Dispatcher, reader Reader, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{runs: runs, dispatch: dispatch, reader: reader, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Post("/", s.startRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.getStatus)
			r.Post("/resume", s.resumeRun)
			r.Post("/abort", s.abortRun)
			r.Get("/report", s.getReport)
			r.Get("/ledger", s.getLedger)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
