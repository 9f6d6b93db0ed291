package httpadapter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

// Evaluator runs one detection request synchronously.
type Evaluator interface {
	Evaluate(ctx context.Context, req domain.DetectionRequest) (domain.DetectionOutcome, error)
}

// History records outcomes and lists them for a field, newest first.
type History interface {
	LoadBatch(ctx context.Context, outcomes []domain.DetectionOutcome) error
	ListByField(ctx context.Context, fieldID string, limit int) ([]domain.DetectionOutcome, error)
}

// Options configures a Server. When History is set, synchronous detections are
// recorded in it; when nil, the history route answers 404.
type Options struct {
	Addr           string
	AllowedOrigins []string
	DetectTimeout  time.Duration
	Ready          sharedobs.ReadinessChecker
	Evaluator      Evaluator
	History        History
}

// Server exposes the detection API alongside health, readiness, and metrics.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	handlers   *handlers
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, and the
// /v1 detection routes.
func NewServer(opts Options, logger *slog.Logger) *Server {
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = 5 * time.Minute
	}

	h := &handlers{
		evaluator:     opts.Evaluator,
		history:       opts.History,
		detectTimeout: opts.DetectTimeout,
		logger:        logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(opts.Ready))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(requestLogger(logger))
		api.Post("/detections", h.createDetection)
		api.Get("/fields/{fieldID}/detections", h.listDetections)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:        opts.Addr,
			Handler:     r,
			ReadTimeout: 10 * time.Second,
			// A synchronous detection may run for the whole detect timeout.
			WriteTimeout: opts.DetectTimeout + 10*time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:   logger,
		handlers: h,
	}
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// ReadinessFunc adapts a function to sharedobs.ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

func (f ReadinessFunc) CheckReadiness(ctx context.Context) error { return f(ctx) }

// AllReady is ready when every non-nil checker is.
func AllReady(checkers ...sharedobs.ReadinessChecker) sharedobs.ReadinessChecker {
	return ReadinessFunc(func(ctx context.Context) error {
		for _, c := range checkers {
			if c == nil {
				continue
			}
			if err := c.CheckReadiness(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
