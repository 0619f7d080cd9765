package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/insights"
	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Capturer runs the single-photo capture path.
type Capturer interface {
	CaptureOnce(ctx context.Context, req capture.Request, image []byte) (*types.SessionSummary, error)
}

// Streams controls background stream captures.
type Streams interface {
	Start(ctx context.Context, cfg stream.Config) (stream.Snapshot, error)
	Stop(ctx context.Context, id uuid.UUID) (stream.Snapshot, error)
	Status(id uuid.UUID) (stream.Snapshot, error)
}

// Enroller builds and reviews face templates.
type Enroller interface {
	Enroll(ctx context.Context, identityID uuid.UUID, samples [][]byte, consent bool) (*types.EnrolledTemplate, error)
	Review(ctx context.Context, identityID uuid.UUID, action string, reviewer uuid.UUID) (*types.EnrolledTemplate, error)
	Pending(ctx context.Context) ([]types.PendingEnrollment, error)
}

// Insighter summarizes stored attendance for a session owner.
type Insighter interface {
	Insights(ctx context.Context, ownerID uuid.UUID, threshold float64) (*insights.Report, error)
}

// Server represents the HTTP adapter.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	log        *zap.Logger

	capture  Capturer
	streams  Streams
	enroll   Enroller
	insights Insighter
	defaults config.CaptureConfig
}

// NewServer wires the routes onto a chi router.
func NewServer(cfg *config.Config, c Capturer, s Streams, e Enroller, i Insighter, log *zap.Logger) *Server {
	r := chi.NewRouter()
	srv := &Server{
		router:   r,
		log:      log,
		capture:  c,
		streams:  s,
		enroll:   e,
		insights: i,
		defaults: cfg.Capture,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(srv.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	srv.setupRoutes()

	srv.httpServer = &http.Server{
		Addr:         cfg.Web.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // encoding enrollment samples can be slow
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", healthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions/{sessionId}/capture", s.captureSession)

		r.Post("/streams", s.startStream)
		r.Get("/streams/{streamId}", s.streamStatus)
		r.Post("/streams/{streamId}/stop", s.stopStream)

		r.Post("/enrollments", s.submitEnrollment)
		r.Get("/enrollments/pending", s.pendingEnrollments)
		r.Post("/enrollments/{identityId}/review", s.reviewEnrollment)

		r.Get("/insights", s.ownerInsights)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("starting web server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down web server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())))
	})
}
