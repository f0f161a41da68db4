// Package api exposes the conversion service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/sigma-convertd/pkg/config"
	"github.com/polisai/sigma-convertd/pkg/dispatch"
	"github.com/polisai/sigma-convertd/pkg/domain"
)

// Service is the conversion surface the HTTP layer depends on.
type Service interface {
	ListVersions() []string
	ListTargets(ctx context.Context, version string) ([]domain.Target, error)
	ListFormats(ctx context.Context, version, target string) ([]domain.Format, error)
	ListPipelines(ctx context.Context, version, target string) ([]domain.PipelineInfo, error)
	Convert(ctx context.Context, req dispatch.Request) (domain.ConversionResult, error)
}

// Server serves the conversion API.
type Server struct {
	cfg     config.ServerConfig
	service Service
	metrics *Metrics
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer creates a server. metrics may be nil.
func NewServer(cfg config.ServerConfig, service Service, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseMode == "" {
		cfg.ResponseMode = config.ResponseModeText
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.Default().Server.ShutdownTimeout
	}
	return &Server{
		cfg:     cfg,
		service: service,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return s.requestID(mux)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	wrap := func(endpoint string, handler http.HandlerFunc) http.Handler {
		h := otelhttp.NewHandler(handler, "convertd."+endpoint)
		if s.metrics != nil {
			h = s.metrics.Instrument(endpoint, h)
		}
		return h
	}

	mux.Handle("GET /api/v1/sigma-versions", wrap("versions", s.handleVersions))
	mux.Handle("GET /api/v1/versions", wrap("versions", s.handleVersions))
	mux.Handle("GET /api/v1/{version}/targets", wrap("targets", s.handleTargets))
	mux.Handle("GET /api/v1/{version}/formats", wrap("formats", s.handleFormats))
	mux.Handle("GET /api/v1/{version}/pipelines", wrap("pipelines", s.handlePipelines))
	mux.Handle("POST /api/v1/{version}/convert", wrap("convert", s.handleConvert))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "addr", s.cfg.Address, "response_mode", s.cfg.ResponseMode)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
