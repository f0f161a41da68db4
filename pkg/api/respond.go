package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/polisai/sigma-convertd/pkg/config"
	"github.com/polisai/sigma-convertd/pkg/domain"
	"github.com/polisai/sigma-convertd/pkg/telemetry"
)

// RequestIDHeader carries the request identifier in both directions.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "requestID"

// RequestIDFromContext returns the identifier assigned to the request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidRequest,
		domain.KindMalformedRuleYAML,
		domain.KindMalformedPipelineYAML,
		domain.KindUnknownTarget,
		domain.KindUnknownPipeline,
		domain.KindRuleConversion:
		return http.StatusBadRequest
	case domain.KindEngineNotFound:
		return http.StatusNotFound
	case domain.KindAdmissionDenied:
		return http.StatusForbidden
	case domain.KindEngineTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// writeError renders a classified error in the configured response mode.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)

	detail := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		detail = de.Detail()
	}

	requestID := RequestIDFromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"status", status,
		"kind", kind,
		"request_id", requestID,
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", attrs...)
	} else {
		s.logger.Info("Request rejected", attrs...)
	}

	if s.cfg.ResponseMode == config.ResponseModeJSON {
		s.writeJSON(w, status, domain.ErrorResponse{
			Code:      string(kind),
			Message:   detail,
			RequestID: requestID,
			TraceID:   telemetry.TraceID(r.Context()),
		})
		return
	}
	s.writeText(w, status, string(kind)+": "+detail)
}
