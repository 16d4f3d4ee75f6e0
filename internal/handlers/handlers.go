package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"skycredit/internal/calls"
	"skycredit/internal/database"
	"skycredit/internal/models"
)

// Calls is the session service the HTTP surface drives.
type Calls interface {
	Start(ctx context.Context, opts calls.StartOptions) (*calls.StartResult, error)
	Turn(ctx context.Context, id, input string) (*calls.TurnResult, error)
	Hangup(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*calls.Detail, error)
	List(ctx context.Context, f database.CallFilter) ([]models.Call, error)
	Evaluate(ctx context.Context, id string) (*models.StoredEvaluation, error)
}

// ─── GET /health ──────────────────────────────────────────────────────────────

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, calls.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, calls.ErrExists), errors.Is(err, calls.ErrCallEnded), errors.Is(err, calls.ErrNoTranscript):
		status = http.StatusConflict
	case errors.Is(err, calls.ErrEmptyInput), errors.Is(err, calls.ErrBadScenario):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("handlers: response writer cannot be hijacked")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}
