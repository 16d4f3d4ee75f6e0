package handlers

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"skycredit/internal/config"
)

// NewRouter wires every route onto a gorilla/mux router wrapped in CORS.
func NewRouter(svc Calls, cfg *config.Config, logger *zap.Logger) http.Handler {
	logger = logger.Named("http")
	r := mux.NewRouter()
	r.Use(requestLogger(logger))

	r.HandleFunc("/health", HealthCheck).Methods(http.MethodGet)

	// JSON API.
	r.HandleFunc("/calls", StartCall(svc, logger)).Methods(http.MethodPost)
	r.HandleFunc("/calls", ListCalls(svc, logger)).Methods(http.MethodGet)
	r.HandleFunc("/calls/{id}", GetCall(svc, logger)).Methods(http.MethodGet)
	r.HandleFunc("/calls/{id}/turns", PostTurn(svc, logger)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{id}/hangup", HangupCall(svc, logger)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{id}/evaluation", EvaluateCall(svc, logger)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{id}/stream", StreamCall(svc, NewUpgrader(), logger)).Methods(http.MethodGet)

	// Twilio voice webhooks.
	voice := r.PathPrefix("/voice").Subrouter()
	voice.Use(twilioSignature(cfg, logger))
	voice.HandleFunc("/inbound", VoiceInbound(svc, cfg, logger)).Methods(http.MethodPost)
	voice.HandleFunc("/gather", VoiceGather(svc, cfg, logger)).Methods(http.MethodPost)

	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})(r)
}
