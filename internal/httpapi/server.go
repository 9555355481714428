package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tbellucci/voicebridge/internal/config"
	"github.com/tbellucci/voicebridge/internal/dispatch"
	"github.com/tbellucci/voicebridge/internal/events"
	"github.com/tbellucci/voicebridge/internal/observability"
	"github.com/tbellucci/voicebridge/internal/realtime"
	"github.com/tbellucci/voicebridge/internal/registry"
	"github.com/tbellucci/voicebridge/internal/transcript"
)

// Signaler is the upstream signaling surface the server proxies: SDP
// exchange and credential health.
type Signaler interface {
	ExchangeSDP(ctx context.Context, offer []byte, bearer string) ([]byte, error)
	Healthy() bool
}

type Server struct {
	cfg        config.Config
	registry   *registry.Registry
	store      transcript.Store
	dispatcher *dispatch.Dispatcher
	signaler   Signaler
	bus        *events.Bus
	metrics    *observability.Metrics
}

func New(cfg config.Config, reg *registry.Registry, store transcript.Store, dispatcher *dispatch.Dispatcher, signaler Signaler, bus *events.Bus, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		registry:   reg,
		store:      store,
		dispatcher: dispatcher,
		signaler:   signaler,
		bus:        bus,
		metrics:    metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	if s.cfg.AllowAnyOrigin {
		r.Use(allowAnyOrigin)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/stats", s.handleSessionStats)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/sdp", s.handleSDP)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/resume", s.handleResumeSession)

	r.Get("/v1/tools", s.handleListTools)
	r.Post("/v1/tools/{name}", s.handleExecuteTool)

	r.Get("/v1/events", s.handleEventStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.Len(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.signaler.Healthy() {
		respondError(w, http.StatusServiceUnavailable, "upstream_not_ready", "realtime credentials not configured")
		return
	}
	if !s.dispatcher.Healthy(r.Context()) {
		respondError(w, http.StatusServiceUnavailable, "executor_not_ready", "tool executor unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondUpstreamError(w http.ResponseWriter, err error) {
	var upstream *realtime.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.Kind {
		case realtime.UpstreamInvalidFormat:
			respondError(w, http.StatusBadRequest, "invalid_offer", upstream.Detail)
			return
		case realtime.UpstreamUnauthorized:
			respondError(w, http.StatusUnauthorized, "unauthorized", upstream.Detail)
			return
		}
	}
	respondError(w, http.StatusBadGateway, "upstream_error", err.Error())
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
