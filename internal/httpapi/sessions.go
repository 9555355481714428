package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tbellucci/voicebridge/internal/realtime"
	"github.com/tbellucci/voicebridge/internal/registry"
	"github.com/tbellucci/voicebridge/internal/transcript"
)

const maxSDPSize = 1 << 20

type createSessionRequest struct {
	Voice        string `json:"voice,omitempty"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type createSessionResponse struct {
	SessionID    string               `json:"session_id"`
	ClientSecret realtime.ClientSecret `json:"client_secret"`
	Tools        []string             `json:"tools"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	tools, names := s.toolDefinitions(r)

	orch, secret, err := s.registry.Create(r.Context(), registry.CreateParams{
		Voice:        req.Voice,
		Model:        req.Model,
		Instructions: req.Instructions,
		Tools:        tools,
	})
	if err != nil {
		if errors.Is(err, registry.ErrOverloaded) {
			respondError(w, http.StatusServiceUnavailable, "capacity_exceeded", err.Error())
			return
		}
		respondUpstreamError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:    orch.ID(),
		ClientSecret: secret,
		Tools:        names,
	})
}

// toolDefinitions exposes the executor's tool set to the model. An
// unreachable executor yields an empty set rather than a failed session.
func (s *Server) toolDefinitions(r *http.Request) ([]realtime.ToolDefinition, []string) {
	schemas, err := s.dispatcher.Tools(r.Context())
	if err != nil {
		return nil, nil
	}
	defs := make([]realtime.ToolDefinition, 0, len(schemas))
	names := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		defs = append(defs, realtime.ToolDefinition{
			Type:        "function",
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  schema.Parameters,
		})
		names = append(names, schema.Name)
	}
	return defs, names
}

func (s *Server) handleSDP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no live session with that id")
		return
	}

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" || bearer == r.Header.Get("Authorization") {
		respondError(w, http.StatusUnauthorized, "missing_client_secret", "Authorization: Bearer <client_secret> required")
		return
	}

	offer, err := io.ReadAll(io.LimitReader(r.Body, maxSDPSize))
	if err != nil || len(offer) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_offer", "empty SDP offer")
		return
	}

	answer, err := s.signaler.ExchangeSDP(r.Context(), offer, bearer)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusOK)
	w.Write(answer)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := transcript.SessionStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	sessions, err := s.store.ListSessions(r.Context(), status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, transcript.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	entries, err := s.store.Entries(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session":    sess,
		"transcript": entries,
	})
}

type endSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req endSessionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	reason := req.Reason
	if reason == "" {
		reason = transcript.EndReasonUserEnded
	}

	if _, ok := s.registry.Get(id); ok {
		s.registry.Remove(id, reason)
		sess, err := s.store.GetSession(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, sess)
		return
	}

	// The session may have ended on its own; ending again is a no-op.
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", "no session with that id")
		return
	}
	if sess.Status == transcript.StatusActive {
		sess, err = s.store.EndSession(r.Context(), id, reason, "")
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, sess)
}

type resumeSessionResponse struct {
	SessionID       string                   `json:"session_id"`
	ClientSecret    realtime.ClientSecret    `json:"client_secret"`
	ContextToInject []transcript.ContextItem `json:"context_to_inject"`
	Transcript      []transcript.Entry       `json:"transcript"`
}

// handleResumeSession starts a successor session seeded with the ended
// session's recent context.
func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	prior, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", "no session with that id")
		return
	}
	if prior.Status == transcript.StatusActive {
		respondError(w, http.StatusConflict, "session_active", "session is still live; end it before resuming")
		return
	}

	items, err := s.store.ResumptionContext(r.Context(), id, s.cfg.ResumeContextTurns)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	entries, err := s.store.Entries(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	tools, _ := s.toolDefinitions(r)
	orch, secret, err := s.registry.Create(r.Context(), registry.CreateParams{
		Voice: prior.Voice,
		Model: prior.Model,
		Tools: tools,
	})
	if err != nil {
		if errors.Is(err, registry.ErrOverloaded) {
			respondError(w, http.StatusServiceUnavailable, "capacity_exceeded", err.Error())
			return
		}
		respondUpstreamError(w, err)
		return
	}

	for _, item := range items {
		if err := orch.InjectMessage(item.Role, item.Text); err != nil {
			break
		}
	}

	respondJSON(w, http.StatusCreated, resumeSessionResponse{
		SessionID:       orch.ID(),
		ClientSecret:    secret,
		ContextToInject: items,
		Transcript:      entries,
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.SessionStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
