package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tbellucci/voicebridge/internal/dispatch"
)

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.dispatcher.Tools(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "executor_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": schemas})
}

type executeToolRequest struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

type executeToolResponse struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Truncated  bool            `json:"truncated,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// handleExecuteTool runs one tool outside any voice session, with the same
// timeout and truncation rules the sessions get.
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req executeToolRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	res, err := s.dispatcher.Execute(r.Context(), name, req.Arguments, timeout)
	if err != nil {
		respondJSON(w, statusForToolError(err), executeToolResponse{
			Success:    false,
			Error:      err.Error(),
			DurationMS: res.Duration.Milliseconds(),
		})
		return
	}

	respondJSON(w, http.StatusOK, executeToolResponse{
		Success:    true,
		Output:     res.Output,
		Truncated:  res.Truncated,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func statusForToolError(err error) int {
	switch dispatch.KindOf(err) {
	case dispatch.KindNotFound:
		return http.StatusNotFound
	case dispatch.KindInvalidArguments:
		return http.StatusBadRequest
	case dispatch.KindBlocked:
		return http.StatusForbidden
	case dispatch.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
