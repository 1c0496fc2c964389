package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lily-agent/server/internal/agent/graph"
	"github.com/lily-agent/server/internal/agent/model"
	errx "github.com/lily-agent/server/internal/core/error"
	logx "github.com/lily-agent/server/pkg/logger"
)

// Server is the thin HTTP front-end over the turn runner. It owns no
// conversation logic: every request maps onto one Runner call.
type Server struct {
	runner graph.Runner
}

func NewServer(runner graph.Runner) *Server {
	return &Server{runner: runner}
}

// Routes wires the chat endpoints.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/new", s.handleNewChat)
	mux.HandleFunc("GET /chat/{thread_id}", s.handleGetChat)
	mux.HandleFunc("POST /chat/{thread_id}/message", s.handleSendMessage)
	return mux
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": uuid.NewString()})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	transcript, err := s.runner.Transcript(r.Context(), threadID)
	if err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("Failed to load transcript")
		writeError(w, errx.Status(err), "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": transcript})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.runner.RunTurn(r.Context(), model.QueryInput{ThreadID: threadID, Query: req.Message})
	if err != nil {
		if errors.Is(err, errx.ErrVersionConflict) {
			// A concurrent turn won the commit; the client retries against
			// the freshly persisted state.
			writeError(w, http.StatusConflict, "conversation was updated concurrently, retry the message")
			return
		}
		logx.Error().Err(err).Str("thread_id", threadID).Msg("Turn failed")
		writeError(w, errx.Status(err), errx.SystemErrorMessage)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
