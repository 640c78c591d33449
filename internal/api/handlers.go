package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/thoughtchain/internal/conversation"
	"github.com/mattjoyce/thoughtchain/internal/store"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

const defaultHistoryLimit = 20

// SubmitRequest is the JSON body for POST /v1/conversations/{id}/messages.
type SubmitRequest struct {
	Content string `json:"content"`
}

// ExpandedRequest is the JSON body for PUT /v1/conversations/{id}/expanded.
type ExpandedRequest struct {
	Keys []string `json:"keys"`
}

// ConversationListResponse is returned by GET /v1/conversations.
type ConversationListResponse struct {
	ActiveID      string                 `json:"active_id,omitempty"`
	Conversations []conversation.Summary `json:"conversations"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListConversations handles GET /v1/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ConversationListResponse{
		ActiveID:      s.conversations.ActiveID(),
		Conversations: s.conversations.List(),
	})
}

// handleCreateConversation handles POST /v1/conversations.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	view, err := s.conversations.Create(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

// handleGetConversation handles GET /v1/conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	view, err := s.conversations.View(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleActivate handles POST /v1/conversations/{id}/activate.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	view, err := s.conversations.Activate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleSubmit handles POST /v1/conversations/{id}/messages.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	msg, err := s.conversations.Submit(id, req.Content)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.logger.Info("message submitted", "conversation_id", id, "stream_id", msg.StreamID)
	respondJSON(w, http.StatusAccepted, msg)
}

// handleAbort handles POST /v1/conversations/{id}/abort.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.conversations.Abort(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	view, err := s.conversations.View(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleSetExpanded handles PUT /v1/conversations/{id}/expanded.
func (s *Server) handleSetExpanded(w http.ResponseWriter, r *http.Request) {
	var req ExpandedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	view, err := s.conversations.SetExpanded(chi.URLParam(r, "id"), req.Keys)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleConfirm handles POST /v1/conversations/{id}/steps/{key}/confirm.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.resolveStep(w, r, s.conversations.Confirm)
}

// handleReject handles POST /v1/conversations/{id}/steps/{key}/reject.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveStep(w, r, s.conversations.Reject)
}

func (s *Server) resolveStep(w http.ResponseWriter, r *http.Request, resolve func(ctx context.Context, id, key string) (stream.Step, error)) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	step, err := resolve(r.Context(), id, key)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("step resolved", "conversation_id", id, "step", key, "status", step.Status)
	respondJSON(w, http.StatusOK, step)
}

// handleGetStream handles GET /v1/streams/{id}.
func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		s.writeError(w, http.StatusNotFound, "stream history is not recorded")
		return
	}
	rec, err := s.streams.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleConversationHistory handles GET /v1/conversations/{id}/history.
func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		s.writeError(w, http.StatusNotFound, "stream history is not recorded")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.streams.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []*store.StreamRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeDomainError maps manager, controller and store errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, stream.ErrStepNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrAlreadyNew),
		errors.Is(err, conversation.ErrNoStream),
		errors.Is(err, stream.ErrStreamActive),
		errors.Is(err, stream.ErrStreamIncomplete),
		errors.Is(err, stream.ErrStepNotPending),
		errors.Is(err, stream.ErrNotToolStep):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
