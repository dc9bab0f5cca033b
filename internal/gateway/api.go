// ABOUTME: REST handlers for conversations, search, and RAG
// ABOUTME: JSON in/out with a single error payload shape and status mapping

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/retrieval"
	"github.com/threadline-ai/threadline/internal/store"
)

type createConversationRequest struct {
	Title        string         `json:"title"`
	Participants []string       `json:"participants"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type conversationResponse struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Participants []string       `json:"participants"`
	Status       string         `json:"status"`
	StartTS      time.Time      `json:"start_ts"`
	EndTS        *time.Time     `json:"end_ts,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedBy    string         `json:"created_by"`
}

type searchRequest struct {
	Query   string            `json:"query"`
	Filters retrieval.Filters `json:"filters"`
	Limit   int               `json:"limit"`
}

type ragRequest struct {
	Query   string            `json:"query"`
	Filters retrieval.Filters `json:"filters"`
}

type conversationQueryRequest struct {
	Query string `json:"query"`
}

// handleCreateConversation creates an active conversation. The caller is
// always a participant, listed or not.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	participants := req.Participants
	if !containsString(participants, authCtx.UserID) {
		participants = append(participants, authCtx.UserID)
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:           uuid.New().String(),
		Title:        req.Title,
		Participants: participants,
		Status:       store.ConversationActive,
		StartTS:      now,
		Metadata:     req.Metadata,
		CreatedBy:    authCtx.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.store.CreateConversation(r.Context(), conv); err != nil {
		g.writeStoreError(w, err)
		return
	}

	g.logger.Info("conversation created", "conversation_id", conv.ID, "created_by", authCtx.UserID)
	writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

// handleListConversations lists the caller's conversations, newest first.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	convs, err := g.store.ListConversationsByParticipant(r.Context(), authCtx.UserID, limit)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}

	out := make([]conversationResponse, len(convs))
	for i, conv := range convs {
		out[i] = toConversationResponse(conv)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	conv, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if !conv.HasParticipant(authCtx.UserID) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleEndConversation ends the conversation and dispatches analysis.
// Ending is idempotent at the store: a second call gets 409 and no second
// analysis dispatch.
func (g *Gateway) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	conv, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if !conv.HasParticipant(authCtx.UserID) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	if err := g.store.EndConversation(r.Context(), id, time.Now().UTC()); err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.scheduler.Dispatch(id)

	g.logger.Info("conversation ended", "conversation_id", id, "ended_by", authCtx.UserID)
	ended, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(ended))
}

// handleQueryConversation answers a question against one conversation's
// transcript. Participants only.
func (g *Gateway) handleQueryConversation(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req conversationQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if !conv.HasParticipant(authCtx.UserID) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	answer, err := g.engine.QueryConversation(r.Context(), conv, req.Query)
	if err != nil {
		g.writeRetrievalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	results, err := g.engine.Search(r.Context(), req.Query, req.Filters, req.Limit)
	if err != nil {
		g.writeRetrievalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (g *Gateway) handleRAG(w http.ResponseWriter, r *http.Request) {
	var req ragRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := g.engine.RAGQuery(r.Context(), req.Query, req.Filters)
	if err != nil {
		g.writeRetrievalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeStoreError maps store sentinels onto HTTP statuses.
func (g *Gateway) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrConversationEnded):
		writeError(w, http.StatusConflict, "conversation already ended")
	default:
		g.logger.Error("store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeRetrievalError maps retrieval failures onto HTTP statuses. Provider
// failures surface as 502 since the upstream model is the broken hop.
func (g *Gateway) writeRetrievalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, retrieval.ErrProvider):
		g.logger.Error("provider error", "error", err)
		writeError(w, http.StatusBadGateway, "upstream provider failed")
	default:
		g.logger.Error("retrieval error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toConversationResponse(conv *store.Conversation) conversationResponse {
	return conversationResponse{
		ID:           conv.ID,
		Title:        conv.Title,
		Participants: conv.Participants,
		Status:       string(conv.Status),
		StartTS:      conv.StartTS,
		EndTS:        conv.EndTS,
		Summary:      conv.Summary,
		Metadata:     conv.Metadata,
		CreatedBy:    conv.CreatedBy,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
