// Package handlers implements the HTTP handlers for the Northstar server.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/acktoken"
	"github.com/northstar-ai/northstar/internal/breaker"
	"github.com/northstar-ai/northstar/internal/conversation"
	"github.com/northstar-ai/northstar/internal/gates"
	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/internal/pipeline"
	"github.com/northstar-ai/northstar/pkg/contracts"
	"github.com/northstar-ai/northstar/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Pipeline      *pipeline.Orchestrator
	Crisis        contracts.CrisisService
	Tokens        contracts.TokenService
	Breaker       *breaker.Breaker
	Runs          *pipeline.RunStore
	Conversations *conversation.Store
}

// New creates a Handlers instance.
func New(orch *pipeline.Orchestrator, crisis contracts.CrisisService, tokens contracts.TokenService, b *breaker.Breaker, runs *pipeline.RunStore, conv *conversation.Store) *Handlers {
	return &Handlers{
		Pipeline:      orch,
		Crisis:        crisis,
		Tokens:        tokens,
		Breaker:       b,
		Runs:          runs,
		Conversations: conv,
	}
}

// ── Chat ────────────────────────────────────────────────────

type chatRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type chatResponse struct {
	RequestID string `json:"request_id"`
	*models.PipelineOutcome
}

// Chat runs one user message through the pipeline.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.UserID == "" || req.Message == "" {
		respondError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}

	pctx := &models.PipelineContext{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		RequestID:      uuid.New().String(),
		ReceivedAt:     time.Now().UTC(),
	}
	if h.Conversations != nil {
		history, err := h.Conversations.RecentTurns(r.Context(), req.ConversationID, 10)
		if err != nil {
			log.Warn().Err(err).
				Str("conversation_id", req.ConversationID).
				Msg("History load failed, continuing without it")
		} else {
			pctx.History = history
		}
	}

	outcome, err := h.Pipeline.Run(r.Context(), pctx, req.Message)
	if err != nil {
		log.Error().Err(err).
			Str("request_id", pctx.RequestID).
			Msg("Pipeline run failed")
		respondError(w, http.StatusInternalServerError, "pipeline failure")
		return
	}

	respondJSON(w, http.StatusOK, chatResponse{RequestID: pctx.RequestID, PipelineOutcome: outcome})
}

// ── Crisis ──────────────────────────────────────────────────

type resolveRequest struct {
	UserID   string `json:"user_id"`
	AckToken string `json:"ack_token"`
}

// ResolveCrisis consumes an ack token and releases the user's crisis lock.
func (h *Handlers) ResolveCrisis(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" || req.AckToken == "" {
		respondError(w, http.StatusBadRequest, "user_id and ack_token are required")
		return
	}

	payload, err := h.Tokens.ValidateAndConsume(r.Context(), req.AckToken, req.UserID)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, acktoken.ErrExpired) {
			status = http.StatusGone
		}
		log.Warn().Err(err).
			Str("user_id", req.UserID).
			Msg("Crisis resolve token rejected")
		respondError(w, status, "invalid or used token")
		return
	}
	if payload.Action != gates.CrisisResolveAction {
		respondError(w, http.StatusUnauthorized, "token not valid for this action")
		return
	}

	session, err := h.Crisis.GetActive(r.Context(), req.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session == nil {
		// The lock is already gone; the resolve is a no-op success.
		respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
		return
	}
	if err := h.Crisis.Resolve(r.Context(), session.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":     "resolved",
		"session_id": session.ID,
	})
}

// GetActiveCrisis returns the user's active crisis session, if any.
func (h *Handlers) GetActiveCrisis(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	session, err := h.Crisis.GetActive(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "no active crisis session")
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// ── Admin ───────────────────────────────────────────────────

// BreakerSnapshot returns the current state of every tracked circuit.
func (h *Handlers) BreakerSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Breaker.Snapshot())
}

// ResetBreaker force-closes one service's circuit.
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	h.Breaker.Reset(r.Context(), service)
	log.Info().Str("service", service).Msg("Circuit breaker reset by operator")
	respondJSON(w, http.StatusOK, map[string]string{"service": service, "state": "closed"})
}

// GetRun returns the persisted gate trace for a request ID.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	record, err := h.Runs.Get(r.Context(), requestID)
	if err != nil {
		if kvstore.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "no run record for that request")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
