package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaydesk/triage/internal/metrics"
	"github.com/relaydesk/triage/internal/pipeline"
	"github.com/relaydesk/triage/internal/store"
)

const maxMessageBodySize = 1 << 20 // 1MB

// MessageHandler abstracts the pipeline for the API layer.
type MessageHandler interface {
	Handle(ctx context.Context, conversationID, text string) (pipeline.Result, error)
}

// MetricsReader abstracts the aggregator for the API layer.
type MetricsReader interface {
	Snapshot(ctx context.Context) metrics.Snapshot
}

type MessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type ComposedText struct {
	Text      string   `json:"text"`
	NextSteps []string `json:"next_steps,omitempty"`
}

type MessageResponse struct {
	ConversationID string       `json:"conversation_id"`
	TurnID         string       `json:"turn_id"`
	Intent         string       `json:"intent"`
	Outcome        string       `json:"outcome"`
	Reason         string       `json:"reason,omitempty"`
	Priority       string       `json:"priority,omitempty"`
	Queue          string       `json:"queue,omitempty"`
	Response       ComposedText `json:"response"`
	Degraded       bool         `json:"degraded,omitempty"`
}

type AppDeps struct {
	Handler MessageHandler
	Store   store.Store
	Metrics MetricsReader
	Token   string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Post("/messages", handleMessage(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Post("/conversations/{id}/close", handleCloseConversation(deps))
		r.Get("/metrics", handleMetrics(deps))
	})

	return r
}

func handleMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxMessageBodySize)
		defer r.Body.Close()

		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		if req.ConversationID == "" {
			req.ConversationID = uuid.NewString()
		}

		res, err := deps.Handler.Handle(r.Context(), req.ConversationID, req.Text)
		if err != nil {
			if errors.Is(err, pipeline.ErrConversationClosed) {
				httpError(w, http.StatusConflict, "conversation_closed", "conversation %s is closed", req.ConversationID)
				return
			}
			httpError(w, http.StatusInternalServerError, "internal_error", "handling failed: %v", err)
			return
		}

		out := MessageResponse{
			ConversationID: req.ConversationID,
			TurnID:         res.TurnID,
			Intent:         string(res.Intent.Label),
			Outcome:        string(res.Decision.Outcome),
			Reason:         string(res.Decision.Reason),
			Priority:       string(res.Decision.Priority),
			Queue:          res.Decision.Queue,
			Response: ComposedText{
				Text:      res.Response.Text,
				NextSteps: res.Response.NextSteps,
			},
			Degraded: res.Knowledge.Degraded,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		conv, err := deps.Store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "internal_error", "lookup failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(conv)
	}
}

func handleCloseConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.SetStatus(r.Context(), id, store.StatusClosed); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "internal_error", "close failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": string(store.StatusClosed)})
	}
}

func handleMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Metrics == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "metrics aggregation is not enabled")
			return
		}
		snap := deps.Metrics.Snapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
