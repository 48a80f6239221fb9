package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/engine"
	"github.com/wrenchai/wrench/internal/generate"
	"github.com/wrenchai/wrench/internal/provider"
)

// maxRequestBytes bounds diagnose request bodies.
const maxRequestBytes = 1024 * 1024

// TurnRunner runs one diagnostic turn. Implemented by *engine.Engine.
type TurnRunner interface {
	Handle(ctx context.Context, q conversation.Query, history *conversation.History) (*engine.Answer, error)
	HandleStream(ctx context.Context, q conversation.Query, history *conversation.History, onChunk generate.ChunkFunc) (*engine.Answer, error)
}

// diagnoseHandler serves the diagnostic endpoints.
type diagnoseHandler struct {
	runner TurnRunner
	store  *conversation.MemoryStore
	logger *slog.Logger
}

// DiagnoseRequest is the JSON request body for both diagnose endpoints.
type DiagnoseRequest struct {
	// ConversationID continues an existing conversation; empty starts a new one.
	ConversationID string `json:"conversation_id,omitempty"`
	Query          string `json:"query"`
	Locale         string `json:"locale,omitempty"`
}

// DiagnoseResponse is the JSON response for the synchronous endpoint and
// the payload of the SSE done event.
type DiagnoseResponse struct {
	ConversationID string `json:"conversation_id"`
	*engine.Answer
}

func (h *diagnoseHandler) parseRequest(w http.ResponseWriter, r *http.Request) (conversation.Query, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req DiagnoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes), h.logger)
			return conversation.Query{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return conversation.Query{}, false
	}

	conversationID := uuid.Nil
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_conversation_id", "conversation_id must be a UUID", h.logger)
			return conversation.Query{}, false
		}
		conversationID = id
	}

	q, err := conversation.NewQuery(req.Query, conversationID, req.Locale)
	if err != nil {
		writeError(w, http.StatusBadRequest, "empty_query", "query is required", h.logger)
		return conversation.Query{}, false
	}
	return q, true
}

// diagnose handles POST /api/v1/diagnose.
func (h *diagnoseHandler) diagnose(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	history := h.store.GetOrCreate(q.ConversationID)
	answer, err := h.runner.Handle(r.Context(), q, history)
	if err != nil {
		status, code := statusForError(err)
		writeError(w, status, code, err.Error(), h.logger)
		return
	}

	writeJSON(w, http.StatusOK, DiagnoseResponse{
		ConversationID: q.ConversationID.String(),
		Answer:         answer,
	}, h.logger)
}

// history handles GET /api/v1/conversations/{id}/history.
func (h *diagnoseHandler) history(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_conversation_id", "conversation id must be a UUID", h.logger)
		return
	}

	hist := h.store.Get(id)
	if hist == nil {
		writeError(w, http.StatusNotFound, "conversation_not_found", "unknown conversation", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id.String(),
		"turns":           hist.Turns(),
	}, h.logger)
}

// statusForError maps pipeline failures to HTTP status codes. Degraded
// answers are not errors and never reach this mapping.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrEmptyQuery):
		return http.StatusBadRequest, "empty_query"
	case errors.Is(err, provider.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge, "input_too_large"
	case errors.Is(err, provider.ErrContentFiltered):
		return http.StatusUnprocessableEntity, "content_filtered"
	case provider.Transient(err):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// SSE event types for streaming diagnosis.
const (
	EventChunk = "chunk" // partial answer text
	EventDone  = "done"  // turn completed, full answer attached
	EventError = "error" // turn failed
)

// ChunkPayload is the SSE data payload for streamed text.
type ChunkPayload struct {
	Text string `json:"text"`
}

// ErrorPayload is the SSE data payload when a turn fails.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// stream handles POST /api/v1/diagnose/stream with Server-Sent Events.
func (h *diagnoseHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	q, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	history := h.store.GetOrCreate(q.ConversationID)
	ctx := r.Context()

	answer, err := h.runner.HandleStream(ctx, q, history, func(ctx context.Context, text string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return writeEvent(w, flusher, EventChunk, ChunkPayload{Text: text})
	})
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Info("client disconnected mid-stream", "conversation_id", q.ConversationID.String())
			return
		}
		_, code := statusForError(err)
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: code, Message: err.Error()})
		return
	}

	_ = writeEvent(w, flusher, EventDone, DiagnoseResponse{
		ConversationID: q.ConversationID.String(),
		Answer:         answer,
	})
}

// writeEvent writes one SSE frame: "event: <type>\ndata: <json>\n\n".
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
