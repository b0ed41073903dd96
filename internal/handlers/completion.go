package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eldtechnologies/confab/internal/chat"
	"github.com/eldtechnologies/confab/internal/completion"
	"github.com/eldtechnologies/confab/internal/models"
)

const maxPromptTurns = 2 * chat.DefaultHistoryTurns

// CompletionRequest is the prompt for one assistant reply.
type CompletionRequest struct {
	Turns []models.Turn `json:"turns"`
}

// CompletionEvent is one line of the NDJSON completion stream.
type CompletionEvent struct {
	Token string `json:"token,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

// Complete streams an assistant reply as newline-delimited JSON. The reply
// is not stored: the client persists it once the stream settles. Closing
// the request cancels the upstream completion.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	session, user := h.sessionAccess(w, r)
	if session == nil {
		return
	}
	if h.provider == nil {
		h.Error(w, http.StatusServiceUnavailable, "no completion provider configured")
		return
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Turns) == 0 || len(req.Turns) > maxPromptTurns {
		h.Error(w, http.StatusUnprocessableEntity, "turns must hold between 1 and 40 entries")
		return
	}
	for i, t := range req.Turns {
		if !t.Role.Valid() {
			h.Error(w, http.StatusUnprocessableEntity, "unknown role in turns")
			return
		}
		content, err := chat.ValidateContent(t.Content)
		if err != nil {
			h.Error(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		req.Turns[i].Content = content
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(ev CompletionEvent) bool {
		if err := enc.Encode(ev); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	log := h.logger.With().
		Str("session_id", session.ID.String()).
		Str("user", user.ID.String()).
		Str("provider", h.provider.Name()).
		Logger()

	tokens, errs := h.provider.Stream(r.Context(), req.Turns)
	for tok := range tokens {
		if !send(CompletionEvent{Token: tok}) {
			// Client went away; drain so the producer can exit.
			for range tokens {
			}
			break
		}
	}

	err := <-errs
	switch {
	case err == nil:
		send(CompletionEvent{Done: true})
	case errors.Is(err, completion.ErrEmptyPrompt):
		send(CompletionEvent{Error: err.Error()})
	case r.Context().Err() != nil:
		log.Debug().Msg("completion cancelled by client")
	default:
		log.Warn().Err(err).Msg("completion failed")
		send(CompletionEvent{Error: "completion failed"})
	}
}
