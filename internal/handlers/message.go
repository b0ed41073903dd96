package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/confab/internal/chat"
	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
	"github.com/eldtechnologies/confab/internal/store"
)

const (
	defaultPageLimit = chat.DefaultPageSize
	maxPageLimit     = 200

	// Client clocks may run ahead of ours by at most this much.
	maxClockSkew = time.Minute
)

// PostMessageRequest is one timeline row written by a client.
type PostMessageRequest struct {
	ID               string     `json:"id,omitempty"` // ULID; generated when empty
	Content          string     `json:"content"`
	SequenceNumber   int64      `json:"sequence_number"`
	IsAssistantReply bool       `json:"is_assistant_reply"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
}

// MessagePage is one page of a session's timeline.
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	Total    int              `json:"total"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
	HasMore  bool             `json:"has_more"`
}

// GetMessages returns messages ordered by creation time, oldest first.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	session, _ := h.sessionAccess(w, r)
	if session == nil {
		return
	}

	limit := defaultPageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		limit = n
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	rows, total, err := h.db.QueryMessages(r.Context(), session.ID, offset, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	messages := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		content, err := h.sealer.Open(session.ID, row.Content)
		if err != nil {
			h.logger.Error().Err(err).Str("message_id", row.ID).Msg("stored message could not be opened")
			h.Error(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
		row.Content = content
		messages = append(messages, row)
	}

	h.JSON(w, http.StatusOK, MessagePage{
		Messages: messages,
		Total:    total,
		Offset:   offset,
		Limit:    limit,
		HasMore:  offset+len(messages) < total,
	})
}

// GetMessage returns a single row of the session by its ID.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	session, _ := h.sessionAccess(w, r)
	if session == nil {
		return
	}

	row, err := h.db.GetMessage(r.Context(), session.ID, chi.URLParam(r, "messageID"))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load message")
		return
	}
	if row == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	if row.Content, err = h.sealer.Open(session.ID, row.Content); err != nil {
		h.logger.Error().Err(err).Str("message_id", row.ID).Msg("stored message could not be opened")
		h.Error(w, http.StatusInternalServerError, "failed to load message")
		return
	}
	h.JSON(w, http.StatusOK, row)
}

// PostMessage appends a user turn or assistant reply to the timeline and
// publishes it to the session's realtime feed.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	session, user := h.sessionAccess(w, r)
	if session == nil {
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	content, err := chat.ValidateContent(req.Content)
	if err != nil {
		h.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.SequenceNumber <= 0 {
		h.Error(w, http.StatusUnprocessableEntity, "sequence_number must be positive")
		return
	}
	if req.ID != "" {
		if _, err := ulid.ParseStrict(req.ID); err != nil {
			h.Error(w, http.StatusUnprocessableEntity, "id must be a ULID")
			return
		}
	}

	now := time.Now().UTC()
	createdAt := now
	if req.CreatedAt != nil && !req.CreatedAt.IsZero() && req.CreatedAt.Before(now.Add(maxClockSkew)) {
		createdAt = req.CreatedAt.UTC()
	}

	sealed, err := h.sealer.Seal(session.ID, content)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to seal message")
		return
	}

	row := models.Message{
		ID:               req.ID,
		SessionID:        session.ID,
		Role:             models.RoleUser,
		Content:          sealed,
		CreatedAt:        createdAt,
		IsAssistantReply: req.IsAssistantReply,
		SequenceNumber:   req.SequenceNumber,
	}
	if req.IsAssistantReply {
		row.Role = models.RoleAssistant
	} else {
		sender := user.ID
		row.SenderID = &sender
	}

	saved, err := h.db.InsertMessage(r.Context(), &row)
	if errors.Is(err, models.ErrConstraintViolation) && req.ID != "" {
		if existing := h.storedCopy(r, &row); existing != nil {
			// The client is retrying a write whose response it never saw.
			existing.Content = content
			h.JSON(w, http.StatusOK, existing)
			return
		}
	}
	if err != nil {
		h.insertError(w, err, &row)
		return
	}
	metrics.MessagesPosted.WithLabelValues(string(saved.Role)).Inc()

	if h.feed != nil {
		if err := h.feed.Publish(r.Context(), *saved); err != nil {
			// The row is durable; subscribers recover it on their next page load.
			h.logger.Warn().Err(err).Str("message_id", saved.ID).Msg("feed publish failed")
		}
	}

	out := *saved
	out.Content = content
	h.JSON(w, http.StatusCreated, out)
}

// storedCopy returns the stored row with row's ID when it holds the same
// turn, or nil.
func (h *Handler) storedCopy(r *http.Request, row *models.Message) *models.Message {
	existing, err := h.db.GetMessage(r.Context(), row.SessionID, row.ID)
	if err != nil {
		h.logger.Warn().Err(err).Str("message_id", row.ID).Msg("lookup after insert conflict failed")
		return nil
	}
	if existing == nil || !store.SameTurn(existing, row) {
		return nil
	}
	h.logger.Info().
		Str("message_id", row.ID).
		Int64("sequence", row.SequenceNumber).
		Msg("duplicate insert acknowledged")
	return existing
}

func (h *Handler) insertError(w http.ResponseWriter, err error, row *models.Message) {
	var se *models.StorageError
	switch {
	case errors.Is(err, models.ErrConstraintViolation):
		metrics.SequenceConflicts.Inc()
		h.logger.Warn().
			Str("session_id", row.SessionID.String()).
			Int64("sequence", row.SequenceNumber).
			Bool("assistant", row.IsAssistantReply).
			Msg("sequence slot already taken")
		h.Error(w, http.StatusConflict, "message already exists for this sequence number")
	case errors.As(err, &se) && se.Transient:
		h.logger.Warn().Err(err).Msg("message insert failed, store unavailable")
		h.Error(w, http.StatusServiceUnavailable, "store temporarily unavailable")
	default:
		h.logger.Error().Err(err).Msg("message insert failed")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
	}
}
