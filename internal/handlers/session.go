package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/confab/internal/api/middleware"
	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
)

const (
	maxTitleLength    = 200
	defaultListLimit  = 20
	maxListLimit      = 100
	inviteTokenMaxLen = 128
)

// CreateSessionRequest represents the create session request body.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// SessionResponse describes one session.
type SessionResponse struct {
	ID           string                `json:"id"`
	Title        string                `json:"title"`
	CreatedBy    string                `json:"created_by"`
	CreatedAt    string                `json:"created_at"`
	InviteToken  string                `json:"invite_token,omitempty"`
	Participants []ParticipantResponse `json:"participants,omitempty"`
}

// ParticipantResponse describes a user who joined a session.
type ParticipantResponse struct {
	UserID   string `json:"user_id"`
	JoinedAt string `json:"joined_at"`
}

// SessionListResponse is a page of the caller's sessions.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
	HasMore  bool              `json:"has_more"`
}

// JoinRequest carries the invite token being redeemed.
type JoinRequest struct {
	InviteToken string `json:"invite_token"`
}

// JoinResponse reports the outcome of an invite redemption.
type JoinResponse struct {
	SessionID string `json:"session_id"`
	Joined    bool   `json:"joined"` // false when already a member
}

func sessionResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		ID:        s.ID.String(),
		Title:     s.Title,
		CreatedBy: s.CreatedBy.String(),
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// newInvite returns a fresh invite token and its bcrypt hash.
func newInvite() (string, string, error) {
	token, err := crypto.NewInviteToken()
	if err != nil {
		return "", "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return token, string(hash), nil
}

// CreateSession handles session creation. The invite token is only ever
// returned here and by RotateInvite.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	title := sanitizeName(req.Title)
	if len(req.Title) > maxTitleLength {
		h.Error(w, http.StatusUnprocessableEntity, "title too long")
		return
	}
	if title == "" {
		title = models.DefaultSessionTitle
	}

	token, hash, err := newInvite()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create invite")
		return
	}

	session, err := h.db.CreateSession(r.Context(), user.ID, title, hash)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	metrics.SessionsCreated.Inc()

	h.logger.Info().
		Str("session_id", session.ID.String()).
		Str("user", user.ID.String()).
		Msg("session created")

	resp := sessionResponse(session)
	resp.InviteToken = token
	h.JSON(w, http.StatusCreated, resp)
}

// ListSessions lists the caller's live sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxListLimit {
			limit = n
		}
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	sessions, total, err := h.db.ListSessionsForUser(r.Context(), user.ID, limit, offset)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessionResponse(&sessions[i]))
	}

	h.JSON(w, http.StatusOK, SessionListResponse{
		Sessions: out,
		Total:    total,
		HasMore:  offset+len(out) < total,
	})
}

// GetSession returns a session and its participants.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, _ := h.sessionAccess(w, r)
	if session == nil {
		return
	}

	participants, err := h.db.ListParticipants(r.Context(), session.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	resp := sessionResponse(session)
	resp.Participants = make([]ParticipantResponse, 0, len(participants))
	for _, p := range participants {
		resp.Participants = append(resp.Participants, ParticipantResponse{
			UserID:   p.UserID.String(),
			JoinedAt: p.JoinedAt.UTC().Format(time.RFC3339),
		})
	}
	h.JSON(w, http.StatusOK, resp)
}

// DeleteSession soft-deletes a session. Only its creator may delete it.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	session, user := h.sessionAccess(w, r)
	if session == nil {
		return
	}
	if session.CreatedBy != user.ID {
		h.Error(w, http.StatusForbidden, "only the creator can delete a session")
		return
	}

	ok, err := h.db.SoftDeleteSession(r.Context(), session.ID, user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !ok {
		h.Error(w, http.StatusNotFound, "session not found")
		return
	}

	h.logger.Info().
		Str("session_id", session.ID.String()).
		Str("user", user.ID.String()).
		Msg("session deleted")
	w.WriteHeader(http.StatusNoContent)
}

// RotateInvite issues a new invite token. Earlier tokens stop working.
func (h *Handler) RotateInvite(w http.ResponseWriter, r *http.Request) {
	session, user := h.sessionAccess(w, r)
	if session == nil {
		return
	}
	if session.CreatedBy != user.ID {
		h.Error(w, http.StatusForbidden, "only the creator can issue invites")
		return
	}

	token, hash, err := newInvite()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create invite")
		return
	}
	if err := h.db.SetInviteHash(r.Context(), session.ID, hash); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store invite")
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{
		"session_id":   session.ID.String(),
		"invite_token": token,
	})
}

// JoinSession redeems an invite token. Joining a session the caller already
// belongs to succeeds without change.
func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid session ID format")
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InviteToken == "" || len(req.InviteToken) > inviteTokenMaxLen {
		h.Error(w, http.StatusUnprocessableEntity, "invite_token is required")
		return
	}

	session, err := h.db.GetSession(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if session == nil || session.IsDeleted() {
		h.Error(w, http.StatusNotFound, "session not found")
		return
	}

	member, err := h.db.IsMember(r.Context(), session.ID, user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if member {
		metrics.SessionJoins.WithLabelValues("already_member").Inc()
		h.JSON(w, http.StatusOK, JoinResponse{SessionID: session.ID.String(), Joined: false})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(session.InviteHash), []byte(req.InviteToken)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			h.logger.Error().Err(err).Str("session_id", session.ID.String()).Msg("invite hash unreadable")
		}
		metrics.SessionJoins.WithLabelValues("rejected").Inc()
		h.logger.Warn().
			Str("type", "security").
			Str("event", "invite_rejected").
			Str("session_id", session.ID.String()).
			Str("user", user.ID.String()).
			Msg("invalid invite token")
		h.Error(w, http.StatusForbidden, "invalid invite token")
		return
	}

	joined, err := h.db.AddParticipant(r.Context(), session.ID, user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to join session")
		return
	}
	if joined {
		metrics.SessionJoins.WithLabelValues("joined").Inc()
	} else {
		metrics.SessionJoins.WithLabelValues("already_member").Inc()
	}

	h.JSON(w, http.StatusOK, JoinResponse{SessionID: session.ID.String(), Joined: joined})
}
