package handlers

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ProfileResponse is a user's public profile. Email is never disclosed.
type ProfileResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	PublicKey string `json:"public_key"`
	JoinedAt  string `json:"joined_at"`
	Joined    string `json:"joined"` // e.g. "3 days ago"
}

// Who returns the public profile for a user id. Participants use it to
// resolve sender ids and to fetch keys for signature checks.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid user ID format")
		return
	}

	user, err := h.db.GetUserByID(r.Context(), id)
	switch {
	case err != nil:
		h.logger.Error().Err(err).Str("user_id", id.String()).Msg("user lookup failed")
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	case user == nil:
		h.Error(w, http.StatusNotFound, "user not found")
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=60")
	h.JSON(w, http.StatusOK, ProfileResponse{
		ID:        user.ID.String(),
		Name:      user.Name,
		PublicKey: user.PublicKey,
		JoinedAt:  user.CreatedAt.UTC().Format(time.RFC3339),
		Joined:    humanize.Time(user.CreatedAt),
	})
}
