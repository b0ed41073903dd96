package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	PublicKey string `json:"public_key"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

// RegisterResponse identifies the registered user.
type RegisterResponse struct {
	ID         string `json:"id"`
	ProfileURL string `json:"profile_url"`
	Existing   bool   `json:"existing,omitempty"`
}

func registered(u *models.User, existing bool) RegisterResponse {
	return RegisterResponse{
		ID:         u.ID.String(),
		ProfileURL: "/who/" + u.ID.String(),
		Existing:   existing,
	}
}

// Register binds a public key to a new user id. A key registers once:
// repeating the call, or losing a race with a concurrent registration of the
// same key, returns the existing identity with 200.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.PublicKey == "" {
		h.Error(w, http.StatusBadRequest, "public_key is required")
		return
	}
	if _, err := crypto.ValidatePublicKey(req.PublicKey); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid public_key: must be base64-encoded Ed25519 public key (32 bytes)")
		return
	}
	if !isValidEmail(req.Email) {
		h.Error(w, http.StatusBadRequest, "invalid email format")
		return
	}

	ctx := r.Context()
	existing, err := h.db.GetUserByPublicKey(ctx, req.PublicKey)
	if err != nil {
		h.logger.Error().Err(err).Msg("user lookup failed")
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing != nil {
		h.JSON(w, http.StatusOK, registered(existing, true))
		return
	}

	user, err := h.db.CreateUser(ctx, req.PublicKey, sanitizeName(req.Name), req.Email)
	if err != nil {
		if raced, _ := h.db.GetUserByPublicKey(ctx, req.PublicKey); raced != nil {
			h.JSON(w, http.StatusOK, registered(raced, true))
			return
		}
		h.logger.Error().Err(err).Msg("user create failed")
		h.Error(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	metrics.UsersRegistered.Inc()
	h.logger.Info().Str("user_id", user.ID.String()).Msg("user registered")

	h.JSON(w, http.StatusCreated, registered(user, false))
}
