package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/api/middleware"
	"github.com/eldtechnologies/confab/internal/completion"
	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/feed"
	"github.com/eldtechnologies/confab/internal/models"
	"github.com/eldtechnologies/confab/internal/store"
)

// emailRegex validates email addresses per RFC 5322 (simplified).
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Deps are the collaborators shared by all handlers. Redis, Provider and
// Sealer are optional.
type Deps struct {
	DB       store.DataStore
	Redis    *store.RedisStore
	Feed     feed.Broker
	Provider completion.Provider
	Sealer   *crypto.Sealer
	Logger   zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db       store.DataStore
	redis    *store.RedisStore
	feed     feed.Broker
	provider completion.Provider
	sealer   *crypto.Sealer
	logger   zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		db:       deps.DB,
		redis:    deps.Redis,
		feed:     deps.Feed,
		provider: deps.Provider,
		sealer:   deps.Sealer,
		logger:   deps.Logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// sessionAccess loads the session named in the URL and checks that the
// caller may use it. It writes the error response and returns nil when not.
func (h *Handler) sessionAccess(w http.ResponseWriter, r *http.Request) (*models.Session, *models.User) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return nil, nil
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid session ID format")
		return nil, nil
	}

	session, err := h.db.GetSession(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil, nil
	}
	if session == nil || session.IsDeleted() {
		h.Error(w, http.StatusNotFound, "session not found")
		return nil, nil
	}

	if session.CreatedBy != user.ID {
		member, err := h.db.IsMember(r.Context(), session.ID, user.ID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return nil, nil
		}
		if !member {
			h.Error(w, http.StatusForbidden, "not a participant of this session")
			return nil, nil
		}
	}

	return session, user
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if len(name) > 100 {
		name = name[:100]
	}

	return name
}

// isValidEmail validates email addresses using RFC 5322 pattern.
func isValidEmail(email string) bool {
	if email == "" {
		return true // Empty is valid (optional field)
	}
	if len(email) > 254 {
		return false
	}
	return emailRegex.MatchString(email)
}
