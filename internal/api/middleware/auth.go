package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/models"
)

type contextKey string

const UserContextKey contextKey = "user"

// Signed request headers.
const (
	HeaderUser      = "X-Confab-User"
	HeaderNonce     = "X-Confab-Nonce"
	HeaderTimestamp = "X-Confab-Timestamp"
	HeaderSignature = "X-Confab-Signature"
)

const (
	minNonceLen = 24
	nonceTTL    = 3 * time.Minute
)

// NonceStore records nonces so a signed request cannot be replayed.
type NonceStore interface {
	UseNonce(ctx context.Context, userID, nonce string, ttl time.Duration) (bool, error)
}

// UserLookup resolves the signer of a request.
type UserLookup interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// AuthMiddleware handles signature verification for authenticated endpoints.
type AuthMiddleware struct {
	users  UserLookup
	nonces NonceStore
	logger zerolog.Logger
	window time.Duration
	now    func() time.Time
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(users UserLookup, nonces NonceStore, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		users:  users,
		nonces: nonces,
		logger: logger,
		window: 30 * time.Second,
		now:    time.Now,
	}
}

// RequireAuth middleware verifies Ed25519 signatures on requests.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUser)
		nonce := r.Header.Get(HeaderNonce)
		timestamp := r.Header.Get(HeaderTimestamp)
		signature := r.Header.Get(HeaderSignature)

		if userID == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		if len(nonce) < minNonceLen {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}

		uid, err := uuid.Parse(userID)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid user ID format")
			return
		}

		user, err := m.users.GetUserByID(r.Context(), uid)
		if err != nil || user == nil {
			jsonError(w, http.StatusUnauthorized, "user not found")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))

		pubkey, err := crypto.ValidatePublicKey(user.PublicKey)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid user public key")
			return
		}

		signed := crypto.SignaturePayload(r.Method, r.URL.RequestURI(), crypto.BodyHash(body), nonce, ts)
		if err := crypto.VerifySignature(pubkey, signed, signature); err != nil {
			m.logger.Warn().
				Str("type", "security").
				Str("event", "invalid_signature").
				Str("user", userID).
				Str("endpoint", r.URL.Path).
				Msg("signature verification failed")
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Only verified requests consume a nonce.
		fresh, err := m.nonces.UseNonce(r.Context(), userID, nonce, nonceTTL)
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "replay cache unavailable")
			return
		}
		if !fresh {
			m.logger.Warn().
				Str("type", "security").
				Str("event", "nonce_reuse").
				Str("user", userID).
				Msg("replayed request rejected")
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := m.now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Only accept timestamps from the past (within window), reject future timestamps
	return ts > now-windowMs && ts <= now
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// WithUser returns ctx carrying user as the authenticated caller.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// MemoryNonceStore is the replay cache used when Redis is not configured.
// It only protects a single instance.
type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	now    func() time.Time
	sweeps int
}

// NewMemoryNonceStore creates an empty in-process replay cache.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

// UseNonce records nonce for ttl and reports false if it is still live.
func (s *MemoryNonceStore) UseNonce(ctx context.Context, userID, nonce string, ttl time.Duration) (bool, error) {
	key := userID + ":" + nonce
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweeps++
	if s.sweeps%256 == 0 {
		for k, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, k)
			}
		}
	}

	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}
