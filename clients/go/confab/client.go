// Package confab is a Go client for the confab collaborative chat API. The
// Client satisfies the chat engine's Store port directly; Feed and Provider
// adapt the realtime and completion endpoints to the engine's other ports.
package confab

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/models"
)

// DefaultURL is used when no base URL is configured.
const DefaultURL = "http://localhost:8080"

// Signed request headers, mirrored from the server.
const (
	headerUser      = "X-Confab-User"
	headerNonce     = "X-Confab-Nonce"
	headerTimestamp = "X-Confab-Timestamp"
	headerSignature = "X-Confab-Signature"
)

// Client is a confab API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	UserID     string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey

	// HTTPClient serves ordinary requests; StreamClient serves completion
	// streams and has no overall timeout.
	HTTPClient   *http.Client
	StreamClient *http.Client
	Dialer       *websocket.Dialer
}

// Config holds the persisted identity.
type Config struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("confab error %d: %s", e.Status, e.Message)
}

// NewClient creates a client and loads any saved identity from ConfigDir.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}

	configDir := os.Getenv("CONFAB_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".confab")
	}

	c := &Client{
		BaseURL:      baseURL,
		ConfigDir:    configDir,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		StreamClient: &http.Client{},
		Dialer:       websocket.DefaultDialer,
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads user credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "user.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	keyData, err := os.ReadFile(filepath.Join(c.ConfigDir, "private.key"))
	if err != nil {
		return err
	}

	priv, err := crypto.ParsePrivateKey(string(keyData))
	if err != nil {
		return fmt.Errorf("private.key: %w", err)
	}

	c.UserID = config.ID
	c.PrivateKey = priv
	c.PublicKey = c.PrivateKey.Public().(ed25519.PublicKey)
	return nil
}

// SaveConfig saves user credentials to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{
		ID:        c.UserID,
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
	}

	data, _ := json.MarshalIndent(config, "", "  ")
	if err := os.WriteFile(filepath.Join(c.ConfigDir, "user.json"), data, 0600); err != nil {
		return err
	}

	keyData := base64.StdEncoding.EncodeToString(c.PrivateKey.Seed())
	return os.WriteFile(filepath.Join(c.ConfigDir, "private.key"), []byte(keyData), 0600)
}

// GenerateKeypair generates a new Ed25519 keypair.
func (c *Client) GenerateKeypair() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	c.PublicKey = pub
	c.PrivateKey = priv
	return nil
}

// Self returns the registered user ID, or uuid.Nil before registration.
func (c *Client) Self() uuid.UUID {
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// signRequest creates authentication headers for a request.
func (c *Client) signRequest(method, path string, body []byte) http.Header {
	nonce, _ := crypto.NewNonce()
	timestamp := time.Now().UnixMilli()

	headers := http.Header{}
	headers.Set(headerUser, c.UserID)
	headers.Set(headerNonce, nonce)
	headers.Set(headerTimestamp, strconv.FormatInt(timestamp, 10))
	headers.Set(headerSignature, crypto.Sign(c.PrivateKey, method, path, body, nonce, timestamp))
	return headers
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, signed bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if signed {
		if c.PrivateKey == nil || c.UserID == "" {
			return nil, errors.New("not registered: run register first")
		}
		req.Header = c.signRequest(method, path, body)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doRequest performs an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, signed bool) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, signed)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func apiError(status int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	json.Unmarshal(body, &errResp)
	if errResp.Error == "" {
		errResp.Error = http.StatusText(status)
	}
	return &APIError{Status: status, Message: errResp.Error}
}

func (c *Client) getJSON(ctx context.Context, path string, signed bool, out any) error {
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil, signed)
	if err != nil {
		return err
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	respBody, err := c.doRequest(ctx, http.MethodPost, path, body, true)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// RegisterRequest is the request body for registration.
type RegisterRequest struct {
	PublicKey string `json:"public_key"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
}

// RegisterResponse is the response from registration.
type RegisterResponse struct {
	ID         string `json:"id"`
	ProfileURL string `json:"profile_url"`
}

// Register generates a keypair, registers it and saves the identity.
func (c *Client) Register(ctx context.Context, name, email string) (*RegisterResponse, error) {
	if err := c.GenerateKeypair(); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(RegisterRequest{
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
		Name:      name,
		Email:     email,
	})
	respBody, err := c.doRequest(ctx, http.MethodPost, "/register", body, false)
	if err != nil {
		return nil, err
	}

	var resp RegisterResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}

	c.UserID = resp.ID
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UserProfile is a registered user's public profile.
type UserProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Who gets a user's profile.
func (c *Client) Who(ctx context.Context, userID string) (*UserProfile, error) {
	var resp UserProfile
	if err := c.getJSON(ctx, "/who/"+userID, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                     `json:"status"`
	Version   string                     `json:"version"`
	Checks    map[string]json.RawMessage `json:"checks"`
	Timestamp string                     `json:"timestamp"`
}

// Health checks server health. A degraded server still returns its report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.getJSON(ctx, "/health", false, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		resp.Status = "degraded"
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Session describes one session.
type Session struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	CreatedBy    string        `json:"created_by"`
	CreatedAt    time.Time     `json:"created_at"`
	InviteToken  string        `json:"invite_token,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// Participant is a user who joined a session.
type Participant struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// SessionList is a page of the caller's sessions.
type SessionList struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}

// CreateSession starts a session. The returned InviteToken is shown once.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	var resp Session
	if err := c.postJSON(ctx, "/sessions", map[string]string{"title": title}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSessions lists the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, limit, offset int) (*SessionList, error) {
	var resp SessionList
	path := fmt.Sprintf("/sessions?limit=%d&offset=%d", limit, offset)
	if err := c.getJSON(ctx, path, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSession gets a session and its participants.
func (c *Client) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	var resp Session
	if err := c.getJSON(ctx, "/sessions/"+sessionID.String(), true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteSession deletes a session the caller created.
func (c *Client) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/sessions/"+sessionID.String(), nil, true)
	return err
}

// RotateInvite issues a new invite token for a session the caller created.
func (c *Client) RotateInvite(ctx context.Context, sessionID uuid.UUID) (string, error) {
	var resp struct {
		InviteToken string `json:"invite_token"`
	}
	if err := c.postJSON(ctx, "/sessions/"+sessionID.String()+"/invite", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.InviteToken, nil
}

// JoinSession redeems an invite token. It reports false if the caller was
// already a member.
func (c *Client) JoinSession(ctx context.Context, sessionID uuid.UUID, inviteToken string) (bool, error) {
	var resp struct {
		Joined bool `json:"joined"`
	}
	err := c.postJSON(ctx, "/sessions/"+sessionID.String()+"/join", map[string]string{"invite_token": inviteToken}, &resp)
	return resp.Joined, err
}

// MessagePage is one page of a session's timeline.
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	Total    int              `json:"total"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
	HasMore  bool             `json:"has_more"`
}

// GetMessages loads messages ordered by creation time, oldest first.
func (c *Client) GetMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) (*MessagePage, error) {
	var resp MessagePage
	path := fmt.Sprintf("/sessions/%s/messages?offset=%d&limit=%d", sessionID, offset, limit)
	if err := c.getJSON(ctx, path, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats is the platform summary.
type Stats struct {
	TotalUsers    int64  `json:"total_users"`
	TotalSessions int64  `json:"total_sessions"`
	TotalMessages int64  `json:"total_messages"`
	LastActivity  string `json:"last_activity"`
	Summary       string `json:"summary"`
}

// Stats gets platform statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var resp Stats
	if err := c.getJSON(ctx, "/stats", false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
