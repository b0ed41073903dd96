package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/api/middleware"
	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/feed"
	"github.com/eldtechnologies/confab/internal/handlers"
	"github.com/eldtechnologies/confab/internal/models"
	"github.com/eldtechnologies/confab/internal/store"
)

// scriptedProvider streams a fixed reply word by word.
type scriptedProvider struct {
	reply string
	err   error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, turns []models.Turn) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		for _, w := range strings.SplitAfter(p.reply, " ") {
			select {
			case tokens <- w:
			case <-ctx.Done():
				close(tokens)
				errs <- ctx.Err()
				return
			}
		}
		close(tokens)
		errs <- p.err
	}()
	return tokens, errs
}

type testEnv struct {
	t      *testing.T
	server *httptest.Server
	db     store.DataStore
	broker *feed.MemoryBroker
	sealer *crypto.Sealer
}

func newTestEnv(t *testing.T, provider *scriptedProvider) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "confab.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(db.Close)

	key, err := crypto.NewInviteToken()
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	broker := feed.NewMemoryBroker(zerolog.Nop())
	deps := handlers.Deps{DB: db, Feed: broker, Sealer: sealer, Logger: zerolog.Nop()}
	if provider != nil {
		deps.Provider = provider
	}

	srv := httptest.NewServer(NewRouter(zerolog.Nop(), deps, Options{
		RateLimit: middleware.RateLimiterConfig{Whitelist: []string{"127.0.0.1", "::1"}},
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { broker.Close() })

	return &testEnv{t: t, server: srv, db: db, broker: broker, sealer: sealer}
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

type testUser struct {
	id   string
	priv ed25519.PrivateKey
}

func (e *testEnv) register(name string) *testUser {
	e.t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		e.t.Fatal(err)
	}
	var resp handlers.RegisterResponse
	e.mustDo(nil, http.MethodPost, "/register", map[string]string{
		"public_key": base64.StdEncoding.EncodeToString(pub),
		"name":       name,
	}, http.StatusCreated, &resp)
	return &testUser{id: resp.ID, priv: priv}
}

func (e *testEnv) signedHeaders(u *testUser, method, path string, body []byte) http.Header {
	e.t.Helper()
	nonce, err := crypto.NewNonce()
	if err != nil {
		e.t.Fatal(err)
	}
	ts := time.Now().UnixMilli()
	h := http.Header{}
	h.Set(middleware.HeaderUser, u.id)
	h.Set(middleware.HeaderNonce, nonce)
	h.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(middleware.HeaderSignature, crypto.Sign(u.priv, method, path, body, nonce, ts))
	return h
}

func (e *testEnv) do(u *testUser, method, path string, payload any) *http.Response {
	e.t.Helper()
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			e.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		e.t.Fatal(err)
	}
	if u != nil {
		req.Header = e.signedHeaders(u, method, path, body)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	return resp
}

func (e *testEnv) mustDo(u *testUser, method, path string, payload any, status int, out any) {
	e.t.Helper()
	resp := e.do(u, method, path, payload)
	defer resp.Body.Close()
	if resp.StatusCode != status {
		var msg map[string]any
		json.NewDecoder(resp.Body).Decode(&msg)
		e.t.Fatalf("%s %s: status = %d, want %d (%v)", method, path, resp.StatusCode, status, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func (e *testEnv) newSession(u *testUser) handlers.SessionResponse {
	e.t.Helper()
	var s handlers.SessionResponse
	e.mustDo(u, http.MethodPost, "/sessions", map[string]string{"title": "Design review"}, http.StatusCreated, &s)
	return s
}

func TestRegisterIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	body := map[string]string{"public_key": base64.StdEncoding.EncodeToString(pub)}

	var first, second handlers.RegisterResponse
	env.mustDo(nil, http.MethodPost, "/register", body, http.StatusCreated, &first)
	env.mustDo(nil, http.MethodPost, "/register", body, http.StatusOK, &second)
	if first.ID != second.ID || !second.Existing {
		t.Fatalf("second registration = %+v, first = %+v", second, first)
	}

	env.mustDo(nil, http.MethodPost, "/register", map[string]string{"public_key": "bm9wZQ=="}, http.StatusBadRequest, nil)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register("alice")
	bob := env.register("bob")

	s := env.newSession(alice)
	if s.InviteToken == "" || s.Title != "Design review" {
		t.Fatalf("created session = %+v", s)
	}

	base := "/sessions/" + s.ID
	env.mustDo(bob, http.MethodGet, base, nil, http.StatusForbidden, nil)
	env.mustDo(bob, http.MethodPost, base+"/join", map[string]string{"invite_token": "wrong"}, http.StatusForbidden, nil)

	var join handlers.JoinResponse
	env.mustDo(bob, http.MethodPost, base+"/join", map[string]string{"invite_token": s.InviteToken}, http.StatusOK, &join)
	if !join.Joined {
		t.Fatal("first join not reported as joined")
	}
	env.mustDo(bob, http.MethodPost, base+"/join", map[string]string{"invite_token": s.InviteToken}, http.StatusOK, &join)
	if join.Joined {
		t.Fatal("repeat join reported as joined")
	}

	var got handlers.SessionResponse
	env.mustDo(bob, http.MethodGet, base, nil, http.StatusOK, &got)
	if len(got.Participants) != 1 || got.Participants[0].UserID != bob.id {
		t.Fatalf("participants = %+v", got.Participants)
	}
	if got.InviteToken != "" {
		t.Fatal("invite token disclosed on read")
	}

	var list handlers.SessionListResponse
	env.mustDo(bob, http.MethodGet, "/sessions", nil, http.StatusOK, &list)
	if list.Total != 1 || list.Sessions[0].ID != s.ID {
		t.Fatalf("bob's sessions = %+v", list)
	}

	// Rotation invalidates the old token for newcomers.
	carol := env.register("carol")
	env.mustDo(bob, http.MethodPost, base+"/invite", nil, http.StatusForbidden, nil)
	var rotated map[string]string
	env.mustDo(alice, http.MethodPost, base+"/invite", nil, http.StatusOK, &rotated)
	env.mustDo(carol, http.MethodPost, base+"/join", map[string]string{"invite_token": s.InviteToken}, http.StatusForbidden, nil)
	env.mustDo(carol, http.MethodPost, base+"/join", map[string]string{"invite_token": rotated["invite_token"]}, http.StatusOK, nil)

	env.mustDo(bob, http.MethodDelete, base, nil, http.StatusForbidden, nil)
	env.mustDo(alice, http.MethodDelete, base, nil, http.StatusNoContent, nil)
	env.mustDo(alice, http.MethodGet, base, nil, http.StatusNotFound, nil)
	env.mustDo(bob, http.MethodGet, base+"/messages", nil, http.StatusNotFound, nil)
}

func TestCreateSessionDefaultsTitle(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register("alice")

	var s handlers.SessionResponse
	env.mustDo(alice, http.MethodPost, "/sessions", nil, http.StatusCreated, &s)
	if s.Title != models.DefaultSessionTitle {
		t.Fatalf("title = %q", s.Title)
	}
	env.mustDo(alice, http.MethodPost, "/sessions", map[string]string{"title": strings.Repeat("x", 201)}, http.StatusUnprocessableEntity, nil)
}

func TestMessagesRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register("alice")
	s := env.newSession(alice)
	path := "/sessions/" + s.ID + "/messages"

	base := time.Now().Add(-time.Minute).UTC()
	for i := 1; i <= 3; i++ {
		env.mustDo(alice, http.MethodPost, path, map[string]any{
			"id":              ulid.Make().String(),
			"content":         "turn " + strconv.Itoa(i),
			"sequence_number": i,
			"created_at":      base.Add(time.Duration(i) * time.Second),
		}, http.StatusCreated, nil)
	}
	var reply models.Message
	env.mustDo(alice, http.MethodPost, path, map[string]any{
		"content":            "an answer",
		"sequence_number":    3,
		"is_assistant_reply": true,
	}, http.StatusCreated, &reply)
	if reply.Role != models.RoleAssistant || reply.SenderID != nil {
		t.Fatalf("assistant row = %+v", reply)
	}

	// Same slot again conflicts.
	env.mustDo(alice, http.MethodPost, path, map[string]any{
		"content":         "again",
		"sequence_number": 2,
	}, http.StatusConflict, nil)

	var page handlers.MessagePage
	env.mustDo(alice, http.MethodGet, path+"?offset=1&limit=2", nil, http.StatusOK, &page)
	if page.Total != 4 || len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}
	if page.Messages[0].Content != "turn 2" {
		t.Fatalf("first message = %q", page.Messages[0].Content)
	}

	// Bodies are sealed at rest.
	rows, _, err := env.db.QueryMessages(context.Background(), reply.SessionID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if strings.HasPrefix(row.Content, "turn") || row.Content == "an answer" {
			t.Fatalf("row %s stored in plaintext", row.ID)
		}
	}
}

func TestPostMessageRetryIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register("alice")
	bob := env.register("bob")
	s := env.newSession(alice)
	env.mustDo(bob, http.MethodPost, "/sessions/"+s.ID+"/join", map[string]string{"invite_token": s.InviteToken}, http.StatusOK, nil)
	path := "/sessions/" + s.ID + "/messages"

	turn := map[string]any{
		"id":              ulid.Make().String(),
		"content":         "hello",
		"sequence_number": 42,
	}
	var first, again models.Message
	env.mustDo(alice, http.MethodPost, path, turn, http.StatusCreated, &first)
	env.mustDo(alice, http.MethodPost, path, turn, http.StatusOK, &again)
	if again.ID != first.ID || again.Content != "hello" || again.SequenceNumber != 42 {
		t.Fatalf("replayed insert = %+v, first = %+v", again, first)
	}

	var page handlers.MessagePage
	env.mustDo(alice, http.MethodGet, path, nil, http.StatusOK, &page)
	if page.Total != 1 {
		t.Fatalf("total = %d after a repeated post, want 1", page.Total)
	}

	var got models.Message
	env.mustDo(bob, http.MethodGet, path+"/"+first.ID, nil, http.StatusOK, &got)
	if got.Content != "hello" {
		t.Fatalf("fetched content = %q", got.Content)
	}
	env.mustDo(bob, http.MethodGet, path+"/"+ulid.Make().String(), nil, http.StatusNotFound, nil)

	// Someone else reusing the id for their own turn is still a conflict.
	env.mustDo(bob, http.MethodPost, path, turn, http.StatusConflict, nil)
	// So is the same id moved to another slot.
	moved := map[string]any{"id": turn["id"], "content": "hello", "sequence_number": 43}
	env.mustDo(alice, http.MethodPost, path, moved, http.StatusConflict, nil)
}

func TestPostMessageValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register("alice")
	s := env.newSession(alice)
	path := "/sessions/" + s.ID + "/messages"

	tests := []struct {
		name string
		body map[string]any
	}{
		{"blank", map[string]any{"content": "   ", "sequence_number": 1}},
		{"too long", map[string]any{"content": strings.Repeat("a", 32001), "sequence_number": 1}},
		{"zero sequence", map[string]any{"content": "hi", "sequence_number": 0}},
		{"bad id", map[string]any{"content": "hi", "sequence_number": 1, "id": "not-a-ulid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.mustDo(alice, http.MethodPost, path, tt.body, http.StatusUnprocessableEntity, nil)
		})
	}

	env.mustDo(alice, http.MethodGet, path+"?limit=abc", nil, http.StatusBadRequest, nil)
	env.mustDo(alice, http.MethodGet, path+"?offset=-1", nil, http.StatusBadRequest, nil)
}

func TestUnsignedRequestsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(nil, http.MethodGet, "/sessions", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCompletionStream(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "hello there friend"})
	alice := env.register("alice")
	s := env.newSession(alice)

	resp := env.do(alice, http.MethodPost, "/sessions/"+s.ID+"/completions", map[string]any{
		"turns": []models.Turn{{Role: models.RoleUser, Content: "hi"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	var text strings.Builder
	done := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev handlers.CompletionEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		if ev.Error != "" {
			t.Fatalf("stream error: %s", ev.Error)
		}
		text.WriteString(ev.Token)
		done = done || ev.Done
	}
	if !done || text.String() != "hello there friend" {
		t.Fatalf("done=%v text=%q", done, text.String())
	}
}

func TestCompletionRejectsBadPrompt(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "x"})
	alice := env.register("alice")
	s := env.newSession(alice)
	path := "/sessions/" + s.ID + "/completions"

	env.mustDo(alice, http.MethodPost, path, map[string]any{"turns": []models.Turn{}}, http.StatusUnprocessableEntity, nil)
	env.mustDo(alice, http.MethodPost, path, map[string]any{
		"turns": []models.Turn{{Role: "system", Content: "x"}},
	}, http.StatusUnprocessableEntity, nil)
}

func TestCompletionWithoutProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register("alice")
	s := env.newSession(alice)
	env.mustDo(alice, http.MethodPost, "/sessions/"+s.ID+"/completions", map[string]any{
		"turns": []models.Turn{{Role: models.RoleUser, Content: "hi"}},
	}, http.StatusServiceUnavailable, nil)
}

func TestFeedDeliversNewRows(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register("alice")
	bob := env.register("bob")
	s := env.newSession(alice)
	env.mustDo(bob, http.MethodPost, "/sessions/"+s.ID+"/join", map[string]string{"invite_token": s.InviteToken}, http.StatusOK, nil)

	feedPath := "/sessions/" + s.ID + "/feed"
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + feedPath
	conn, _, err := websocket.DefaultDialer.Dial(url, env.signedHeaders(bob, http.MethodGet, feedPath, nil))
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.broker.Subscribers(mustUUID(t, s.ID)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.mustDo(alice, http.MethodPost, "/sessions/"+s.ID+"/messages", map[string]any{
		"content":         "live",
		"sequence_number": 1,
	}, http.StatusCreated, nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var row models.Message
	if err := conn.ReadJSON(&row); err != nil {
		t.Fatalf("read feed: %v", err)
	}
	if row.Content != "live" || row.SequenceNumber != 1 {
		t.Fatalf("feed row = %+v", row)
	}
}

func TestFeedRequiresMembership(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register("alice")
	mallory := env.register("mallory")
	s := env.newSession(alice)

	feedPath := "/sessions/" + s.ID + "/feed"
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + feedPath
	_, resp, err := websocket.DefaultDialer.Dial(url, env.signedHeaders(mallory, http.MethodGet, feedPath, nil))
	if err == nil {
		t.Fatal("non-member opened the feed")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v", resp)
	}
}

func TestHealthAndStats(t *testing.T) {
	env := newTestEnv(t, nil)

	var health handlers.HealthResponse
	env.mustDo(nil, http.MethodGet, "/health", nil, http.StatusOK, &health)
	if health.Status != "healthy" || health.Checks["database"].Status != "pass" {
		t.Fatalf("health = %+v", health)
	}
	if health.Checks["completion"].Message != "disabled" {
		t.Fatalf("completion check = %+v", health.Checks["completion"])
	}

	alice := env.register("alice")
	env.newSession(alice)
	var stats handlers.StatsResponse
	env.mustDo(nil, http.MethodGet, "/stats", nil, http.StatusOK, &stats)
	if stats.TotalUsers != 1 || stats.TotalSessions != 1 || stats.LastActivity != "no activity yet" {
		t.Fatalf("stats = %+v", stats)
	}
}
