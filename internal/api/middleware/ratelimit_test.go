package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMatchRoute(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"POST /sessions/*/messages", "POST /sessions/123/messages", true},
		{"POST /sessions/*/messages", "GET /sessions/123/messages", false},
		{"POST /sessions/*/messages", "POST /sessions//messages", false},
		{"POST /sessions/*/messages", "POST /sessions/123", false},
		{"POST /sessions/*/completions", "POST /sessions/123/messages", false},
		{"POST /register", "POST /register", true},
		{"GET /who/", "GET /who/abc", true},
		{"GET /stats", "GET /health", false},
	}
	for _, tt := range tests {
		if got := matchRoute(tt.pattern, tt.key); got != tt.want {
			t.Errorf("matchRoute(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestFindLimitPrefersSpecificRoutes(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})

	tests := []struct {
		method, path, pattern string
	}{
		{http.MethodPost, "/sessions/abc/completions", "POST /sessions/*/completions"},
		{http.MethodPost, "/sessions/abc/messages", "POST /sessions/*/messages"},
		{http.MethodGet, "/sessions/abc/feed", "GET /sessions/*/feed"},
		{http.MethodPost, "/sessions", "POST /sessions"},
		{http.MethodGet, "/health", ""},
	}
	for _, tt := range tests {
		pattern, _ := rl.findLimit(httptest.NewRequest(tt.method, tt.path, nil))
		if pattern != tt.pattern {
			t.Errorf("%s %s matched %q, want %q", tt.method, tt.path, pattern, tt.pattern)
		}
	}
}

func TestLocalRateLimit(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("{}"))
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 10; i++ {
		if rec := send("10.0.0.1"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := send("10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	if rec := send("10.0.0.2"); rec.Code != http.StatusNoContent {
		t.Fatalf("other client limited: status = %d", rec.Code)
	}
}

func TestWhitelistBypassesLimit(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{Whitelist: []string{"192.168.0.0/16", "10.1.1.1"}})
	if !rl.isWhitelisted("192.168.4.2") || !rl.isWhitelisted("10.1.1.1") {
		t.Fatal("whitelisted address not recognised")
	}
	if rl.isWhitelisted("10.1.1.2") {
		t.Fatal("address outside whitelist accepted")
	}
}

func TestLimiterPoolRefills(t *testing.T) {
	p := newLimiterPool()
	window := 100 * time.Millisecond

	for i := 0; i < 2; i++ {
		if ok, _, _ := p.take("k", 2, window); !ok {
			t.Fatalf("take %d denied", i)
		}
	}
	ok, remaining, reset := p.take("k", 2, window)
	if ok || remaining != 0 {
		t.Fatalf("burst exceeded: ok=%v remaining=%d", ok, remaining)
	}
	if !reset.After(time.Now()) {
		t.Error("reset not in the future")
	}

	time.Sleep(window)
	if ok, _, _ := p.take("k", 2, window); !ok {
		t.Fatal("bucket did not refill")
	}
}

func TestLimiterPoolSweepsIdleBuckets(t *testing.T) {
	p := newLimiterPool()
	start := time.Now()
	for i := 0; i < 100; i++ {
		p.get("ip:10.0.0."+strconv.Itoa(i), 10, time.Minute, start)
	}
	hot := p.get("ip:10.9.9.9", 10, time.Hour, start)
	if p.size() != 101 {
		t.Fatalf("size = %d, want 101", p.size())
	}

	// Past one window the short buckets are full again and can go. The
	// hour-long bucket is still refilling and must survive with its state.
	hot.AllowN(start, 5)
	later := start.Add(2 * time.Minute)
	p.get("ip:10.0.0.200", 10, time.Minute, later)
	if p.size() != 2 {
		t.Fatalf("size after sweep = %d, want 2", p.size())
	}
	if got := p.get("ip:10.9.9.9", 10, time.Hour, later); got != hot {
		t.Fatal("bucket still inside its window was replaced")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/who/6f1c":               "/who/:id",
		"/sessions":               "/sessions",
		"/sessions/6f1c":          "/sessions/:id",
		"/sessions/6f1c/messages": "/sessions/:id/messages",
		"/sessions/6f1c/feed":     "/sessions/:id/feed",
		"/health":                 "/health",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name        string
		method      string
		target      string
		body        string
		contentType string
		want        int
	}{
		{"json body", http.MethodPost, "/sessions", `{}`, "application/json; charset=utf-8", http.StatusOK},
		{"empty post", http.MethodPost, "/sessions/x/invite", "", "", http.StatusOK},
		{"form body", http.MethodPost, "/sessions", "a=b", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"traversal", http.MethodGet, "/sessions/..%2f..", "", "", http.StatusBadRequest},
		{"script in query", http.MethodGet, "/sessions?next=javascript:alert(1)", "", "", http.StatusBadRequest},
		{"plain get", http.MethodGet, "/sessions?limit=5", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMetricsMiddlewareCapturesStatus(t *testing.T) {
	var seen int
	h := Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		seen = w.(*statusWriter).status
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if seen != http.StatusTeapot {
		t.Fatalf("status = %d", seen)
	}
}
