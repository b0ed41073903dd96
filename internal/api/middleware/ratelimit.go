package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/confab/internal/metrics"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

type route struct {
	pattern string
	limit   RateLimit
}

// RateLimiter implements sliding window rate limiting in Redis. Without a
// Redis client it falls back to per-key token buckets held in process.
type RateLimiter struct {
	client           *redis.Client
	local            *limiterPool
	routes           []route
	blocker          *IPBlocker
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// NewRateLimiter creates a new rate limiter. client may be nil.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:           client,
		local:            newLimiterPool(),
		logger:           logger,
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled && client != nil,
		// Longest prefix first: the first match wins.
		routes: []route{
			{"POST /sessions/*/completions", RateLimit{20, time.Minute, userKey}},
			{"POST /sessions/*/messages", RateLimit{60, time.Minute, userKey}},
			{"GET /sessions/*/messages", RateLimit{120, time.Minute, userKey}},
			{"GET /sessions/*/feed", RateLimit{30, time.Minute, userKey}},
			{"POST /sessions/*/join", RateLimit{20, time.Minute, userOrIPKey}},
			{"POST /sessions", RateLimit{30, time.Hour, userKey}},
			{"GET /sessions", RateLimit{120, time.Minute, userKey}},
			{"POST /register", RateLimit{10, time.Hour, ipKey}},
			{"GET /who/", RateLimit{100, time.Minute, ipKey}},
			{"GET /stats", RateLimit{60, time.Minute, ipKey}},
		},
	}
	if client != nil {
		rl.blocker = NewIPBlocker(client)
	}

	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}
	if client == nil {
		logger.Info().Msg("rate limiting in process; counters are not shared between instances")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// userKey returns rate limit key based on the signing user.
func userKey(r *http.Request) string {
	userID := r.Header.Get(HeaderUser)
	if userID == "" {
		return "ratelimit:ip:" + RealIP(r)
	}
	return "ratelimit:user:" + userID
}

// userOrIPKey keys by user and client IP together.
func userOrIPKey(r *http.Request) string {
	if userID := r.Header.Get(HeaderUser); userID != "" {
		return "ratelimit:user:" + userID + ":" + RealIP(r)
	}
	return "ratelimit:ip:" + RealIP(r)
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// CheckAndIncrement checks rate limit and increments counter.
// Returns (allowed, remaining, resetAt).
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	if rl.client == nil {
		return rl.local.take(key, limit, window)
	}

	now := time.Now()
	windowStart := now.Add(-window)

	windowKey := fmt.Sprintf("%s:%d", key, now.Unix()/int64(window.Seconds()))

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, windowKey, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCard(ctx, windowKey)
	pipe.ZAdd(ctx, windowKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, windowKey, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open; the in-process bucket still bounds this instance.
		rl.logger.Warn().Err(err).Msg("rate limit counter unavailable")
		return rl.local.take(key, limit, window)
	}

	count := countCmd.Val()
	remaining := limit - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(window)
	allowed := count < int64(limit)

	return allowed, remaining, resetAt
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker != nil && rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("auto_block").Inc()
			http.Error(w, `{"error":"temporarily blocked"}`, http.StatusForbidden)
			return
		}

		pattern, limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		allowed, remaining, resetAt := rl.CheckAndIncrement(r.Context(), key, limit.Requests, limit.Window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())))

			rl.trackViolation(r.Context(), ip)
			metrics.RateLimitHits.WithLabelValues(pattern).Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("user", r.Header.Get(HeaderUser)).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit finds the matching rate limit for a request. A "*" in a pattern
// matches exactly one path segment.
func (rl *RateLimiter) findLimit(r *http.Request) (string, *RateLimit) {
	key := r.Method + " " + r.URL.Path
	for _, rt := range rl.routes {
		if matchRoute(rt.pattern, key) {
			l := rt.limit
			return rt.pattern, &l
		}
	}
	return "", nil
}

func matchRoute(pattern, key string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.HasPrefix(key, pattern)
	}
	ps := strings.Split(pattern, "/")
	ks := strings.Split(key, "/")
	if len(ks) < len(ps) {
		return false
	}
	for i, p := range ps {
		if p == "*" {
			if ks[i] == "" {
				return false
			}
			continue
		}
		if p != ks[i] {
			return false
		}
	}
	return true
}

// trackViolation tracks rate limit violations and auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	key := fmt.Sprintf("violations:ip:%s", ip)
	count, _ := rl.client.Incr(ctx, key).Result()
	rl.client.Expire(ctx, key, time.Hour)

	if count >= 10 {
		rl.blocker.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// limiterPool holds one token bucket per key, refilled so that limit
// requests are available per window. A bucket left idle for a whole window
// is full again and gets swept.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	l        *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

const sweepInterval = time.Minute

func newLimiterPool() *limiterPool {
	return &limiterPool{m: make(map[string]*limiterEntry), lastSweep: time.Now()}
}

func (p *limiterPool) get(key string, limit int, window time.Duration, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastSweep) >= sweepInterval {
		p.sweepLocked(now)
	}
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	p.m[key] = &limiterEntry{l: l, window: window, lastSeen: now}
	return l
}

func (p *limiterPool) sweepLocked(now time.Time) {
	for key, e := range p.m {
		if now.Sub(e.lastSeen) > e.window {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *limiterPool) take(key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	l := p.get(key, limit, window, now)
	allowed := l.AllowN(now, 1)
	remaining := int(l.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	reset := now
	if remaining < limit {
		reset = now.Add(time.Duration(float64(limit-remaining) / float64(l.Limit()) * float64(time.Second)))
	}
	return allowed, remaining, reset
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

// IsBlocked checks if an IP is blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	key := fmt.Sprintf("blocked:ip:%s", ip)
	exists, _ := b.client.Exists(ctx, key).Result()
	return exists > 0
}

// Block blocks an IP for the specified duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	key := fmt.Sprintf("blocked:ip:%s", ip)
	b.client.Set(ctx, key, reason, duration)
}
