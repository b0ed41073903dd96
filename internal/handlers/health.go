package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

// Check is the outcome of one dependency probe.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse reports the server and each dependency it relies on.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Region    string           `json:"region,omitempty"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// probe runs a ping and times it.
func probe(ctx context.Context, ping func(context.Context) error) Check {
	start := time.Now()
	if err := ping(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).Round(time.Microsecond).String()}
}

// Health reports 200 when every required dependency answers and 503
// otherwise. Redis is probed only when configured; a missing completion
// provider disables assistant replies without degrading the server.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)

	if h.db != nil {
		checks["database"] = probe(ctx, h.db.Ping)
	} else {
		checks["database"] = Check{Status: "fail", Message: "not configured"}
	}
	if h.redis != nil {
		checks["redis"] = probe(ctx, h.redis.Ping)
	}
	if h.feed != nil {
		checks["feed"] = Check{Status: "pass"}
	} else {
		checks["feed"] = Check{Status: "fail", Message: "not configured"}
	}
	if h.provider != nil {
		checks["completion"] = Check{Status: "pass", Message: h.provider.Name()}
	} else {
		checks["completion"] = Check{Status: "pass", Message: "disabled"}
	}

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version,
		Region:    os.Getenv("FLY_REGION"),
		Instance:  os.Getenv("FLY_ALLOC_ID"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	for name, c := range checks {
		if c.Status != "pass" {
			h.logger.Warn().Str("check", name).Str("message", c.Message).Msg("health check failed")
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	h.JSON(w, code, resp)
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// Root describes the API.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "confab",
		Version: version,
		Endpoints: []string{
			"POST /register",
			"GET /who/{id}",
			"GET /stats",
			"POST /sessions",
			"GET /sessions",
			"GET /sessions/{id}",
			"DELETE /sessions/{id}",
			"POST /sessions/{id}/invite",
			"POST /sessions/{id}/join",
			"GET /sessions/{id}/messages",
			"POST /sessions/{id}/messages",
			"GET /sessions/{id}/feed",
			"POST /sessions/{id}/completions",
		},
	})
}
