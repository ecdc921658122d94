package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string           `json:"status"` // "healthy" or "degraded"
	Version     string           `json:"version"`
	Region      string           `json:"region,omitempty"`
	Instance    string           `json:"instance,omitempty"`
	Connections int              `json:"connections"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func runCheck(ctx context.Context, p pinger) Check {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).String()}
}

// Health handles the health check endpoint. Redis is checked only when
// configured.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	name := h.dbName
	if name == "" {
		name = "database"
	}
	if h.db != nil {
		checks[name] = runCheck(ctx, h.db)
	} else {
		checks[name] = Check{Status: "fail", Message: "not configured"}
	}
	if h.redis != nil {
		checks["redis"] = runCheck(ctx, h.redis)
	}
	for _, c := range checks {
		if c.Status != "pass" {
			allHealthy = false
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	connections := 0
	if h.sessions != nil {
		connections = h.sessions.Stats().Connections
	}

	resp := HealthResponse{
		Status:      status,
		Version:     version,
		Region:      os.Getenv("FLY_REGION"),
		Instance:    h.instance,
		Connections: connections,
		Checks:      checks,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	h.JSON(w, statusCode, resp)
}

// RootResponse represents the API info response.
type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	WebSocket string   `json:"websocket"`
	Events    []string `json:"events"`
}

// Root handles the API info endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:      "ridewire",
		Version:   version,
		WebSocket: "/ws",
		Events:    inboundEvents,
	})
}
