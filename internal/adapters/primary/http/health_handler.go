package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/bombworks/eventgrid/internal/adapters/primary/ws"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

// HealthChecker defines the interface for health check dependencies
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db        HealthChecker // nil when persistence is disabled
	bus       ports.EventBus
	hub       *ws.Hub
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db HealthChecker, bus ports.EventBus, hub *ws.Hub, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		bus:       bus,
		hub:       hub,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// PerformanceStats aggregates the rolling bus counters and connection rates.
type PerformanceStats struct {
	EventsPerSec   float64 `json:"eventsPerSec"`
	MessagesPerSec float64 `json:"messagesPerSec"`
	ErrorRate      float64 `json:"errorRate"`
	QueueDepth     int     `json:"queueDepth"`
	Connections    int     `json:"connections"`
}

// HandleLiveness handles liveness probe requests (is the service running?)
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// HandleReadiness handles readiness probe requests (can the service accept traffic?)
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	overallStatus := "healthy"

	busCheck := h.checkBus()
	checks["bus"] = busCheck
	if busCheck.Status != "healthy" {
		overallStatus = "unhealthy"
	}

	if h.db != nil {
		dbCheck := h.checkDatabase(ctx)
		checks["event_store"] = dbCheck
		if dbCheck.Status != "healthy" {
			overallStatus = "unhealthy"
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if overallStatus != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// HandleHealth handles detailed health check requests (for monitoring/debugging)
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	overallStatus := "healthy"

	busCheck := h.checkBus()
	checks["bus"] = busCheck
	if busCheck.Status != "healthy" {
		overallStatus = "degraded"
	}

	stats := h.hub.Stats()
	checks["connections"] = checkConnections(stats)

	if h.db != nil {
		dbCheck := h.checkDatabase(ctx)
		checks["event_store"] = dbCheck
		if dbCheck.Status != "healthy" {
			overallStatus = "degraded"
		}
	}

	metrics := h.bus.Metrics(time.Minute)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := struct {
		HealthResponse
		Performance PerformanceStats `json:"performance"`
		Memory      struct {
			Alloc      uint64 `json:"alloc_bytes"`
			TotalAlloc uint64 `json:"total_alloc_bytes"`
			Sys        uint64 `json:"sys_bytes"`
			NumGC      uint32 `json:"num_gc"`
		} `json:"memory"`
		Goroutines int `json:"goroutines"`
	}{
		HealthResponse: HealthResponse{
			Status:    overallStatus,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.version,
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
			Checks:    checks,
		},
		Performance: PerformanceStats{
			EventsPerSec:   metrics.EventsPerSec,
			MessagesPerSec: stats.MessagesPerSec,
			ErrorRate:      metrics.ErrorRate,
			QueueDepth:     metrics.QueueDepth,
			Connections:    stats.TotalConnections,
		},
		Goroutines: runtime.NumGoroutine(),
	}
	response.Memory.Alloc = memStats.Alloc
	response.Memory.TotalAlloc = memStats.TotalAlloc
	response.Memory.Sys = memStats.Sys
	response.Memory.NumGC = memStats.NumGC

	statusCode := http.StatusOK
	if overallStatus == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// checkBus reports whether the bus is accepting publishes.
func (h *HealthHandler) checkBus() Check {
	status := h.bus.Status()
	switch {
	case !status.Running:
		return Check{Status: "unhealthy", Message: "bus is not running"}
	case status.Paused:
		return Check{Status: "degraded", Message: "bus is paused, events are queueing"}
	default:
		return Check{Status: "healthy"}
	}
}

// checkConnections reports the live connection counts.
func checkConnections(stats ws.ConnectionStats) Check {
	return Check{
		Status: "healthy",
		Message: fmt.Sprintf("%d connections, %d authenticated",
			stats.TotalConnections, stats.AuthenticatedConnections),
	}
}

// checkDatabase checks the event store connection
func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	start := time.Now()

	err := h.db.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return Check{
			Status:  "unhealthy",
			Message: err.Error(),
			Latency: latency.String(),
		}
	}

	return Check{
		Status:  "healthy",
		Latency: latency.String(),
	}
}
