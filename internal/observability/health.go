package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HealthStatus is the health state of one component or the process
// overall.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is one named component's check result.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse is the aggregate /healthz payload.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthCheckFunc evaluates one component.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// HealthChecker aggregates named component checks into one response.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// NewHealthChecker creates a checker stamped with version and a start
// time for uptime reporting.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck adds or replaces a named component check.
func (hc *HealthChecker) RegisterCheck(name string, fn HealthCheckFunc) {
	hc.checks[name] = fn
}

// Check runs every registered check and aggregates the worst status.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	resp := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, fn := range hc.checks {
		h := fn(ctx)
		resp.Checks[name] = h
		if h.Status == HealthStatusUnhealthy {
			resp.Status = HealthStatusUnhealthy
		} else if h.Status == HealthStatusDegraded && resp.Status != HealthStatusUnhealthy {
			resp.Status = HealthStatusDegraded
		}
	}
	return resp
}

// Handler serves the aggregate health response as JSON, with an HTTP
// status reflecting the worst component.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := hc.Check(ctx)
		w.Header().Set("Content-Type", "application/json")
		switch resp.Status {
		case HealthStatusOK, HealthStatusDegraded:
			w.WriteHeader(http.StatusOK)
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// QUICListenerCheck reports whether the multipath endpoint's QUIC
// listener is bound.
func QUICListenerCheck(addr string, bound bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if bound {
			return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("QUIC listener on %s", addr)}
		}
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "QUIC listener not bound"}
	}
}

// KeystoreCheck reports whether the local identity keys are loaded.
func KeystoreCheck(loaded bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if loaded {
			return ComponentHealth{Status: HealthStatusOK, Message: "identity keys loaded"}
		}
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "identity keys not loaded"}
	}
}

// ActivePathsCheck reports degraded/unhealthy when too few transport
// paths are up, the health-surface counterpart to the handover
// controller's single-path boundary case.
func ActivePathsCheck(activeCount func() int) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		n := activeCount()
		switch {
		case n >= 2:
			return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("%d active paths", n)}
		case n == 1:
			return ComponentHealth{Status: HealthStatusDegraded, Message: "only 1 active path: handover unavailable"}
		default:
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: "no active paths"}
		}
	}
}

// DiskSpaceCheck reports on free space at path, degraded below
// minFreeBytes.
func DiskSpaceCheck(path string, minFreeBytes int64, freeBytes func(string) (int64, error)) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		free, err := freeBytes(path)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error(), LatencyMS: latency}
		}
		if free > minFreeBytes {
			return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("%d bytes free", free), LatencyMS: latency}
		}
		return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("low disk space: %d bytes free", free), LatencyMS: latency}
	}
}
