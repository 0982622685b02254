package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/live-relay/internal/relay"
	"github.com/eleven-am/live-relay/internal/shared"
	"github.com/labstack/echo/v4"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type SessionStats struct {
	Local   int                 `json:"local"`
	ByState map[relay.State]int `json:"by_state"`
	Fleet   *int64              `json:"fleet,omitempty"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type Stats struct {
	Sessions SessionStats `json:"sessions"`
	Requests RequestStats `json:"requests"`
	Runtime  RuntimeStats `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type SessionsResponse struct {
	Total    int                 `json:"total"`
	Fleet    *int64              `json:"fleet,omitempty"`
	Sessions []relay.SessionInfo `json:"sessions"`
}

// Presence is the fleet-wide view of live sessions. A nil Presence means
// the relay runs without Redis.
type Presence interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

type componentCheck struct {
	name  string
	check func(context.Context) ComponentStatus
}

type Handler struct {
	registry        *relay.Registry
	presence        Presence
	upstreamCredSet bool
	version         string
	startTime       time.Time

	totalRequests     uint64
	activeConnections int64
}

func NewHandler(registry *relay.Registry, presence Presence, upstreamCredSet bool, version string) *Handler {
	return &Handler{
		registry:        registry,
		presence:        presence,
		upstreamCredSet: upstreamCredSet,
		version:         version,
		startTime:       time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/sessions", h.Sessions)
	e.GET("/health/sessions/:id", h.Session)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

// Liveness godoc
// @Summary      Liveness probe
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Readiness godoc
// @Summary      Readiness probe
// @Description  Reports presence store reachability and whether upstream credentials are configured
// @Tags         health
// @Produce      json
// @Success      200  {object}  health.HealthResponse
// @Failure      503  {object}  health.HealthResponse
// @Router       /health/ready [get]
func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := []componentCheck{
		{"upstream", h.checkUpstream},
	}
	if h.presence != nil {
		checks = append(checks, componentCheck{"redis", h.checkRedis})
	}

	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(len(checks))
	for _, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(check.name, check.check)
	}
	wg.Wait()

	overallStatus := computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Sessions: SessionStats{
				Local:   h.registry.Count(),
				ByState: h.registry.CountByState(),
				Fleet:   h.fleetCount(ctx),
			},
			Requests: RequestStats{
				TotalRequests:     atomic.LoadUint64(&h.totalRequests),
				ActiveConnections: atomic.LoadInt64(&h.activeConnections),
			},
			Runtime: RuntimeStats{
				Goroutines:         runtime.NumGoroutine(),
				MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
				MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
				MemorySysMB:        memStats.Sys / 1024 / 1024,
				NumGC:              memStats.NumGC,
			},
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

// Sessions godoc
// @Summary      List live sessions on this instance
// @Tags         health
// @Produce      json
// @Success      200  {object}  health.SessionsResponse
// @Router       /health/sessions [get]
func (h *Handler) Sessions(c echo.Context) error {
	sessions := h.registry.List()
	return c.JSON(http.StatusOK, SessionsResponse{
		Total:    len(sessions),
		Fleet:    h.fleetCount(c.Request().Context()),
		Sessions: sessions,
	})
}

// Session godoc
// @Summary      Show one live session
// @Tags         health
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  relay.SessionInfo
// @Failure      404  {object}  shared.APIError
// @Router       /health/sessions/{id} [get]
func (h *Handler) Session(c echo.Context) error {
	id := c.Param("id")
	for _, info := range h.registry.List() {
		if info.ID == id {
			return c.JSON(http.StatusOK, info)
		}
	}
	return shared.NotFound("session_not_found", "No live session with that id on this instance")
}

func (h *Handler) fleetCount(ctx context.Context) *int64 {
	if h.presence == nil {
		return nil
	}
	n, err := h.presence.Count(ctx)
	if err != nil {
		return nil
	}
	return &n
}

func (h *Handler) checkUpstream(ctx context.Context) ComponentStatus {
	if !h.upstreamCredSet {
		return ComponentStatus{
			Status: StatusUnhealthy,
			Error:  "upstream credential not configured",
		}
	}
	return ComponentStatus{Status: StatusHealthy}
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if err := h.presence.Ping(ctx); err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// computeOverallStatus treats the upstream credential as critical. Presence
// only feeds fleet counts, so losing Redis degrades the instance.
func computeOverallStatus(components map[string]ComponentStatus) Status {
	if status, ok := components["upstream"]; ok && status.Status == StatusUnhealthy {
		return StatusUnhealthy
	}

	for _, status := range components {
		if status.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
