package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/request-gateway/payment_service/pkg/logger"
)

const serviceVersion = "1.0.0"

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// CoreHandlers contains health, readiness, and metrics handlers
type CoreHandlers struct {
	liveness  map[string]CheckFunc
	readiness map[string]CheckFunc
	logger    *logger.Logger
}

// NewCoreHandlers creates core handlers. liveness checks gate /health; readiness
// checks add to them for /ready.
func NewCoreHandlers(liveness, readiness map[string]CheckFunc, logger *logger.Logger) *CoreHandlers {
	return &CoreHandlers{
		liveness:  liveness,
		readiness: readiness,
		logger:    logger,
	}
}

var startTime = time.Now()

// HealthCheck represents a health check result
type HealthCheck struct {
	Service   string        `json:"service"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    time.Duration          `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks"`
}

// Health handles GET /health
func (h *CoreHandlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	checks, healthy := runChecks(ctx, h.liveness)
	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Version:   serviceVersion,
		Uptime:    time.Since(startTime),
		Checks:    checks,
	})
}

// Ready handles GET /ready
func (h *CoreHandlers) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	all := make(map[string]CheckFunc, len(h.liveness)+len(h.readiness))
	for name, fn := range h.liveness {
		all[name] = fn
	}
	for name, fn := range h.readiness {
		all[name] = fn
	}
	checks, ready := runChecks(ctx, all)

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		h.logger.Warn("Readiness check failed", "checks", failedNames(checks))
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// Metrics exposes Prometheus metrics
func Metrics() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func runChecks(ctx context.Context, fns map[string]CheckFunc) (map[string]HealthCheck, bool) {
	checks := make(map[string]HealthCheck, len(fns))
	ok := true
	for name, fn := range fns {
		start := time.Now()
		check := HealthCheck{Service: name, Timestamp: start, Status: "healthy"}
		if err := fn(ctx); err != nil {
			check.Status = "unhealthy"
			check.Error = err.Error()
			ok = false
		}
		check.Latency = time.Since(start)
		checks[name] = check
	}
	return checks, ok
}

func failedNames(checks map[string]HealthCheck) []string {
	var names []string
	for name, c := range checks {
		if c.Status != "healthy" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
