package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/aurum-score/internal/health"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type SystemHandler struct {
	reporter *health.Reporter
	checks   []Check
}

func NewSystemHandler(reporter *health.Reporter, checks ...Check) *SystemHandler {
	return &SystemHandler{reporter: reporter, checks: checks}
}

// Healthz and Readyz answer orchestrator probes with a bare body; Status is
// a client-facing endpoint and uses the standard envelope.
func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz fails only when a hard dependency is down. A degraded broker is
// reported but does not fail readiness since direct mode still serves.
func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	for _, chk := range h.checks {
		if err := chk.Ping(ctx); err != nil {
			checks[chk.Name] = err.Error()
			healthy = false
		} else {
			checks[chk.Name] = "ok"
		}
	}

	snap := h.reporter.Snapshot(ctx)
	checks["queue"] = snap.Queue.Mode

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": checks,
	})
}

func (h *SystemHandler) Status(c *gin.Context) {
	snap := h.reporter.Snapshot(c.Request.Context())
	respond(c, http.StatusOK, "service "+snap.Status, snap)
}
