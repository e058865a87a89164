package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"rag.evalgo.org/common"
	"rag.evalgo.org/version"
)

// defaultReadinessGrace is how long a dependency may fail probes before
// readiness flips to unhealthy.
const defaultReadinessGrace = 30 * time.Second

const probeTimeout = 3 * time.Second

// Probe checks one downstream dependency.
type Probe func(ctx context.Context) error

// healthChecker tracks per-dependency probe failures. A dependency only
// fails readiness after it has been failing continuously for the grace
// period, so a transient blip does not pull the node out of rotation.
type healthChecker struct {
	probes map[string]Probe
	grace  time.Duration

	mu           sync.Mutex
	failingSince map[string]time.Time
}

func newHealthChecker(probes map[string]Probe, grace time.Duration) *healthChecker {
	if grace <= 0 {
		grace = defaultReadinessGrace
	}
	return &healthChecker{
		probes:       probes,
		grace:        grace,
		failingSince: make(map[string]time.Time),
	}
}

// check runs every probe and returns per-dependency status plus overall
// readiness.
func (h *healthChecker) check(ctx context.Context) (map[string]string, bool) {
	status := make(map[string]string, len(h.probes))
	ready := true
	now := time.Now()

	for name, probe := range h.probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(probeCtx)
		cancel()

		h.mu.Lock()
		if err == nil {
			delete(h.failingSince, name)
			status[name] = "ok"
		} else {
			since, ok := h.failingSince[name]
			if !ok {
				since = now
				h.failingSince[name] = since
			}
			if now.Sub(since) >= h.grace {
				status[name] = "failing"
				ready = false
			} else {
				status[name] = "degraded"
			}
			common.Logger.WithError(err).WithField("dependency", name).Warn("readiness probe failed")
		}
		h.mu.Unlock()
	}
	return status, ready
}

// healthResponse is the liveness/readiness payload.
type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "alive",
		Service: serviceName,
		Version: buildVersion(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	details, ready := s.health.check(c.Request().Context())
	resp := healthResponse{
		Status:  "ready",
		Service: serviceName,
		Version: buildVersion(),
		Details: details,
	}
	if !ready {
		resp.Status = "not_ready"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func buildVersion() string {
	if info := version.GetBuildInfo(); info != nil {
		return info.MainVersion
	}
	return ""
}
