package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/config"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/tunnel"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	tunnels *tunnel.Manager
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, tunnels *tunnel.Manager) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, tunnels: tunnels}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information, including live tunnel activity.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     string(h.version),
		"backend_url": h.cfg.Backend.BaseURL,
		"tunnels":     h.tunnels.Stats(),
	})
}
