package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"jupiter-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status               string `json:"status"`
	Version              string `json:"version"`
	Upstream             string `json:"upstream"`
	PathPrefix           string `json:"path_prefix"`
	CredentialConfigured bool   `json:"credential_configured"`
	CredentialRequired   bool   `json:"credential_required"`
}

// Status returns proxy status information. The credential itself is never exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	status := "ok"
	if h.cfg.Auth.RequireCredential && h.cfg.Auth.Credential == "" {
		status = "misconfigured"
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:               status,
		Version:              string(h.version),
		Upstream:             h.cfg.Upstream.Base,
		PathPrefix:           h.cfg.Upstream.PathPrefix,
		CredentialConfigured: h.cfg.Auth.Credential != "",
		CredentialRequired:   h.cfg.Auth.RequireCredential,
	})
}
