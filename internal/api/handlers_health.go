// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cnc-iiot/backend/internal/storage"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	reader  storage.Reader
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, reader storage.Reader) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		reader:  reader,
	}
}

// HandleHealth returns server health status with table counts
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	stats, err := h.reader.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "degraded",
			"version": h.version,
			"error":   err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"stats":   stats,
	})
}
