package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/cnc-iiot/backend/internal/storage"
)

// RunHandlerImpl implements the RunHandler interface
type RunHandlerImpl struct {
	reader storage.Reader
}

// NewRunHandler creates a new run handler
func NewRunHandler(reader storage.Reader) RunHandler {
	return &RunHandlerImpl{reader: reader}
}

// HandleRecentRuns returns the latest ingestion runs, newest first.
func (h *RunHandlerImpl) HandleRecentRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 500 {
		limit = 20
	}
	runs, err := h.reader.RecentRuns(c.Request().Context(), limit)
	if err != nil {
		return RespondWithError(c, FromStoreError(err, "runs", ""))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": len(runs),
	})
}
