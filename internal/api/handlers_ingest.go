// handlers_ingest.go - Batch log upload for one machine
package api

import (
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/cnc-iiot/backend/internal/models"
	"github.com/cnc-iiot/backend/internal/parser"
)

var machineIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// IngestHandlerImpl implements the IngestHandler interface
type IngestHandlerImpl struct {
	ingester Ingester
	logger   *slog.Logger
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(ingester Ingester, logger *slog.Logger) IngestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandlerImpl{ingester: ingester, logger: logger.With("component", "api")}
}

// HandleIngest feeds the request body through the machine's pipeline. The
// body is a plain, gzip or zstd compressed log named by the source query
// parameter. The run summary is returned
// both on success and alongside an error when the run aborted.
func (h *IngestHandlerImpl) HandleIngest(c echo.Context) error {
	machineID := c.Param("machineId")
	if !machineIDPattern.MatchString(machineID) {
		return RespondWithError(c, NewValidationError("machineId"))
	}

	// The source name keys the stamping base of untimestamped lines, so
	// re-posting the same source is deduplicated.
	source := c.QueryParam("source")
	if source == "" {
		return RespondWithError(c, NewValidationError("source"))
	}

	body, err := parser.NewSourceReader(c.Request().Body)
	if err != nil {
		return RespondWithError(c, NewBadRequestError("failed to read body", err))
	}
	defer body.Close()

	summary, err := h.ingester.Ingest(c.Request().Context(), machineID, source, body)
	if err != nil {
		h.logger.Warn("ingest failed", "machine", machineID, "source", source, "error", err)
		apiErr := FromStoreError(err, "machine", machineID)
		if summary == nil {
			return RespondWithError(c, apiErr)
		}
		return c.JSON(apiErr.Status, ingestFailure{APIError: apiErr, Summary: summary})
	}
	return c.JSON(http.StatusOK, summary)
}

type ingestFailure struct {
	*APIError
	Summary *models.RunSummary `json:"summary"`
}

// HandleListMachines lists machines with a live pipeline.
func (h *IngestHandlerImpl) HandleListMachines(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"machines": h.ingester.Machines(),
	})
}
