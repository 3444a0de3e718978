// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"io"

	"github.com/labstack/echo/v4"

	"github.com/cnc-iiot/backend/internal/ingest"
	"github.com/cnc-iiot/backend/internal/models"
)

// JobHandler serves the read-only job queries
type JobHandler interface {
	HandleListJobs(c echo.Context) error
	HandleGetJob(c echo.Context) error
	HandleGetTransitions(c echo.Context) error
	HandleGetTelemetry(c echo.Context) error
	HandleGetTelemetryMsgpack(c echo.Context) error
}

// RunHandler serves ingestion run history
type RunHandler interface {
	HandleRecentRuns(c echo.Context) error
}

// IngestHandler accepts log uploads for a machine
type IngestHandler interface {
	HandleIngest(c echo.Context) error
	HandleListMachines(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// Ingester runs a source through a machine's pipeline. This allows mocking
// in tests.
type Ingester interface {
	Ingest(ctx context.Context, machineID, source string, r io.Reader) (*models.RunSummary, error)
	Machines() []ingest.MachineStatus
}

var _ Ingester = (*ingest.Manager)(nil)
