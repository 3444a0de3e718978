// handlers_jobs.go - Read-only job, transition and telemetry queries
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cnc-iiot/backend/internal/models"
	"github.com/cnc-iiot/backend/internal/storage"
)

// JobHandlerImpl implements the JobHandler interface
type JobHandlerImpl struct {
	reader storage.Reader
}

// NewJobHandler creates a new job handler
func NewJobHandler(reader storage.Reader) JobHandler {
	return &JobHandlerImpl{reader: reader}
}

// HandleListJobs lists jobs filtered by status, machine and time range.
// For status=finished the range applies to finished_at, otherwise to
// created_at.
func (h *JobHandlerImpl) HandleListJobs(c echo.Context) error {
	var f storage.JobFilter
	f.MachineID = c.QueryParam("machine")

	if s := c.QueryParam("status"); s != "" {
		status, err := models.ParseJobStatus(s)
		if err != nil || status == models.JobStatusNone {
			return RespondWithError(c, NewBadRequestError("invalid status", err))
		}
		f.Status = status
	}

	var err error
	if f.From, err = parseTimeParam(c, "from"); err != nil {
		return RespondWithError(c, NewBadRequestError("invalid from", err))
	}
	if f.To, err = parseTimeParam(c, "to"); err != nil {
		return RespondWithError(c, NewBadRequestError("invalid to", err))
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return RespondWithError(c, NewValidationError("to"))
	}

	jobs, err := h.reader.ListJobs(c.Request().Context(), f)
	if err != nil {
		return RespondWithError(c, FromStoreError(err, "jobs", ""))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// HandleGetJob returns one job.
func (h *JobHandlerImpl) HandleGetJob(c echo.Context) error {
	id, apiErr := jobIDParam(c)
	if apiErr != nil {
		return RespondWithError(c, apiErr)
	}
	job, err := h.reader.GetJob(c.Request().Context(), id)
	if err != nil {
		return RespondWithError(c, FromStoreError(err, "job", c.Param("id")))
	}
	return c.JSON(http.StatusOK, job)
}

// HandleGetTransitions returns a job's status history.
func (h *JobHandlerImpl) HandleGetTransitions(c echo.Context) error {
	id, apiErr := jobIDParam(c)
	if apiErr != nil {
		return RespondWithError(c, apiErr)
	}
	ctx := c.Request().Context()
	if _, err := h.reader.GetJob(ctx, id); err != nil {
		return RespondWithError(c, FromStoreError(err, "job", c.Param("id")))
	}
	transitions, err := h.reader.TransitionsForJob(ctx, id)
	if err != nil {
		return RespondWithError(c, FromStoreError(err, "job", c.Param("id")))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobId":       id,
		"transitions": transitions,
	})
}

// HandleGetTelemetry returns a job's telemetry ordered by timestamp.
func (h *JobHandlerImpl) HandleGetTelemetry(c echo.Context) error {
	id, records, apiErr := h.telemetry(c)
	if apiErr != nil {
		return RespondWithError(c, apiErr)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobId":     id,
		"telemetry": records,
		"total":     len(records),
	})
}

// HandleGetTelemetryMsgpack is HandleGetTelemetry encoded as MessagePack.
func (h *JobHandlerImpl) HandleGetTelemetryMsgpack(c echo.Context) error {
	id, records, apiErr := h.telemetry(c)
	if apiErr != nil {
		return RespondWithError(c, apiErr)
	}
	data, err := msgpack.Marshal(map[string]interface{}{
		"jobId":     id,
		"telemetry": records,
		"total":     len(records),
	})
	if err != nil {
		return RespondWithError(c, NewInternalError("failed to encode msgpack", err))
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

func (h *JobHandlerImpl) telemetry(c echo.Context) (int64, []models.TelemetryRecord, *APIError) {
	id, apiErr := jobIDParam(c)
	if apiErr != nil {
		return 0, nil, apiErr
	}
	ctx := c.Request().Context()
	if _, err := h.reader.GetJob(ctx, id); err != nil {
		return 0, nil, FromStoreError(err, "job", c.Param("id"))
	}
	records, err := h.reader.TelemetryForJob(ctx, id)
	if err != nil {
		return 0, nil, FromStoreError(err, "job", c.Param("id"))
	}
	return id, records, nil
}

func jobIDParam(c echo.Context) (int64, *APIError) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, NewValidationError("id")
	}
	return id, nil
}

// parseTimeParam accepts RFC 3339 or Unix milliseconds. Empty is zero.
func parseTimeParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
