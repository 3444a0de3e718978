package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cnc-iiot/backend/internal/models"
)

// Reader is the read-only query surface used by reporting consumers.
type Reader interface {
	GetJob(ctx context.Context, jobID int64) (*models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	FinishedJobs(ctx context.Context, from, to time.Time) ([]models.Job, error)
	IncompleteJobs(ctx context.Context) ([]models.Job, error)
	TelemetryForJob(ctx context.Context, jobID int64) ([]models.TelemetryRecord, error)
	TransitionsForJob(ctx context.Context, jobID int64) ([]models.Transition, error)
	RecentRuns(ctx context.Context, limit int) ([]models.RunSummary, error)
	Stats(ctx context.Context) (Stats, error)
}

var _ Reader = (*DuckStore)(nil)

// JobFilter selects jobs. Zero fields do not filter.
type JobFilter struct {
	MachineID string
	Status    models.JobStatus
	// From and To bound finished_at (inclusive) for finished jobs and
	// created_at otherwise.
	From time.Time
	To   time.Time
}

// Stats is a row count snapshot for the health endpoint.
type Stats struct {
	Telemetry   int64 `json:"telemetry"`
	Messages    int64 `json:"messages"`
	Jobs        int64 `json:"jobs"`
	OpenJobs    int64 `json:"openJobs"`
	Transitions int64 `json:"transitions"`
	Runs        int64 `json:"runs"`
}

const jobColumns = `job_id, machine_id, status, created_at, started_at, finished_at, incomplete_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                         models.Job
		status                      string
		started, finished, unfinish sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.MachineID, &status, &job.CreatedAt, &started, &finished, &unfinish); err != nil {
		return nil, err
	}
	st, err := models.ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	job.Status = st
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.IncompleteAt = timePtr(unfinish)
	return &job, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// acquire limits concurrent reads.
func (s *DuckStore) acquire(ctx context.Context) (func(), error) {
	select {
	case s.querySem <- struct{}{}:
		return func() { <-s.querySem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetJob returns one job or ErrNotFound.
func (s *DuckStore) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get job", err)
	}
	return job, nil
}

// ListJobs returns jobs matching f ordered by job id.
func (s *DuckStore) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	where, args := buildJobWhere(f)
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY job_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, persistErr("scan job", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, persistErr("list jobs", rows.Err())
}

func buildJobWhere(f JobFilter) (string, []any) {
	var conds []string
	var args []any

	if f.MachineID != "" {
		conds = append(conds, "machine_id = ?")
		args = append(args, f.MachineID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	column := "created_at"
	if f.Status == models.JobStatusFinished {
		column = "finished_at"
	}
	if !f.From.IsZero() {
		conds = append(conds, column+" >= ?")
		args = append(args, normalizeTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, column+" <= ?")
		args = append(args, normalizeTime(f.To))
	}
	return strings.Join(conds, " AND "), args
}

// FinishedJobs returns jobs whose finished_at falls in [from, to]. A zero
// bound is open.
func (s *DuckStore) FinishedJobs(ctx context.Context, from, to time.Time) ([]models.Job, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("invalid range: to %s is before from %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return s.ListJobs(ctx, JobFilter{Status: models.JobStatusFinished, From: from, To: to})
}

// IncompleteJobs returns jobs that were still open when their run ended.
func (s *DuckStore) IncompleteJobs(ctx context.Context) ([]models.Job, error) {
	return s.ListJobs(ctx, JobFilter{Status: models.JobStatusIncomplete})
}

// TelemetryForJob returns the job's telemetry in timestamp order, ties
// broken by insertion order.
func (s *DuckStore) TelemetryForJob(ctx context.Context, jobID int64) ([]models.TelemetryRecord, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_id, timestamp, machine_state, sub_state, frame, x, y, z, feed, spindle, raw_line, job_id
		FROM telemetry WHERE job_id = ?
		ORDER BY timestamp, id`, jobID)
	if err != nil {
		return nil, persistErr("telemetry for job", err)
	}
	defer rows.Close()

	records := make([]models.TelemetryRecord, 0)
	for rows.Next() {
		var (
			rec           models.TelemetryRecord
			state, frame  string
			subState      sql.NullString
			feed, spindle sql.NullFloat64
			linkedJob     sql.NullInt64
		)
		err := rows.Scan(&rec.ID, &rec.MachineID, &rec.Timestamp, &state, &subState, &frame,
			&rec.Position.X, &rec.Position.Y, &rec.Position.Z, &feed, &spindle, &rec.RawLine, &linkedJob)
		if err != nil {
			return nil, persistErr("scan telemetry", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.HasTimestamp = true
		rec.MachineState = models.MachineState(state)
		rec.SubState = subState.String
		rec.Frame = models.CoordinateFrame(frame)
		if feed.Valid {
			v := feed.Float64
			rec.Feed = &v
		}
		if spindle.Valid {
			v := spindle.Float64
			rec.Spindle = &v
		}
		if linkedJob.Valid {
			v := linkedJob.Int64
			rec.JobID = &v
		}
		records = append(records, rec)
	}
	return records, persistErr("telemetry for job", rows.Err())
}

// TransitionsForJob returns the job's transitions in the order they were
// recorded.
func (s *DuckStore) TransitionsForJob(ctx context.Context, jobID int64) ([]models.Transition, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, from_status, to_status, triggering_timestamp
		FROM job_transitions WHERE job_id = ?
		ORDER BY id`, jobID)
	if err != nil {
		return nil, persistErr("transitions for job", err)
	}
	defer rows.Close()

	out := make([]models.Transition, 0)
	for rows.Next() {
		var tr models.Transition
		var from, to string
		if err := rows.Scan(&tr.ID, &tr.JobID, &from, &to, &tr.TriggerTimestamp); err != nil {
			return nil, persistErr("scan transition", err)
		}
		tr.From = models.JobStatus(from)
		tr.To = models.JobStatus(to)
		tr.TriggerTimestamp = tr.TriggerTimestamp.UTC()
		out = append(out, tr)
	}
	return out, persistErr("transitions for job", rows.Err())
}

// RecentRuns returns up to limit run summaries, newest first.
func (s *DuckStore) RecentRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, machine_id, source, policy, started_at, finished_at,
			lines_read, ingested, messages, duplicates, skipped, late,
			jobs_created, jobs_started, jobs_finished, incomplete_jobs, aborted
		FROM ingest_runs
		ORDER BY started_at DESC, run_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, persistErr("recent runs", err)
	}
	defer rows.Close()

	runs := make([]models.RunSummary, 0)
	for rows.Next() {
		var r models.RunSummary
		err := rows.Scan(&r.RunID, &r.MachineID, &r.Source, &r.Policy, &r.StartedAt, &r.FinishedAt,
			&r.LinesRead, &r.Ingested, &r.Messages, &r.Duplicates, &r.Skipped, &r.Late,
			&r.JobsCreated, &r.JobsStarted, &r.JobsFinished, &r.IncompleteCount, &r.Aborted)
		if err != nil {
			return nil, persistErr("scan run", err)
		}
		r.StartedAt = r.StartedAt.UTC()
		r.FinishedAt = r.FinishedAt.UTC()
		r.IncompleteJobs = make([]models.Job, 0)
		runs = append(runs, r)
	}
	return runs, persistErr("recent runs", rows.Err())
}

// Stats counts rows per table.
func (s *DuckStore) Stats(ctx context.Context) (Stats, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer release()

	var st Stats
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM telemetry),
			(SELECT COUNT(*) FROM controller_messages),
			(SELECT COUNT(*) FROM jobs),
			(SELECT COUNT(*) FROM jobs WHERE status IN ('created', 'started')),
			(SELECT COUNT(*) FROM job_transitions),
			(SELECT COUNT(*) FROM ingest_runs)`).
		Scan(&st.Telemetry, &st.Messages, &st.Jobs, &st.OpenJobs, &st.Transitions, &st.Runs)
	if err != nil {
		return Stats{}, persistErr("stats", err)
	}
	return st, nil
}
