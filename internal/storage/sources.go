package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cnc-iiot/backend/internal/models"
)

// SourceBase returns the base time for stamping untimestamped lines of a
// machine's source. The first call for a source records a base no earlier
// than proposed and at least gap after everything already stored for the
// machine; later calls return the recorded base unchanged.
func (s *DuckStore) SourceBase(ctx context.Context, machineID, source string, proposed time.Time, gap time.Duration) (time.Time, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	var base time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT base_time FROM ingest_sources WHERE machine_id = ? AND source = ?`,
		machineID, source).Scan(&base)
	if err == nil {
		return base.UTC(), nil
	}
	if err != sql.ErrNoRows {
		return time.Time{}, persistErr("source base", err)
	}

	var latest sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM (
			SELECT MAX(timestamp) AS ts FROM telemetry WHERE machine_id = ?
			UNION ALL
			SELECT MAX(timestamp) FROM controller_messages WHERE machine_id = ?
		)`, machineID, machineID).Scan(&latest)
	if err != nil {
		return time.Time{}, persistErr("source base", err)
	}

	base = normalizeTime(proposed)
	if latest.Valid {
		if after := normalizeTime(latest.Time).Add(gap); after.After(base) {
			base = after
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ingest_sources (machine_id, source, base_time, first_seen) VALUES (?, ?, ?, ?)`,
		machineID, source, base, normalizeTime(time.Now())); err != nil {
		return time.Time{}, persistErr("register source", err)
	}
	if err := s.commit(tx, "register source"); err != nil {
		return time.Time{}, err
	}
	s.logger.Info("registered source", "machine", machineID, "source", source, "base", base)
	return base, nil
}

// JobProgress reports how far an open job's telemetry has been applied: the
// latest timestamp and the trailing run of Idle samples after the job
// started. It lets a resumed tracker continue the debounce where it stopped.
func (s *DuckStore) JobProgress(ctx context.Context, job *models.Job) (models.JobProgress, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return models.JobProgress{}, err
	}
	defer release()

	var p models.JobProgress
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, machine_state FROM telemetry
		WHERE job_id = ?
		ORDER BY timestamp DESC, id DESC`, job.ID)
	if err != nil {
		return p, persistErr("job progress", err)
	}
	defer rows.Close()

	counting := job.Status == models.JobStatusStarted && job.StartedAt != nil
	for rows.Next() {
		var ts time.Time
		var state string
		if err := rows.Scan(&ts, &state); err != nil {
			return p, persistErr("job progress", err)
		}
		ts = ts.UTC()
		if p.LastTimestamp.IsZero() {
			p.LastTimestamp = ts
		}
		if !counting || models.MachineState(state) != models.StateIdle || ts.Before(*job.StartedAt) {
			break
		}
		p.IdleRun++
		p.IdleSince = ts
	}
	if err := rows.Err(); err != nil {
		return p, persistErr("job progress", err)
	}
	return p, nil
}
