// Package storage persists telemetry, lifecycle transitions and jobs in a
// DuckDB file.
//
// Writes are append-only except for the job row, whose status moves forward
// in place; every change is mirrored into job_transitions. All writes go
// through one mutex so per-line transactions from different machines never
// interleave. Reads take no lock and see DuckDB's committed snapshot.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"
	"github.com/zeebo/blake3"

	"github.com/cnc-iiot/backend/internal/models"
)

// Options tunes the DuckDB connection.
type Options struct {
	MemoryLimit string // e.g. "1GB"; empty keeps the DuckDB default
	Threads     int    // 0 keeps the DuckDB default
	// MaxConcurrentQueries bounds concurrent reads; 0 means 4.
	MaxConcurrentQueries int
	Logger               *slog.Logger
}

// DuckStore is the durable store.
type DuckStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger

	writeMu  sync.Mutex
	querySem chan struct{}

	// beforeCommit, when set, runs inside every write transaction just
	// before COMMIT. Tests use it to simulate a crash mid-write.
	beforeCommit func(op string) error
}

// OpenDuckStore opens (creating if needed) the database file at dbPath.
// Call Migrate or CheckSchema before writing.
func OpenDuckStore(dbPath string, opts Options) (*DuckStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "duckstore")

	var pragmas []string
	if opts.MemoryLimit != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", strings.ReplaceAll(opts.MemoryLimit, "'", "")))
	}
	if opts.Threads > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", opts.Threads))
	}
	pragmas = append(pragmas, "PRAGMA enable_progress_bar=false")

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("open", fmt.Errorf("failed to create DuckDB connector: %w", err))
	}

	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, persistErr("open", err)
	}

	maxQueries := opts.MaxConcurrentQueries
	if maxQueries <= 0 {
		maxQueries = 4
	}

	logger.Info("database opened", "path", dbPath)
	return &DuckStore{
		db:       db,
		dbPath:   dbPath,
		logger:   logger,
		querySem: make(chan struct{}, maxQueries),
	}, nil
}

// Path returns the database file path.
func (s *DuckStore) Path() string { return s.dbPath }

// Close closes the database.
func (s *DuckStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LineWrite is everything one input line persists.
type LineWrite struct {
	MachineID string

	// Exactly one of Telemetry and Message is set.
	Telemetry *models.TelemetryEvent
	Message   *models.ControllerMessage

	// Transitions are the status changes the line caused, in order. A
	// creation may be followed by a start of the same job; later entries
	// with a zero JobID refer to the job created earlier in the list.
	Transitions []models.Transition

	// ActiveJobID links the line to the open job when there is no
	// transition. Zero means no job.
	ActiveJobID int64
}

// LineResult reports what CommitLine persisted.
type LineResult struct {
	// Duplicate is true when an identical line (same machine, timestamp and
	// raw text) was already stored. Nothing was written.
	Duplicate bool
	// JobID is the job the line was linked to, including a newly assigned
	// id for a created job. Zero when none.
	JobID int64
	// RecordID is the telemetry or controller message row id.
	RecordID int64
}

// CommitLine persists one line atomically: the telemetry (or message) row,
// the optional transition record and the job row change either all commit
// or none do.
func (s *DuckStore) CommitLine(ctx context.Context, w LineWrite) (LineResult, error) {
	if (w.Telemetry == nil) == (w.Message == nil) {
		return LineResult{}, fmt.Errorf("commit line: exactly one of telemetry or message is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LineResult{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	table, ts, raw := "telemetry", time.Time{}, ""
	if w.Telemetry != nil {
		ts, raw = w.Telemetry.Timestamp, w.Telemetry.RawLine
	} else {
		table, ts, raw = "controller_messages", w.Message.Timestamp, w.Message.RawLine
	}
	ts = normalizeTime(ts)
	hash := LineHash(w.MachineID, ts, raw)

	var seen int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE line_hash = ?`, hash).Scan(&seen); err != nil {
		return LineResult{}, persistErr("dedupe lookup", err)
	}
	if seen > 0 {
		return LineResult{Duplicate: true}, nil
	}

	res := LineResult{JobID: w.ActiveJobID}
	var created int64
	for _, tr := range w.Transitions {
		if tr.JobID == 0 {
			tr.JobID = created
		}
		res.JobID, err = s.applyTransition(ctx, tx, w.MachineID, tr)
		if err != nil {
			return LineResult{}, err
		}
		if tr.To == models.JobStatusCreated {
			created = res.JobID
		}
	}

	if w.Telemetry != nil {
		res.RecordID, err = insertTelemetry(ctx, tx, w.MachineID, ts, hash, res.JobID, w.Telemetry)
	} else {
		res.RecordID, err = insertMessage(ctx, tx, w.MachineID, ts, hash, res.JobID, w.Message)
	}
	if err != nil {
		return LineResult{}, err
	}

	if err := s.commit(tx, "commit line"); err != nil {
		return LineResult{}, err
	}
	return res, nil
}

// MarkIncomplete records that an open job was abandoned when input ended.
// It has no triggering line, so only the job row and the transition record
// are written.
func (s *DuckStore) MarkIncomplete(ctx context.Context, machineID string, tr models.Transition) error {
	if tr.To != models.JobStatusIncomplete {
		return &models.InvalidTransitionError{JobID: tr.JobID, From: tr.From, To: tr.To, Reason: "not an incomplete marker"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback()

	if _, err := s.applyTransition(ctx, tx, machineID, tr); err != nil {
		return err
	}
	return s.commit(tx, "mark incomplete")
}

func (s *DuckStore) commit(tx *sql.Tx, op string) error {
	if s.beforeCommit != nil {
		if err := s.beforeCommit(op); err != nil {
			return persistErr(op, err)
		}
	}
	return persistErr(op, tx.Commit())
}

// applyTransition writes the job row change and the transition record. The
// stored status must equal tr.From; a created job gets the next id from
// job_id_seq.
func (s *DuckStore) applyTransition(ctx context.Context, tx *sql.Tx, machineID string, tr models.Transition) (int64, error) {
	at := normalizeTime(tr.TriggerTimestamp)

	var jobID int64
	switch tr.To {
	case models.JobStatusCreated:
		if tr.From != models.JobStatusNone {
			return 0, &models.InvalidTransitionError{From: tr.From, To: tr.To, Reason: "creation must start from none"}
		}
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE machine_id = ? AND status IN ('created', 'started')`, machineID).Scan(&open)
		if err != nil {
			return 0, persistErr("open job lookup", err)
		}
		if open > 0 {
			return 0, &models.InvalidTransitionError{From: tr.From, To: tr.To, Reason: "machine already has an open job"}
		}
		if err := tx.QueryRowContext(ctx, `SELECT nextval('job_id_seq')`).Scan(&jobID); err != nil {
			return 0, persistErr("assign job id", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (job_id, machine_id, status, created_at) VALUES (?, ?, ?, ?)`,
			jobID, machineID, string(models.JobStatusCreated), at)
		if err != nil {
			return 0, persistErr("insert job", err)
		}

	case models.JobStatusStarted, models.JobStatusFinished, models.JobStatusIncomplete:
		jobID = tr.JobID
		var status, owner string
		err := tx.QueryRowContext(ctx, `SELECT status, machine_id FROM jobs WHERE job_id = ?`, jobID).Scan(&status, &owner)
		if err == sql.ErrNoRows {
			return 0, &models.InvalidTransitionError{JobID: jobID, From: tr.From, To: tr.To, Reason: "job does not exist"}
		}
		if err != nil {
			return 0, persistErr("job lookup", err)
		}
		if owner != machineID {
			return 0, &models.InvalidTransitionError{JobID: jobID, From: tr.From, To: tr.To, Reason: "job belongs to machine " + owner}
		}
		if models.JobStatus(status) != tr.From {
			return 0, &models.InvalidTransitionError{JobID: jobID, From: models.JobStatus(status), To: tr.To,
				Reason: fmt.Sprintf("stored status is %s, transition expected %s", status, tr.From)}
		}
		if !validStep(tr.From, tr.To) {
			return 0, &models.InvalidTransitionError{JobID: jobID, From: tr.From, To: tr.To, Reason: "not a forward lifecycle step"}
		}

		column := map[models.JobStatus]string{
			models.JobStatusStarted:    "started_at",
			models.JobStatusFinished:   "finished_at",
			models.JobStatusIncomplete: "incomplete_at",
		}[tr.To]
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, `+column+` = ? WHERE job_id = ?`, string(tr.To), at, jobID)
		if err != nil {
			return 0, persistErr("update job", err)
		}

	default:
		return 0, &models.InvalidTransitionError{JobID: tr.JobID, From: tr.From, To: tr.To, Reason: "unknown target status"}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_transitions (job_id, from_status, to_status, triggering_timestamp) VALUES (?, ?, ?, ?)`,
		jobID, string(tr.From), string(tr.To), at)
	if err != nil {
		return 0, persistErr("insert transition", err)
	}
	return jobID, nil
}

func validStep(from, to models.JobStatus) bool {
	switch to {
	case models.JobStatusStarted:
		return from == models.JobStatusCreated
	case models.JobStatusFinished:
		return from == models.JobStatusStarted
	case models.JobStatusIncomplete:
		return from.Open()
	}
	return false
}

func insertTelemetry(ctx context.Context, tx *sql.Tx, machineID string, ts time.Time, hash string, jobID int64, ev *models.TelemetryEvent) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO telemetry (machine_id, timestamp, machine_state, sub_state, frame, x, y, z, feed, spindle, raw_line, line_hash, job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		machineID, ts, string(ev.MachineState), nullString(ev.SubState), string(ev.Frame),
		ev.Position.X, ev.Position.Y, ev.Position.Z,
		nullFloat(ev.Feed), nullFloat(ev.Spindle),
		ev.RawLine, hash, nullID(jobID),
	).Scan(&id)
	if err != nil {
		return 0, persistErr("insert telemetry", err)
	}
	return id, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, machineID string, ts time.Time, hash string, jobID int64, msg *models.ControllerMessage) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO controller_messages (machine_id, timestamp, kind, code, text, raw_line, line_hash, job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		machineID, ts, string(msg.Kind), nullString(msg.Code), msg.Text, msg.RawLine, hash, nullID(jobID),
	).Scan(&id)
	if err != nil {
		return 0, persistErr("insert message", err)
	}
	return id, nil
}

// ActiveJob returns the machine's open job, or nil when it has none.
func (s *DuckStore) ActiveJob(ctx context.Context, machineID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE machine_id = ? AND status IN ('created', 'started')
		ORDER BY job_id DESC LIMIT 1`, machineID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("active job", err)
	}
	return job, nil
}

// RecordRun stores a finished run summary.
func (s *DuckStore) RecordRun(ctx context.Context, r *models.RunSummary) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (run_id, machine_id, source, policy, started_at, finished_at,
			lines_read, ingested, messages, duplicates, skipped, late,
			jobs_created, jobs_started, jobs_finished, incomplete_jobs, aborted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.MachineID, r.Source, r.Policy, normalizeTime(r.StartedAt), normalizeTime(r.FinishedAt),
		r.LinesRead, r.Ingested, r.Messages, r.Duplicates, r.Skipped, r.Late,
		r.JobsCreated, r.JobsStarted, r.JobsFinished, len(r.IncompleteJobs), r.Aborted)
	return persistErr("record run", err)
}

// LineHash is the dedupe key of a stored line: BLAKE3 over machine id,
// timestamp and raw text.
func LineHash(machineID string, ts time.Time, raw string) string {
	var b strings.Builder
	b.Grow(len(machineID) + len(raw) + 40)
	b.WriteString(machineID)
	b.WriteByte(0)
	b.WriteString(normalizeTime(ts).Format(time.RFC3339Nano))
	b.WriteByte(0)
	b.WriteString(raw)
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// normalizeTime matches DuckDB's TIMESTAMP resolution.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
