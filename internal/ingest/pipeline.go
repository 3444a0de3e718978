// Package ingest drives raw controller lines through decoding, lifecycle
// tracking and persistence for one machine at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cnc-iiot/backend/internal/lifecycle"
	"github.com/cnc-iiot/backend/internal/models"
	"github.com/cnc-iiot/backend/internal/parser"
	"github.com/cnc-iiot/backend/internal/storage"
)

// Store is the persistence the pipeline needs.
type Store interface {
	CommitLine(ctx context.Context, w storage.LineWrite) (storage.LineResult, error)
	MarkIncomplete(ctx context.Context, machineID string, tr models.Transition) error
	ActiveJob(ctx context.Context, machineID string) (*models.Job, error)
	JobProgress(ctx context.Context, job *models.Job) (models.JobProgress, error)
	SourceBase(ctx context.Context, machineID, source string, proposed time.Time, gap time.Duration) (time.Time, error)
	RecordRun(ctx context.Context, r *models.RunSummary) error
}

var _ Store = (*storage.DuckStore)(nil)

// DefaultSampleInterval spaces lines that carry no source timestamp.
const DefaultSampleInterval = 200 * time.Millisecond

// Options configures a Pipeline.
type Options struct {
	MachineID string
	Frame     models.CoordinateFrame
	Policy    Policy
	Debounce  lifecycle.Debounce

	// Lines without a source timestamp are stamped
	// base + (line-1)*SampleInterval. A non-zero BaseTime pins the base for
	// every run. Otherwise each source gets a base recorded in the store on
	// its first run and reused when it is ingested again, so replays hash to
	// the same rows.
	SampleInterval time.Duration
	BaseTime       time.Time

	Logger *slog.Logger
}

// OutcomeKind says what happened to one line.
type OutcomeKind int

const (
	OutcomeIngested OutcomeKind = iota
	OutcomeMessage
	OutcomeDuplicate
	OutcomeSkipped
	OutcomeLate
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIngested:
		return "ingested"
	case OutcomeMessage:
		return "message"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeLate:
		return "late"
	}
	return "unknown"
}

// Outcome reports the effect of one processed line.
type Outcome struct {
	Kind        OutcomeKind
	JobID       int64 // job the line was linked to, 0 when none
	Transitions []models.Transition
	Pending     bool  // a finish is being debounced
	Err         error // decode error of a skipped line
}

// LineError is returned when a line could not be processed. Err is one of
// the parser decode errors, a *storage.PersistenceError or a
// *models.InvalidTransitionError.
type LineError struct {
	Line int
	Raw  string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Pipeline ingests lines for one machine. It is not safe for concurrent use;
// Manager serialises access per machine.
type Pipeline struct {
	store    Store
	decoder  *parser.Decoder
	tracker  *lifecycle.Tracker
	opts     Options
	logger   *slog.Logger
	base     time.Time
	position int // last line whose effects are committed
}

// New creates a pipeline. Call Resume before the first line when the store
// may already hold an open job for the machine.
func New(store Store, opts Options) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if opts.MachineID == "" {
		return nil, errors.New("ingest: machine id is required")
	}
	if opts.Debounce.IdleSamples == 0 && opts.Debounce.MinIdle == 0 {
		opts.Debounce = lifecycle.DefaultDebounce()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := opts.BaseTime
	if base.IsZero() {
		base = time.Now().UTC()
	}

	return &Pipeline{
		store:   store,
		decoder: parser.NewDecoder(opts.Frame),
		tracker: lifecycle.NewTracker(opts.MachineID, opts.Debounce),
		opts:    opts,
		logger:  logger.With("component", "ingest", "machine", opts.MachineID),
		base:    base.UTC(),
	}, nil
}

// MachineID returns the machine this pipeline feeds.
func (p *Pipeline) MachineID() string { return p.opts.MachineID }

// Policy returns the pipeline's decode error policy.
func (p *Pipeline) Policy() Policy { return p.opts.Policy }

// ActiveJob returns a copy of the tracked open job, or nil.
func (p *Pipeline) ActiveJob() *models.Job { return p.tracker.ActiveJob() }

// Position returns the number of the last line whose effects are committed.
func (p *Pipeline) Position() int { return p.position }

// Resume loads the machine's open job from the store into the tracker.
func (p *Pipeline) Resume(ctx context.Context) error {
	job, err := p.store.ActiveJob(ctx, p.opts.MachineID)
	if err != nil {
		return err
	}
	var progress models.JobProgress
	if job != nil {
		if progress, err = p.store.JobProgress(ctx, job); err != nil {
			return err
		}
	}
	if err := p.tracker.Restore(job, progress); err != nil {
		return err
	}
	if job != nil {
		p.logger.Info("resumed open job", "job_id", job.ID, "status", job.Status,
			"watermark", p.tracker.State().Watermark, "idle_run", progress.IdleRun)
	}
	return nil
}

// ProcessLine decodes, tracks and commits one line. lineNo is the 1-based
// position in the source and stamps lines without a timestamp.
//
// Decode failures follow the policy: under SkipAndLog they return an
// OutcomeSkipped with a nil error. Persistence and transition errors always
// return a *LineError and leave the tracker untouched.
func (p *Pipeline) ProcessLine(ctx context.Context, lineNo int, raw string) (Outcome, error) {
	line, err := p.decoder.DecodeLine(raw)
	if err != nil {
		if p.opts.Policy == AbortOnError {
			return Outcome{}, &LineError{Line: lineNo, Raw: raw, Err: err}
		}
		p.logger.Warn("skipping line", "line", lineNo, "raw", raw, "error", err)
		p.position = lineNo
		return Outcome{Kind: OutcomeSkipped, Err: err}, nil
	}

	if line.Kind == parser.LineMessage {
		return p.processMessage(ctx, lineNo, raw, line.Message)
	}
	return p.processTelemetry(ctx, lineNo, raw, line.Event)
}

func (p *Pipeline) stamp(lineNo int) time.Time {
	return p.base.Add(time.Duration(lineNo-1) * p.opts.SampleInterval)
}

func (p *Pipeline) processMessage(ctx context.Context, lineNo int, raw string, msg models.ControllerMessage) (Outcome, error) {
	if !msg.HasTimestamp {
		msg.Timestamp = p.stamp(lineNo)
	}
	var jobID int64
	if job := p.tracker.ActiveJob(); job != nil {
		jobID = job.ID
	}

	res, err := p.store.CommitLine(ctx, storage.LineWrite{
		MachineID:   p.opts.MachineID,
		Message:     &msg,
		ActiveJobID: jobID,
	})
	if err != nil {
		return Outcome{}, &LineError{Line: lineNo, Raw: raw, Err: err}
	}
	p.position = lineNo

	if res.Duplicate {
		return Outcome{Kind: OutcomeDuplicate}, nil
	}
	if msg.Kind == models.MessageAlarm || msg.Kind == models.MessageError {
		p.logger.Warn("controller reported "+string(msg.Kind), "line", lineNo, "code", msg.Code, "job_id", res.JobID)
	}
	return Outcome{Kind: OutcomeMessage, JobID: res.JobID}, nil
}

func (p *Pipeline) processTelemetry(ctx context.Context, lineNo int, raw string, ev models.TelemetryEvent) (Outcome, error) {
	if !ev.HasTimestamp {
		ev.Timestamp = p.stamp(lineNo)
	}

	d, err := p.tracker.Evaluate(ev)
	if err != nil {
		return Outcome{}, &LineError{Line: lineNo, Raw: raw, Err: err}
	}

	w := storage.LineWrite{
		MachineID:   p.opts.MachineID,
		Telemetry:   &ev,
		Transitions: d.Transitions,
	}
	if job := p.tracker.ActiveJob(); job != nil && !(d.Late && ev.Timestamp.Before(job.CreatedAt)) {
		w.ActiveJobID = job.ID
	}

	res, err := p.store.CommitLine(ctx, w)
	if err != nil {
		return Outcome{}, &LineError{Line: lineNo, Raw: raw, Err: err}
	}
	p.position = lineNo

	if res.Duplicate {
		// Already applied by an earlier run; the tracker was restored past it.
		return Outcome{Kind: OutcomeDuplicate}, nil
	}

	p.tracker.Commit(d, res.JobID)
	for i := range d.Transitions {
		if d.Transitions[i].JobID == 0 {
			d.Transitions[i].JobID = res.JobID
		}
		tr := d.Transitions[i]
		p.logger.Info("job "+string(tr.To), "line", lineNo, "job_id", tr.JobID, "at", tr.TriggerTimestamp)
	}

	out := Outcome{Kind: OutcomeIngested, JobID: res.JobID, Transitions: d.Transitions, Pending: d.Pending}
	if d.Late {
		out.Kind = OutcomeLate
		p.logger.Debug("late sample stored without lifecycle effect", "line", lineNo, "timestamp", ev.Timestamp)
	}
	return out, nil
}

// Finish marks the open job, if any, incomplete at the last applied
// timestamp and returns it.
func (p *Pipeline) Finish(ctx context.Context) (*models.Job, error) {
	d := p.tracker.EndOfInput()
	if !d.Changed() {
		return nil, nil
	}
	if err := p.store.MarkIncomplete(ctx, p.opts.MachineID, d.Transitions[0]); err != nil {
		return nil, err
	}
	p.tracker.Commit(d, 0)
	p.logger.Warn("job left incomplete at end of input", "job_id", d.Job.ID, "status_before", d.Transitions[0].From, "at", d.Transitions[0].TriggerTimestamp)
	return d.Job, nil
}

// Run feeds every line of r through the pipeline and returns the run
// summary. The summary is returned even when err is non-nil.
//
// Cancellation is checked between lines. End of input, but not an abort,
// marks the open job incomplete. The summary is recorded in the store in
// every case.
func (p *Pipeline) Run(ctx context.Context, source string, r io.Reader) (*models.RunSummary, error) {
	summary := models.NewRunSummary(uuid.New().String(), p.opts.MachineID, source)
	summary.Policy = p.opts.Policy.String()
	summary.StartedAt = time.Now().UTC()
	p.position = 0

	p.logger.Info("run started", "run_id", summary.RunID, "source", source, "policy", summary.Policy)

	runErr := p.prepare(ctx, source, summary.StartedAt)
	if runErr == nil {
		runErr = p.feed(ctx, r, summary)
	}
	if runErr == nil {
		job, err := p.Finish(ctx)
		if err != nil {
			runErr = err
		} else if job != nil {
			summary.IncompleteJobs = append(summary.IncompleteJobs, *job)
		}
	}
	if runErr != nil {
		summary.Aborted = true
	}

	summary.IncompleteCount = len(summary.IncompleteJobs)
	summary.FinishedAt = time.Now().UTC()

	// Recording must not be skipped because the run's context was cancelled.
	if err := p.store.RecordRun(context.WithoutCancel(ctx), summary); err != nil {
		p.logger.Error("failed to record run", "run_id", summary.RunID, "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	attrs := []any{
		"run_id", summary.RunID,
		"lines", summary.LinesRead,
		"ingested", summary.Ingested,
		"messages", summary.Messages,
		"duplicates", summary.Duplicates,
		"skipped", summary.Skipped,
		"late", summary.Late,
		"incomplete", summary.IncompleteCount,
		"elapsed", summary.FinishedAt.Sub(summary.StartedAt),
	}
	if runErr != nil {
		p.logger.Error("run aborted", append(attrs, "error", runErr)...)
	} else {
		p.logger.Info("run finished", attrs...)
	}
	return summary, runErr
}

// prepare resolves the stamping base for source.
func (p *Pipeline) prepare(ctx context.Context, source string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.opts.BaseTime.IsZero() {
		p.base = p.opts.BaseTime.UTC()
		return nil
	}
	if source == "" {
		return errors.New("ingest: source name is required")
	}
	base, err := p.store.SourceBase(ctx, p.opts.MachineID, source, now.Truncate(time.Millisecond), p.opts.SampleInterval)
	if err != nil {
		return err
	}
	p.base = base
	return nil
}

func (p *Pipeline) feed(ctx context.Context, r io.Reader, summary *models.RunSummary) error {
	scanner := parser.NewLineScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary.LinesRead++

		out, err := p.ProcessLine(ctx, scanner.Line(), scanner.Text())
		if err != nil {
			var lerr *LineError
			if errors.As(err, &lerr) {
				summary.Errors = append(summary.Errors, models.LineError{Line: lerr.Line, Content: lerr.Raw, Reason: lerr.Err.Error()})
			}
			return err
		}

		switch out.Kind {
		case OutcomeIngested:
			summary.Ingested++
		case OutcomeLate:
			summary.Ingested++
			summary.Late++
		case OutcomeMessage:
			summary.Messages++
		case OutcomeDuplicate:
			summary.Duplicates++
		case OutcomeSkipped:
			summary.Skipped++
			summary.Errors = append(summary.Errors, models.LineError{Line: scanner.Line(), Content: scanner.Text(), Reason: out.Err.Error()})
		}
		for _, tr := range out.Transitions {
			switch tr.To {
			case models.JobStatusCreated:
				summary.JobsCreated++
			case models.JobStatusStarted:
				summary.JobsStarted++
			case models.JobStatusFinished:
				summary.JobsFinished++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	return nil
}
