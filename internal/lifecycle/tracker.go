package lifecycle

import (
	"fmt"
	"time"

	"github.com/cnc-iiot/backend/internal/models"
)

// Debounce controls how long Idle must persist before a started job is
// finished. Both conditions must hold when MinIdle is set.
type Debounce struct {
	// IdleSamples is the number of consecutive Idle samples required.
	IdleSamples int
	// MinIdle is the minimum span between the first and the confirming Idle
	// sample. Zero disables the check.
	MinIdle time.Duration
}

// DefaultDebounce requires three consecutive Idle samples.
func DefaultDebounce() Debounce {
	return Debounce{IdleSamples: 3}
}

func (d Debounce) satisfied(run int, span time.Duration) bool {
	need := d.IdleSamples
	if need < 1 {
		need = 1
	}
	return run >= need && span >= d.MinIdle
}

// State is a tracker's view of one machine.
type State struct {
	Job       *models.Job // open job, nil when none
	IdleRun   int         // consecutive Idle samples while started
	IdleSince time.Time   // timestamp of the first sample in IdleRun
	Watermark time.Time   // latest timestamp applied to the lifecycle
}

func (s State) clone() State {
	s.Job = s.Job.Clone()
	return s
}

// Decision is the outcome of evaluating one event. It carries the proposed
// next state; nothing changes until it is passed to Tracker.Commit.
type Decision struct {
	Signal      Signal              // first signal the event produced
	Transitions []models.Transition // status changes to commit, in order
	Job         *models.Job         // the affected job after Transitions
	Late        bool                // earlier than the watermark; stored only
	Pending     bool                // finish candidate still being debounced

	next State
}

// Changed reports whether the decision carries any status change.
func (d Decision) Changed() bool { return len(d.Transitions) > 0 }

// Tracker is the per-machine job lifecycle state machine.
type Tracker struct {
	machineID string
	debounce  Debounce
	state     State
}

// NewTracker creates a tracker with no open job.
func NewTracker(machineID string, debounce Debounce) *Tracker {
	return &Tracker{machineID: machineID, debounce: debounce}
}

// MachineID returns the machine this tracker follows.
func (t *Tracker) MachineID() string { return t.machineID }

// State returns a copy of the current state.
func (t *Tracker) State() State { return t.state.clone() }

// ActiveJob returns a copy of the open job, or nil.
func (t *Tracker) ActiveJob() *models.Job { return t.state.Job.Clone() }

// Restore seeds the tracker with an open job loaded from the store. progress
// carries the job's applied telemetry so the watermark and a pending finish
// continue where the previous tracker stopped.
func (t *Tracker) Restore(job *models.Job, progress models.JobProgress) error {
	if job == nil {
		t.state = State{Watermark: t.state.Watermark}
		return nil
	}
	if !job.Status.Open() {
		return fmt.Errorf("restore: job %d is %s, not open", job.ID, job.Status)
	}
	if job.MachineID != t.machineID {
		return fmt.Errorf("restore: job %d belongs to machine %q", job.ID, job.MachineID)
	}
	st := State{Job: job.Clone(), Watermark: job.CreatedAt}
	for _, ts := range []time.Time{deref(job.StartedAt), progress.LastTimestamp, t.state.Watermark} {
		if ts.After(st.Watermark) {
			st.Watermark = ts
		}
	}
	if job.Status == models.JobStatusStarted && progress.IdleRun > 0 {
		st.IdleRun, st.IdleSince = progress.IdleRun, progress.IdleSince
	}
	t.state = st
	return nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Evaluate classifies ev against the current state and applies debounce and
// ordering rules. The tracker itself is not modified.
//
// A sample that creates a job is classified again against the new job, so a
// machine that leaves Idle straight into Run is created and started by the
// same sample.
func (t *Tracker) Evaluate(ev models.TelemetryEvent) (Decision, error) {
	next := t.state.clone()

	if !next.Watermark.IsZero() && ev.Timestamp.Before(next.Watermark) {
		return Decision{Late: true, next: next}, nil
	}
	next.Watermark = ev.Timestamp

	d := Decision{Signal: Classify(ev, next.Job)}
	sig := d.Signal
	for {
		if err := t.apply(&next, &d, sig, ev.Timestamp); err != nil {
			return Decision{}, err
		}
		if sig != SignalCreate {
			break
		}
		if sig = Classify(ev, next.Job); sig != SignalStart {
			break
		}
	}

	d.next = next
	return d, nil
}

func (t *Tracker) apply(next *State, d *Decision, sig Signal, ts time.Time) error {
	switch sig {
	case SignalNone:
		if next.Job != nil && next.Job.Status == models.JobStatusStarted {
			next.IdleRun, next.IdleSince = 0, time.Time{}
		}

	case SignalCreate:
		if next.Job != nil {
			return invalid(next.Job, models.JobStatusCreated, "machine already has an open job")
		}
		next.Job = &models.Job{
			MachineID: t.machineID,
			Status:    models.JobStatusCreated,
			CreatedAt: ts,
		}
		d.Transitions = append(d.Transitions, models.Transition{From: models.JobStatusNone, To: models.JobStatusCreated, TriggerTimestamp: ts})
		d.Job = next.Job.Clone()

	case SignalStart:
		if next.Job == nil || next.Job.Status != models.JobStatusCreated {
			return invalid(next.Job, models.JobStatusStarted, "only a created job can start")
		}
		next.Job.Status = models.JobStatusStarted
		next.Job.StartedAt = &ts
		next.IdleRun, next.IdleSince = 0, time.Time{}
		d.Transitions = append(d.Transitions, models.Transition{JobID: next.Job.ID, From: models.JobStatusCreated, To: models.JobStatusStarted, TriggerTimestamp: ts})
		d.Job = next.Job.Clone()

	case SignalFinish:
		if next.Job == nil || next.Job.Status != models.JobStatusStarted {
			return invalid(next.Job, models.JobStatusFinished, "only a started job can finish")
		}
		if next.IdleRun == 0 {
			next.IdleSince = ts
		}
		next.IdleRun++
		if !t.debounce.satisfied(next.IdleRun, ts.Sub(next.IdleSince)) {
			d.Pending = true
			return nil
		}
		next.Job.Status = models.JobStatusFinished
		next.Job.FinishedAt = &ts
		d.Transitions = append(d.Transitions, models.Transition{JobID: next.Job.ID, From: models.JobStatusStarted, To: models.JobStatusFinished, TriggerTimestamp: ts})
		d.Job = next.Job.Clone()
		next.Job = nil
		next.IdleRun, next.IdleSince = 0, time.Time{}
	}
	return nil
}

// EndOfInput proposes marking the open job incomplete at the watermark.
// It never finishes a job. The returned decision has no transition when
// nothing is open.
func (t *Tracker) EndOfInput() Decision {
	next := t.state.clone()
	if next.Job == nil {
		return Decision{next: next}
	}
	at := next.Watermark
	job := next.Job
	d := Decision{
		Transitions: []models.Transition{{JobID: job.ID, From: job.Status, To: models.JobStatusIncomplete, TriggerTimestamp: at}},
	}
	job.Status = models.JobStatusIncomplete
	job.IncompleteAt = &at
	d.Job = job.Clone()

	next.Job = nil
	next.IdleRun, next.IdleSince = 0, time.Time{}
	d.next = next
	return d
}

// Commit adopts the decision's next state. jobID is the identity the store
// assigned when the decision created a job; it is ignored otherwise.
func (t *Tracker) Commit(d Decision, jobID int64) {
	next := d.next
	if next.Job != nil && next.Job.ID == 0 {
		next.Job.ID = jobID
	}
	t.state = next
}

func invalid(job *models.Job, to models.JobStatus, reason string) error {
	err := &models.InvalidTransitionError{From: models.JobStatusNone, To: to, Reason: reason}
	if job != nil {
		err.JobID = job.ID
		err.From = job.Status
	}
	return err
}
