// Package lifecycle infers job boundaries from a machine's telemetry stream.
//
// Classification is a pure function of one event and the current job. The
// Tracker layers debounce, ordering and end-of-input handling on top and
// never mutates its state until the caller commits a Decision, so a failed
// write leaves the tracker exactly where it was.
package lifecycle

import "github.com/cnc-iiot/backend/internal/models"

// Signal is the classifier's verdict for one event.
type Signal int

const (
	SignalNone Signal = iota
	SignalCreate
	SignalStart
	SignalFinish // candidate only; subject to debounce
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalCreate:
		return "create"
	case SignalStart:
		return "start"
	case SignalFinish:
		return "finish"
	}
	return "unknown"
}

// Classify decides whether ev signals a lifecycle transition for current,
// which is nil when the machine has no open job. Rules are evaluated in
// order: leaving Idle without a job creates one, the first Run of a created
// job starts it, and Idle on a started job is a finish candidate.
func Classify(ev models.TelemetryEvent, current *models.Job) Signal {
	switch {
	case current == nil:
		if ev.MachineState != models.StateIdle {
			return SignalCreate
		}
	case current.Status == models.JobStatusCreated:
		if ev.MachineState == models.StateRun {
			return SignalStart
		}
	case current.Status == models.JobStatusStarted:
		if ev.MachineState == models.StateIdle {
			return SignalFinish
		}
	}
	return SignalNone
}
