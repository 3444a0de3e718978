package lifecycle

import (
	"testing"
	"time"

	"github.com/cnc-iiot/backend/internal/models"
)

func TestClassify(t *testing.T) {
	created := &models.Job{ID: 1, Status: models.JobStatusCreated}
	started := &models.Job{ID: 1, Status: models.JobStatusStarted}

	tests := []struct {
		name  string
		state models.MachineState
		job   *models.Job
		want  Signal
	}{
		{"idle without job", models.StateIdle, nil, SignalNone},
		{"run without job", models.StateRun, nil, SignalCreate},
		{"hold without job", models.StateHold, nil, SignalCreate},
		{"alarm without job", models.StateAlarm, nil, SignalCreate},
		{"home without job", models.StateHome, nil, SignalCreate},
		{"run on created", models.StateRun, created, SignalStart},
		{"hold on created", models.StateHold, created, SignalNone},
		{"idle on created", models.StateIdle, created, SignalNone},
		{"idle on started", models.StateIdle, started, SignalFinish},
		{"run on started", models.StateRun, started, SignalNone},
		{"hold on started", models.StateHold, started, SignalNone},
		{"door on started", models.StateDoor, started, SignalNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := models.TelemetryEvent{Timestamp: time.Unix(0, 0), MachineState: tt.state}
			if got := Classify(ev, tt.job); got != tt.want {
				t.Errorf("Classify(%s) = %s, want %s", tt.state, got, tt.want)
			}
		})
	}
}

func TestClassify_Pure(t *testing.T) {
	job := &models.Job{ID: 7, Status: models.JobStatusStarted}
	ev := models.TelemetryEvent{MachineState: models.StateIdle}
	for i := 0; i < 3; i++ {
		if got := Classify(ev, job); got != SignalFinish {
			t.Fatalf("call %d: got %s", i, got)
		}
	}
	if job.Status != models.JobStatusStarted {
		t.Errorf("job mutated: %s", job.Status)
	}
}

func TestSignalString(t *testing.T) {
	for sig, want := range map[Signal]string{
		SignalNone:   "none",
		SignalCreate: "create",
		SignalStart:  "start",
		SignalFinish: "finish",
		Signal(42):   "unknown",
	} {
		if got := sig.String(); got != want {
			t.Errorf("Signal(%d).String() = %q, want %q", int(sig), got, want)
		}
	}
}
