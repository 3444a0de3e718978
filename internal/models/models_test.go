package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMachineState(t *testing.T) {
	for _, s := range MachineStates {
		got, ok := ParseMachineState(string(s))
		assert.True(t, ok, s)
		assert.Equal(t, s, got)
	}
	for _, bad := range []string{"", "Jog", "idle", "RUN"} {
		_, ok := ParseMachineState(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseCoordinateFrame(t *testing.T) {
	for in, want := range map[string]CoordinateFrame{
		"MPos":     FrameMachine,
		"mpos":     FrameMachine,
		" machine": FrameMachine,
		"WPos":     FrameWork,
		"work":     FrameWork,
	} {
		got, ok := ParseCoordinateFrame(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseCoordinateFrame("tool")
	assert.False(t, ok)
}

func TestJobStatus(t *testing.T) {
	assert.True(t, JobStatusCreated.Open())
	assert.True(t, JobStatusStarted.Open())
	assert.False(t, JobStatusFinished.Open())
	assert.False(t, JobStatusIncomplete.Open())

	s, err := ParseJobStatus("incomplete")
	require.NoError(t, err)
	assert.Equal(t, JobStatusIncomplete, s)
	_, err = ParseJobStatus("cancelled")
	assert.Error(t, err)
}

func TestJobClone(t *testing.T) {
	var nilJob *Job
	assert.Nil(t, nilJob.Clone())

	started := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	j := &Job{ID: 1, Status: JobStatusStarted, StartedAt: &started}
	c := j.Clone()
	*c.StartedAt = started.Add(time.Hour)
	c.Status = JobStatusFinished

	assert.True(t, j.StartedAt.Equal(started))
	assert.Equal(t, JobStatusStarted, j.Status)
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{From: JobStatusNone, To: JobStatusStarted, Reason: "no job"}
	assert.Equal(t, "invalid transition none -> started: no job", err.Error())
	err.JobID = 4
	assert.Contains(t, err.Error(), "for job 4")
}
