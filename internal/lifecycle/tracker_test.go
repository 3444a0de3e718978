package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnc-iiot/backend/internal/models"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func sample(sec int, state models.MachineState) models.TelemetryEvent {
	return models.TelemetryEvent{
		Timestamp:    t0.Add(time.Duration(sec) * time.Second),
		MachineState: state,
	}
}

// feed evaluates and commits each event, assigning job ids from nextID.
func feed(t *testing.T, tr *Tracker, events ...models.TelemetryEvent) []Decision {
	t.Helper()
	var out []Decision
	nextID := int64(100)
	for _, ev := range events {
		d, err := tr.Evaluate(ev)
		require.NoError(t, err)
		tr.Commit(d, nextID)
		nextID++
		out = append(out, d)
	}
	return out
}

func statuses(d Decision) []models.JobStatus {
	var out []models.JobStatus
	for _, tr := range d.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestTracker_FullLifecycle(t *testing.T) {
	tr := NewTracker("mill-1", Debounce{IdleSamples: 2})

	ds := feed(t, tr,
		sample(0, models.StateIdle),
		sample(1, models.StateRun),
		sample(2, models.StateRun),
		sample(3, models.StateIdle),
		sample(4, models.StateIdle),
	)

	assert.False(t, ds[0].Changed())
	assert.Equal(t, []models.JobStatus{models.JobStatusCreated, models.JobStatusStarted}, statuses(ds[1]),
		"leaving Idle into Run creates and starts on the same sample")
	assert.Equal(t, SignalCreate, ds[1].Signal)
	assert.False(t, ds[2].Changed())
	assert.True(t, ds[3].Pending)
	assert.False(t, ds[3].Changed())
	assert.Equal(t, []models.JobStatus{models.JobStatusFinished}, statuses(ds[4]))

	job := ds[4].Job
	require.NotNil(t, job)
	assert.Equal(t, int64(100+1), job.ID, "id assigned when the creating decision was committed")
	assert.True(t, job.CreatedAt.Equal(t0.Add(time.Second)))
	assert.True(t, job.StartedAt.Equal(t0.Add(time.Second)))
	assert.True(t, job.FinishedAt.Equal(t0.Add(4*time.Second)))
	assert.Nil(t, tr.ActiveJob())
}

func TestTracker_CreateWithoutStart(t *testing.T) {
	tr := NewTracker("mill-1", DefaultDebounce())
	ds := feed(t, tr,
		sample(0, models.StateHold),
		sample(1, models.StateHold),
		sample(2, models.StateRun),
	)
	assert.Equal(t, []models.JobStatus{models.JobStatusCreated}, statuses(ds[0]))
	assert.False(t, ds[1].Changed())
	assert.Equal(t, []models.JobStatus{models.JobStatusStarted}, statuses(ds[2]))
	assert.Equal(t, int64(100), ds[2].Transitions[0].JobID)
	assert.True(t, tr.ActiveJob().StartedAt.Equal(t0.Add(2*time.Second)))
}

func TestTracker_Debounce(t *testing.T) {
	t.Run("non idle sample resets the run", func(t *testing.T) {
		tr := NewTracker("mill-1", Debounce{IdleSamples: 3})
		ds := feed(t, tr,
			sample(0, models.StateRun),
			sample(1, models.StateIdle),
			sample(2, models.StateIdle),
			sample(3, models.StateRun),
			sample(4, models.StateIdle),
			sample(5, models.StateIdle),
		)
		for i, d := range ds[1:] {
			assert.False(t, d.Changed(), "decision %d", i+1)
		}
		assert.Equal(t, 2, tr.State().IdleRun)
		assert.Equal(t, models.JobStatusStarted, tr.ActiveJob().Status)

		d := feed(t, tr, sample(6, models.StateIdle))[0]
		assert.Equal(t, []models.JobStatus{models.JobStatusFinished}, statuses(d))
		assert.True(t, d.Job.FinishedAt.Equal(t0.Add(6*time.Second)))
	})

	t.Run("minimum idle span", func(t *testing.T) {
		tr := NewTracker("mill-1", Debounce{IdleSamples: 2, MinIdle: 5 * time.Second})
		ds := feed(t, tr,
			sample(0, models.StateRun),
			sample(1, models.StateIdle),
			sample(2, models.StateIdle),
			sample(4, models.StateIdle),
			sample(6, models.StateIdle),
		)
		assert.False(t, ds[2].Changed(), "two samples but only one second of idle")
		assert.False(t, ds[3].Changed())
		assert.Equal(t, []models.JobStatus{models.JobStatusFinished}, statuses(ds[4]))
	})

	t.Run("single sample", func(t *testing.T) {
		tr := NewTracker("mill-1", Debounce{})
		ds := feed(t, tr, sample(0, models.StateRun), sample(1, models.StateIdle))
		assert.Equal(t, []models.JobStatus{models.JobStatusFinished}, statuses(ds[1]))
	})
}

func TestTracker_LateEvent(t *testing.T) {
	tr := NewTracker("mill-1", DefaultDebounce())
	feed(t, tr, sample(10, models.StateRun))
	before := tr.State()

	d, err := tr.Evaluate(sample(5, models.StateIdle))
	require.NoError(t, err)
	assert.True(t, d.Late)
	assert.False(t, d.Changed())
	tr.Commit(d, 0)
	assert.Equal(t, before.Watermark, tr.State().Watermark)
	assert.Equal(t, 0, tr.State().IdleRun, "late Idle does not count toward debounce")

	d, err = tr.Evaluate(sample(10, models.StateRun))
	require.NoError(t, err)
	assert.False(t, d.Late, "equal timestamps are not late")
}

func TestTracker_EvaluateDoesNotMutate(t *testing.T) {
	tr := NewTracker("mill-1", DefaultDebounce())
	d, err := tr.Evaluate(sample(0, models.StateRun))
	require.NoError(t, err)
	require.True(t, d.Changed())

	assert.Nil(t, tr.ActiveJob())
	assert.True(t, tr.State().Watermark.IsZero())

	again, err := tr.Evaluate(sample(0, models.StateRun))
	require.NoError(t, err)
	assert.Equal(t, statuses(d), statuses(again))
}

func TestTracker_EndOfInput(t *testing.T) {
	t.Run("no open job", func(t *testing.T) {
		tr := NewTracker("mill-1", DefaultDebounce())
		feed(t, tr, sample(0, models.StateIdle))
		assert.False(t, tr.EndOfInput().Changed())
	})

	t.Run("started job becomes incomplete", func(t *testing.T) {
		tr := NewTracker("mill-1", Debounce{IdleSamples: 3})
		feed(t, tr, sample(0, models.StateRun), sample(1, models.StateIdle), sample(2, models.StateIdle))

		d := tr.EndOfInput()
		require.Len(t, d.Transitions, 1)
		assert.Equal(t, models.JobStatusStarted, d.Transitions[0].From)
		assert.Equal(t, models.JobStatusIncomplete, d.Transitions[0].To)
		assert.True(t, d.Transitions[0].TriggerTimestamp.Equal(t0.Add(2*time.Second)))
		assert.Nil(t, d.Job.FinishedAt, "pending idle never finishes at end of input")
		require.NotNil(t, d.Job.IncompleteAt)

		require.NotNil(t, tr.ActiveJob(), "not applied until committed")
		tr.Commit(d, 0)
		assert.Nil(t, tr.ActiveJob())
	})

	t.Run("created job becomes incomplete", func(t *testing.T) {
		tr := NewTracker("mill-1", DefaultDebounce())
		feed(t, tr, sample(0, models.StateHold))
		d := tr.EndOfInput()
		require.Len(t, d.Transitions, 1)
		assert.Equal(t, models.JobStatusCreated, d.Transitions[0].From)
	})
}

func TestTracker_Restore(t *testing.T) {
	started := t0.Add(5 * time.Second)
	job := &models.Job{ID: 9, MachineID: "mill-1", Status: models.JobStatusStarted, CreatedAt: t0, StartedAt: &started}

	tr := NewTracker("mill-1", Debounce{IdleSamples: 1})
	require.NoError(t, tr.Restore(job, models.JobProgress{}))
	assert.Equal(t, int64(9), tr.ActiveJob().ID)
	assert.True(t, tr.State().Watermark.Equal(started))

	d, err := tr.Evaluate(sample(6, models.StateIdle))
	require.NoError(t, err)
	require.Len(t, d.Transitions, 1)
	assert.Equal(t, int64(9), d.Transitions[0].JobID)

	t.Run("rejects closed job", func(t *testing.T) {
		done := job.Clone()
		done.Status = models.JobStatusFinished
		assert.Error(t, NewTracker("mill-1", DefaultDebounce()).Restore(done, models.JobProgress{}))
	})

	t.Run("rejects other machine", func(t *testing.T) {
		assert.Error(t, NewTracker("mill-2", DefaultDebounce()).Restore(job, models.JobProgress{}))
	})

	t.Run("continues stored progress", func(t *testing.T) {
		tr := NewTracker("mill-1", Debounce{IdleSamples: 3})
		require.NoError(t, tr.Restore(job, models.JobProgress{
			LastTimestamp: t0.Add(20 * time.Second),
			IdleRun:       2,
			IdleSince:     t0.Add(19 * time.Second),
		}))
		assert.True(t, tr.State().Watermark.Equal(t0.Add(20*time.Second)))

		d, err := tr.Evaluate(sample(12, models.StateIdle))
		require.NoError(t, err)
		assert.True(t, d.Late, "samples applied before the restart are late")

		d, err = tr.Evaluate(sample(21, models.StateIdle))
		require.NoError(t, err)
		require.Len(t, d.Transitions, 1, "third trailing Idle finishes")
		assert.Equal(t, models.JobStatusFinished, d.Transitions[0].To)
	})

	t.Run("created job ignores idle progress", func(t *testing.T) {
		created := &models.Job{ID: 10, MachineID: "mill-1", Status: models.JobStatusCreated, CreatedAt: t0}
		tr := NewTracker("mill-1", DefaultDebounce())
		require.NoError(t, tr.Restore(created, models.JobProgress{LastTimestamp: t0.Add(time.Second), IdleRun: 4}))
		assert.Equal(t, 0, tr.State().IdleRun)
		assert.True(t, tr.State().Watermark.Equal(t0.Add(time.Second)))
	})

	t.Run("nil clears the job", func(t *testing.T) {
		tr := NewTracker("mill-1", DefaultDebounce())
		require.NoError(t, tr.Restore(job, models.JobProgress{}))
		require.NoError(t, tr.Restore(nil, models.JobProgress{}))
		assert.Nil(t, tr.ActiveJob())
		assert.True(t, tr.State().Watermark.Equal(started), "watermark survives")
	})
}

func TestTracker_InvalidTransition(t *testing.T) {
	tr := NewTracker("mill-1", DefaultDebounce())
	var state State
	state.Job = &models.Job{ID: 3, MachineID: "mill-1", Status: models.JobStatusCreated}
	next := state.clone()

	var d Decision
	err := tr.apply(&next, &d, SignalFinish, t0)
	var ite *models.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, int64(3), ite.JobID)
	assert.Equal(t, models.JobStatusCreated, ite.From)
	assert.Equal(t, models.JobStatusFinished, ite.To)

	err = tr.apply(&next, &d, SignalCreate, t0)
	require.ErrorAs(t, err, &ite)
	assert.Empty(t, d.Transitions)
}

func TestTracker_PrefixConsistency(t *testing.T) {
	events := []models.TelemetryEvent{
		sample(0, models.StateIdle),
		sample(1, models.StateHold),
		sample(2, models.StateRun),
		sample(3, models.StateIdle),
		sample(4, models.StateIdle),
		sample(5, models.StateIdle),
		sample(6, models.StateRun),
		sample(7, models.StateIdle),
	}
	full := NewTracker("mill-1", DefaultDebounce())
	fullDecisions := feed(t, full, events...)

	for n := 1; n <= len(events); n++ {
		tr := NewTracker("mill-1", DefaultDebounce())
		prefix := feed(t, tr, events[:n]...)
		for i := range prefix {
			assert.Equal(t, statuses(fullDecisions[i]), statuses(prefix[i]), "prefix %d decision %d", n, i)
		}
	}
}
