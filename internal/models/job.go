package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	// JobStatusNone is only used as the source of the creation transition.
	JobStatusNone     JobStatus = "none"
	JobStatusCreated  JobStatus = "created"
	JobStatusStarted  JobStatus = "started"
	JobStatusFinished JobStatus = "finished"
	// JobStatusIncomplete marks a job that was still open when input ended.
	JobStatusIncomplete JobStatus = "incomplete"
)

// ParseJobStatus maps a stored status string back to a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobStatusNone, JobStatusCreated, JobStatusStarted, JobStatusFinished, JobStatusIncomplete:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Open reports whether a job in this status is still the machine's active job.
func (s JobStatus) Open() bool {
	return s == JobStatusCreated || s == JobStatusStarted
}

// Job is one unit of work inferred from telemetry.
type Job struct {
	ID           int64      `json:"jobId"`
	MachineID    string     `json:"machineId"`
	Status       JobStatus  `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	IncompleteAt *time.Time `json:"incompleteAt,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.IncompleteAt = cloneTime(j.IncompleteAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition is the audit record of one job status change.
type Transition struct {
	ID               int64     `json:"id"`
	JobID            int64     `json:"jobId"`
	From             JobStatus `json:"fromStatus"`
	To               JobStatus `json:"toStatus"`
	TriggerTimestamp time.Time `json:"triggeringTimestamp"`
}

// InvalidTransitionError reports a lifecycle invariant violation. It is a
// programming error and is never skipped by the ingestion policy.
type InvalidTransitionError struct {
	JobID  int64
	From   JobStatus
	To     JobStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.JobID == 0 {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s for job %d: %s", e.From, e.To, e.JobID, e.Reason)
}

// JobProgress is the stored lifecycle position of an open job.
type JobProgress struct {
	LastTimestamp time.Time // latest telemetry linked to the job, zero when none
	IdleRun       int       // trailing Idle samples since the job started
	IdleSince     time.Time // first sample of IdleRun
}
