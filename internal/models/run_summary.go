package models

import "time"

// LineError records one input line that was rejected during ingestion.
type LineError struct {
	Line    int    `json:"line"`
	Content string `json:"content"`
	Reason  string `json:"reason"`
}

// RunSummary is the user-visible result of one ingestion run.
type RunSummary struct {
	RunID        string    `json:"runId"`
	MachineID    string    `json:"machineId"`
	Source       string    `json:"source"`
	Policy       string    `json:"policy"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	LinesRead    int       `json:"linesRead"`
	Ingested     int       `json:"ingested"`
	Messages     int       `json:"messages"`
	Duplicates   int       `json:"duplicates"`
	Skipped      int       `json:"skipped"`
	Late         int       `json:"late"`
	JobsCreated  int       `json:"jobsCreated"`
	JobsStarted  int       `json:"jobsStarted"`
	JobsFinished int       `json:"jobsFinished"`
	Aborted      bool      `json:"aborted"`

	// IncompleteCount is len(IncompleteJobs) for a live run; stored runs
	// only keep the count.
	IncompleteCount int `json:"incompleteCount"`

	IncompleteJobs []Job       `json:"incompleteJobs"`
	Errors         []LineError `json:"errors,omitempty"`
}

// NewRunSummary creates an empty summary.
func NewRunSummary(runID, machineID, source string) *RunSummary {
	return &RunSummary{
		RunID:          runID,
		MachineID:      machineID,
		Source:         source,
		IncompleteJobs: make([]Job, 0),
		Errors:         make([]LineError, 0),
	}
}
