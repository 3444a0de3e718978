package ingest

import (
	"fmt"
	"strings"
)

// Policy decides what happens to a line that fails to decode. It is fixed
// for the lifetime of a pipeline.
type Policy int

const (
	// SkipAndLog records the line in the run summary, logs it and moves on.
	SkipAndLog Policy = iota
	// AbortOnError stops the run at the first undecodable line.
	AbortOnError
)

func (p Policy) String() string {
	switch p {
	case SkipAndLog:
		return "skip"
	case AbortOnError:
		return "abort"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy accepts "skip" / "skip-and-log" and "abort" / "abort-on-error".
// An empty string selects SkipAndLog.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip", "skip-and-log", "skipandlog":
		return SkipAndLog, nil
	case "abort", "abort-on-error", "abortonerror":
		return AbortOnError, nil
	}
	return SkipAndLog, fmt.Errorf("unknown error policy %q", s)
}
