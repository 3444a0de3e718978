package parser

import (
	"errors"
	"fmt"
)

// ErrMalformedTelemetry matches every decode failure via errors.Is.
var ErrMalformedTelemetry = errors.New("malformed telemetry")

// MalformedTelemetryError reports a line that does not match the status
// report grammar.
type MalformedTelemetryError struct {
	Raw    string
	Reason string
}

func (e *MalformedTelemetryError) Error() string {
	return fmt.Sprintf("malformed telemetry: %s: %q", e.Reason, e.Raw)
}

func (e *MalformedTelemetryError) Is(target error) bool {
	return target == ErrMalformedTelemetry
}

// UnknownStateError reports a grammatically valid status line whose state
// token is not a recognised GRBL state.
type UnknownStateError struct {
	Raw   string
	Token string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown machine state %q: %q", e.Token, e.Raw)
}

func (e *UnknownStateError) Is(target error) bool {
	return target == ErrMalformedTelemetry
}

func malformed(raw, format string, args ...any) error {
	return &MalformedTelemetryError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
}
