// Package models contains domain types for the GRBL telemetry backend.
package models

import (
	"strings"
	"time"
)

// MachineState is the controller state reported at the head of a status line.
type MachineState string

const (
	StateIdle  MachineState = "Idle"
	StateRun   MachineState = "Run"
	StateHold  MachineState = "Hold"
	StateAlarm MachineState = "Alarm"
	StateDoor  MachineState = "Door"
	StateCheck MachineState = "Check"
	StateHome  MachineState = "Home"
	StateSleep MachineState = "Sleep"
)

// MachineStates lists every recognised state in GRBL's documentation order.
var MachineStates = []MachineState{
	StateIdle, StateRun, StateHold, StateAlarm,
	StateDoor, StateCheck, StateHome, StateSleep,
}

// ParseMachineState maps a status token to a MachineState. Matching is exact;
// GRBL always reports states in this casing.
func ParseMachineState(token string) (MachineState, bool) {
	switch MachineState(token) {
	case StateIdle, StateRun, StateHold, StateAlarm,
		StateDoor, StateCheck, StateHome, StateSleep:
		return MachineState(token), true
	}
	return "", false
}

// CoordinateFrame selects which position report is used.
type CoordinateFrame string

const (
	FrameMachine CoordinateFrame = "MPos"
	FrameWork    CoordinateFrame = "WPos"
)

// ParseCoordinateFrame accepts "MPos"/"WPos" in any case, plus the
// "machine"/"work" aliases used in configuration files.
func ParseCoordinateFrame(s string) (CoordinateFrame, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mpos", "machine":
		return FrameMachine, true
	case "wpos", "work":
		return FrameWork, true
	}
	return "", false
}

// Position is an axis triple in millimetres.
type Position struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// TelemetryEvent is one decoded status sample.
type TelemetryEvent struct {
	Timestamp    time.Time       `json:"timestamp" msgpack:"ts"`
	HasTimestamp bool            `json:"-" msgpack:"-"` // false when the line carried no source timestamp
	MachineState MachineState    `json:"machineState" msgpack:"state"`
	SubState     string          `json:"subState,omitempty" msgpack:"sub,omitempty"`
	Frame        CoordinateFrame `json:"frame" msgpack:"frame"`
	Position     Position        `json:"position" msgpack:"pos"`
	Feed         *float64        `json:"feed,omitempty" msgpack:"feed,omitempty"`
	Spindle      *float64        `json:"spindle,omitempty" msgpack:"spindle,omitempty"`
	RawLine      string          `json:"rawLine" msgpack:"raw"`
}

// TelemetryRecord is a persisted TelemetryEvent.
type TelemetryRecord struct {
	ID        int64  `json:"id" msgpack:"id"`
	MachineID string `json:"machineId" msgpack:"machine"`
	JobID     *int64 `json:"jobId,omitempty" msgpack:"job,omitempty"`
	TelemetryEvent
}
