package models

import "time"

// MessageKind classifies non-status controller output.
type MessageKind string

const (
	MessageBanner   MessageKind = "banner"   // "Grbl 1.1h ['$' for help]"
	MessageAck      MessageKind = "ack"      // "ok"
	MessageAlarm    MessageKind = "alarm"    // "ALARM:1"
	MessageError    MessageKind = "error"    // "error:20"
	MessageFeedback MessageKind = "feedback" // "[MSG:Reset to continue]"
)

// ControllerMessage is a recognised non-status line. It is stored for audit
// but never drives the job lifecycle.
type ControllerMessage struct {
	Timestamp    time.Time   `json:"timestamp"`
	HasTimestamp bool        `json:"-"`
	Kind         MessageKind `json:"kind"`
	Code         string      `json:"code,omitempty"`
	Text         string      `json:"text"`
	RawLine      string      `json:"rawLine"`
}
