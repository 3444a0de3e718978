package parser

import (
	"strings"

	"github.com/cnc-iiot/backend/internal/models"
)

// LineKind distinguishes status reports from other controller output.
type LineKind int

const (
	LineStatus LineKind = iota
	LineMessage
)

// Line is the result of decoding one raw input line.
type Line struct {
	Kind    LineKind
	Event   models.TelemetryEvent    // set when Kind == LineStatus
	Message models.ControllerMessage // set when Kind == LineMessage
}

// Decoder decodes GRBL status reports:
//
//	[timestamp ]<State[:sub]|WPos:x,y,z[|FS:feed,spindle][|...]>
//
// The position frame is fixed at construction. Decoding is pure; a Decoder
// holds no mutable state and may be shared between goroutines.
type Decoder struct {
	frame models.CoordinateFrame
}

// NewDecoder creates a decoder for the given frame. An empty frame selects
// work coordinates.
func NewDecoder(frame models.CoordinateFrame) *Decoder {
	if frame == "" {
		frame = models.FrameWork
	}
	return &Decoder{frame: frame}
}

// Frame returns the position frame the decoder reads.
func (d *Decoder) Frame() models.CoordinateFrame {
	return d.frame
}

// Decode parses a single status report line.
func (d *Decoder) Decode(raw string) (models.TelemetryEvent, error) {
	line := strings.TrimSpace(raw)
	ts, hasTs, body, err := cutTimestamp(line)
	if err != nil {
		return models.TelemetryEvent{}, malformed(line, "invalid timestamp prefix")
	}
	ev, err := d.decodeStatus(line, body)
	if err != nil {
		return models.TelemetryEvent{}, err
	}
	ev.Timestamp = ts
	ev.HasTimestamp = hasTs
	return ev, nil
}

// DecodeLine parses any controller line. Status reports go through Decode;
// banners, acknowledgements, alarms, errors and bracketed feedback become
// controller messages. Everything else is malformed.
func (d *Decoder) DecodeLine(raw string) (Line, error) {
	line := strings.TrimSpace(raw)
	ts, hasTs, body, err := cutTimestamp(line)
	if err != nil {
		return Line{}, malformed(line, "invalid timestamp prefix")
	}

	if strings.HasPrefix(body, "<") {
		ev, err := d.decodeStatus(line, body)
		if err != nil {
			return Line{}, err
		}
		ev.Timestamp = ts
		ev.HasTimestamp = hasTs
		return Line{Kind: LineStatus, Event: ev}, nil
	}

	msg, ok := decodeMessage(body)
	if !ok {
		return Line{}, malformed(line, "unrecognised controller line")
	}
	msg.Timestamp = ts
	msg.HasTimestamp = hasTs
	msg.RawLine = line
	return Line{Kind: LineMessage, Message: msg}, nil
}

func (d *Decoder) decodeStatus(line, body string) (models.TelemetryEvent, error) {
	if len(body) < 2 || body[0] != '<' || body[len(body)-1] != '>' {
		return models.TelemetryEvent{}, malformed(line, "status report must be enclosed in <>")
	}

	parts := strings.Split(body[1:len(body)-1], "|")
	token := strings.TrimSpace(parts[0])
	if token == "" {
		return models.TelemetryEvent{}, malformed(line, "empty state token")
	}
	name, sub, _ := strings.Cut(token, ":")
	if !isWord(name) {
		return models.TelemetryEvent{}, malformed(line, "state token %q is not a word", name)
	}

	ev := models.TelemetryEvent{
		SubState: sub,
		Frame:    d.frame,
		RawLine:  line,
	}

	seenPos := false
	for _, field := range parts[1:] {
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			return models.TelemetryEvent{}, malformed(line, "field %q has no value", field)
		}
		switch key {
		case string(d.frame):
			if seenPos {
				return models.TelemetryEvent{}, malformed(line, "duplicate %s field", key)
			}
			xyz, err := parseFloats(val, 3)
			if err != nil {
				return models.TelemetryEvent{}, malformed(line, "%s: %v", key, err)
			}
			ev.Position = models.Position{X: xyz[0], Y: xyz[1], Z: xyz[2]}
			seenPos = true
		case "FS":
			fs, err := parseFloats(val, 2)
			if err != nil {
				return models.TelemetryEvent{}, malformed(line, "FS: %v", err)
			}
			ev.Feed, ev.Spindle = &fs[0], &fs[1]
		case "F":
			f, err := parseFloats(val, 1)
			if err != nil {
				return models.TelemetryEvent{}, malformed(line, "F: %v", err)
			}
			ev.Feed = &f[0]
		}
	}
	if !seenPos {
		return models.TelemetryEvent{}, malformed(line, "missing %s position", d.frame)
	}

	// The state is checked last so that UnknownStateError is only reported
	// for lines that are otherwise well formed.
	state, ok := models.ParseMachineState(name)
	if !ok {
		return models.TelemetryEvent{}, &UnknownStateError{Raw: line, Token: name}
	}
	ev.MachineState = state
	return ev, nil
}

func decodeMessage(body string) (models.ControllerMessage, bool) {
	switch {
	case body == "ok":
		return models.ControllerMessage{Kind: models.MessageAck, Text: body}, true
	case strings.HasPrefix(strings.ToLower(body), "grbl"):
		return models.ControllerMessage{Kind: models.MessageBanner, Text: body}, true
	case strings.HasPrefix(body, "ALARM:"):
		return models.ControllerMessage{Kind: models.MessageAlarm, Code: body[len("ALARM:"):], Text: body}, true
	case strings.HasPrefix(body, "error:"):
		return models.ControllerMessage{Kind: models.MessageError, Code: body[len("error:"):], Text: body}, true
	case len(body) >= 2 && body[0] == '[' && body[len(body)-1] == ']':
		inner := body[1 : len(body)-1]
		if text, ok := strings.CutPrefix(inner, "MSG:"); ok {
			inner = text
		}
		return models.ControllerMessage{Kind: models.MessageFeedback, Text: inner}, true
	}
	return models.ControllerMessage{}, false
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}
