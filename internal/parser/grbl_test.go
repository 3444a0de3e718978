package parser

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnc-iiot/backend/internal/models"
)

func TestDecoder_Decode(t *testing.T) {
	d := NewDecoder(models.FrameWork)

	tests := []struct {
		name    string
		line    string
		state   models.MachineState
		sub     string
		pos     models.Position
		feed    *float64
		spindle *float64
	}{
		{
			name:  "minimal",
			line:  "<Idle|WPos:0.000,0.000,0.000>",
			state: models.StateIdle,
		},
		{
			name:    "feed and spindle",
			line:    "<Run|WPos:10.5,-2.25,3|FS:800,12000>",
			state:   models.StateRun,
			pos:     models.Position{X: 10.5, Y: -2.25, Z: 3},
			feed:    ptr(800.0),
			spindle: ptr(12000.0),
		},
		{
			name:  "feed only",
			line:  "<Run|WPos:1,2,3|F:500>",
			state: models.StateRun,
			pos:   models.Position{X: 1, Y: 2, Z: 3},
			feed:  ptr(500.0),
		},
		{
			name:  "sub state",
			line:  "<Hold:1|WPos:1,1,1>",
			state: models.StateHold,
			sub:   "1",
			pos:   models.Position{X: 1, Y: 1, Z: 1},
		},
		{
			name:  "other fields ignored",
			line:  "<Alarm|MPos:9,9,9|WPos:1,1,1|Bf:15,128|Ov:100,100,100|WCO:0,0,0>",
			state: models.StateAlarm,
			pos:   models.Position{X: 1, Y: 1, Z: 1},
		},
		{
			name:  "surrounding whitespace",
			line:  "  <Door:0|WPos:0,0,0>\r",
			state: models.StateDoor,
			sub:   "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.state, ev.MachineState)
			assert.Equal(t, tt.sub, ev.SubState)
			assert.Equal(t, tt.pos, ev.Position)
			assert.Equal(t, tt.feed, ev.Feed)
			assert.Equal(t, tt.spindle, ev.Spindle)
			assert.Equal(t, models.FrameWork, ev.Frame)
			assert.False(t, ev.HasTimestamp)
			assert.True(t, ev.Timestamp.IsZero())
		})
	}
}

func TestDecoder_Frame(t *testing.T) {
	line := "<Run|MPos:5,6,7|WPos:1,2,3>"

	ev, err := NewDecoder(models.FrameMachine).Decode(line)
	require.NoError(t, err)
	assert.Equal(t, models.Position{X: 5, Y: 6, Z: 7}, ev.Position)
	assert.Equal(t, models.FrameMachine, ev.Frame)

	assert.Equal(t, models.FrameWork, NewDecoder("").Frame())

	_, err = NewDecoder(models.FrameWork).Decode("<Run|MPos:5,6,7>")
	assert.ErrorIs(t, err, ErrMalformedTelemetry)
}

func TestDecoder_Malformed(t *testing.T) {
	d := NewDecoder(models.FrameWork)

	lines := map[string]string{
		"no brackets":      "Run|WPos:1,2,3",
		"unclosed":         "<Run|WPos:1,2,3",
		"empty":            "<>",
		"empty state":      "<|WPos:1,2,3>",
		"non word state":   "<R-un|WPos:1,2,3>",
		"missing position": "<Run|FS:0,0>",
		"two axes":         "<Run|WPos:1,2>",
		"four axes":        "<Run|WPos:1,2,3,4>",
		"non numeric":      "<Run|WPos:1,x,3>",
		"duplicate frame":  "<Run|WPos:1,2,3|WPos:1,2,3>",
		"bad FS":           "<Run|WPos:1,2,3|FS:800>",
		"bad F":            "<Run|WPos:1,2,3|F:fast>",
		"field no value":   "<Run|WPos:1,2,3|Pn>",
		"bad timestamp":    "2024-13-01 09:00:00.000 <Run|WPos:1,2,3>",
		"message":          "ok",
		"NaN":              "<Run|WPos:NaN,0,0>",
		"infinity":         "<Run|WPos:inf,-Inf,0>",
		"overflow":         "<Run|WPos:1e400,0,0>",
		"hex float":        "<Run|WPos:0x1p3,0,0>",
		"digit separator":  "<Run|WPos:1_0,0,0>",
		"sign only":        "<Run|WPos:-,0,0>",
		"NaN feed":         "<Run|WPos:0,0,0|FS:NaN,0>",
		"impossible date":  "2025-02-31 10:00:00.000 <Idle|WPos:0,0,0>",
		"not a leap year":  "2025-02-29 10:00:00 <Idle|WPos:0,0,0>",
	}

	for name, line := range lines {
		t.Run(name, func(t *testing.T) {
			_, err := d.Decode(line)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedTelemetry))

			var me *MalformedTelemetryError
			require.ErrorAs(t, err, &me)
			assert.NotEmpty(t, me.Reason)
		})
	}
}

func TestDecoder_UnknownState(t *testing.T) {
	d := NewDecoder(models.FrameWork)

	_, err := d.Decode("<Jog|WPos:1,1,1>")
	var use *UnknownStateError
	require.ErrorAs(t, err, &use)
	assert.Equal(t, "Jog", use.Token)
	assert.ErrorIs(t, err, ErrMalformedTelemetry)

	// Casing is significant.
	_, err = d.Decode("<idle|WPos:1,1,1>")
	require.ErrorAs(t, err, &use)

	// Structural errors win over the state check.
	_, err = d.Decode("<Jog|WPos:1,1>")
	assert.False(t, errors.As(err, &use))
	assert.ErrorIs(t, err, ErrMalformedTelemetry)
}

func TestDecoder_Timestamps(t *testing.T) {
	d := NewDecoder(models.FrameWork)

	ev, err := d.Decode("2024-03-01 09:00:00.250 <Run|WPos:0,0,0>")
	require.NoError(t, err)
	assert.True(t, ev.HasTimestamp)
	assert.True(t, ev.Timestamp.Equal(time.Date(2024, 3, 1, 9, 0, 0, 250*int(time.Millisecond), time.UTC)))
	assert.Equal(t, "2024-03-01 09:00:00.250 <Run|WPos:0,0,0>", ev.RawLine)

	ev, err = d.Decode("2024-03-01T09:00:02+02:00 <Idle|WPos:0,0,0>")
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.Equal(time.Date(2024, 3, 1, 7, 0, 2, 0, time.UTC)))
	assert.Equal(t, time.UTC, ev.Timestamp.Location())

	ev, err = d.Decode("2024-03-01 09:00:00\t<Idle|WPos:0,0,0>")
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)))
}

func TestDecoder_Deterministic(t *testing.T) {
	d := NewDecoder(models.FrameWork)
	line := "2024-03-01 09:00:00.250 <Run|WPos:1,2,3|FS:100,200>"
	first, err := d.Decode(line)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := d.Decode(line)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecoder_DecodeLine(t *testing.T) {
	d := NewDecoder(models.FrameWork)

	tests := []struct {
		line string
		kind models.MessageKind
		code string
		text string
	}{
		{"Grbl 1.1h ['$' for help]", models.MessageBanner, "", "Grbl 1.1h ['$' for help]"},
		{"ok", models.MessageAck, "", "ok"},
		{"ALARM:1", models.MessageAlarm, "1", "ALARM:1"},
		{"error:20", models.MessageError, "20", "error:20"},
		{"[MSG:Reset to continue]", models.MessageFeedback, "", "Reset to continue"},
		{"[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]", models.MessageFeedback, "", "GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			line, err := d.DecodeLine(tt.line)
			require.NoError(t, err)
			require.Equal(t, LineMessage, line.Kind)
			assert.Equal(t, tt.kind, line.Message.Kind)
			assert.Equal(t, tt.code, line.Message.Code)
			assert.Equal(t, tt.text, line.Message.Text)
			assert.Equal(t, tt.line, line.Message.RawLine)
		})
	}

	t.Run("status", func(t *testing.T) {
		line, err := d.DecodeLine("2024-03-01 09:00:00 <Run|WPos:1,2,3>")
		require.NoError(t, err)
		require.Equal(t, LineStatus, line.Kind)
		assert.Equal(t, models.StateRun, line.Event.MachineState)
		assert.True(t, line.Event.HasTimestamp)
	})

	t.Run("timestamped message", func(t *testing.T) {
		line, err := d.DecodeLine("2024-03-01 09:00:00 ALARM:2")
		require.NoError(t, err)
		assert.Equal(t, "2", line.Message.Code)
		assert.True(t, line.Message.HasTimestamp)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := d.DecodeLine("$$ garbage")
		assert.ErrorIs(t, err, ErrMalformedTelemetry)
	})

	t.Run("bad status", func(t *testing.T) {
		_, err := d.DecodeLine("<Jog|WPos:1,1,1>")
		var use *UnknownStateError
		assert.ErrorAs(t, err, &use)
	})
}

func ptr(f float64) *float64 { return &f }
