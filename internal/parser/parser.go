package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Common utilities for parsing

// ParseTimestamp parses a source timestamp. The controller log format
// "2006-01-02 15:04:05.000" is tried first, then RFC 3339.
func ParseTimestamp(ts string) (time.Time, error) {
	if t, err := FastTimestamp(ts); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", ts)
	}
	return t.UTC(), nil
}

// FastTimestamp parses "%Y-%m-%d %H:%M:%S.%f" using manual parsing for speed.
// This is ~5x faster than time.Parse for the fixed format.
func FastTimestamp(ts string) (time.Time, error) {
	// Example: "2025-09-25 06:02:11.086"
	// Minimum length: "2025-09-25 06:02:11" = 19 chars
	if len(ts) < 19 {
		return time.Time{}, fmt.Errorf("timestamp too short: %s", ts)
	}
	if ts[4] != '-' || ts[7] != '-' || (ts[10] != ' ' && ts[10] != 'T') || ts[13] != ':' || ts[16] != ':' {
		return time.Time{}, fmt.Errorf("timestamp layout mismatch: %s", ts)
	}

	// Parse date components directly (avoid string allocations)
	year := parseInt4(ts[0:4])
	month := parseInt2(ts[5:7])
	day := parseInt2(ts[8:10])
	hour := parseInt2(ts[11:13])
	min := parseInt2(ts[14:16])
	sec := parseInt2(ts[17:19])

	if year < 0 || month < 1 || month > 12 || day < 1 || day > 31 ||
		hour < 0 || hour > 23 || min < 0 || min > 59 || sec < 0 || sec > 59 {
		return time.Time{}, fmt.Errorf("timestamp out of range: %s", ts)
	}

	var nsec int
	switch {
	case len(ts) == 19:
	case ts[19] == '.' && len(ts) > 20:
		frac := ts[20:]
		// Pad or truncate to 9 digits (nanoseconds)
		fracLen := len(frac)
		if fracLen > 9 {
			frac = frac[:9]
			fracLen = 9
		}
		nsec = parseIntN(frac, fracLen)
		if nsec < 0 {
			return time.Time{}, fmt.Errorf("invalid fractional seconds: %s", ts)
		}
		for i := fracLen; i < 9; i++ {
			nsec *= 10
		}
	default:
		return time.Time{}, fmt.Errorf("trailing characters in timestamp: %s", ts)
	}

	t := time.Date(year, time.Month(month), day, hour, min, sec, nsec, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("day out of range for month: %s", ts)
	}
	return t, nil
}

// parseInt2 parses a 2-digit decimal string. Returns -1 on error.
func parseInt2(s string) int {
	if len(s) != 2 {
		return -1
	}
	d1, d2 := s[0]-'0', s[1]-'0'
	if d1 > 9 || d2 > 9 {
		return -1
	}
	return int(d1)*10 + int(d2)
}

// parseInt4 parses a 4-digit decimal string. Returns -1 on error.
func parseInt4(s string) int {
	if len(s) != 4 {
		return -1
	}
	d1, d2, d3, d4 := s[0]-'0', s[1]-'0', s[2]-'0', s[3]-'0'
	if d1 > 9 || d2 > 9 || d3 > 9 || d4 > 9 {
		return -1
	}
	return int(d1)*1000 + int(d2)*100 + int(d3)*10 + int(d4)
}

// parseIntN parses an n-digit decimal string. Returns -1 on error.
func parseIntN(s string, n int) int {
	result := 0
	for i := 0; i < n; i++ {
		d := s[i] - '0'
		if d > 9 {
			return -1
		}
		result = result*10 + int(d)
	}
	return result
}

// parseFloats splits a comma separated list and requires exactly want
// decimal values. NaN, infinities, hex floats and digit separators are
// rejected even though strconv accepts them.
func parseFloats(s string, want int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != want {
		return nil, fmt.Errorf("expected %d values, got %d", want, len(parts))
	}
	out := make([]float64, want)
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if !isDecimal(p) {
			return nil, fmt.Errorf("value %q is not numeric", p)
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("value %q is not numeric", p)
		}
		out[i] = v
	}
	return out, nil
}

// isDecimal reports whether s uses only the characters of a plain decimal
// number with an optional exponent, and contains at least one digit.
func isDecimal(s string) bool {
	digits := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits = true
		case c == '+' || c == '-' || c == '.' || c == 'e' || c == 'E':
		default:
			return false
		}
	}
	return digits
}

// cutTimestamp splits an optional leading timestamp off a line. ok is false
// when the line does not start with something shaped like a timestamp; err is
// set when it does but the timestamp is invalid.
func cutTimestamp(line string) (ts time.Time, ok bool, rest string, err error) {
	if len(line) == 0 || line[0] < '0' || line[0] > '9' {
		return time.Time{}, false, line, nil
	}

	end := strings.IndexAny(line, " \t")
	// The controller log layout has a space between date and time.
	if len(line) >= 19 && line[10] == ' ' {
		end = 19
		if end < len(line) && line[end] == '.' {
			end++
			for end < len(line) && line[end] >= '0' && line[end] <= '9' {
				end++
			}
		}
	}
	if end < 0 {
		end = len(line)
	}

	ts, err = ParseTimestamp(line[:end])
	if err != nil {
		return time.Time{}, true, line, err
	}
	return ts, true, strings.TrimSpace(line[end:]), nil
}
