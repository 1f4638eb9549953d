package util

import (
	"strconv"
	"strings"
	"time"
)

// ParseTime accepts RFC3339, RFC3339Nano, unix seconds and unix
// milliseconds. A JSON-quoted value is unquoted first. The result is UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" || s == "null" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		// anything past year 5138 in seconds is a millisecond stamp
		if ts > 1e11 {
			return time.UnixMilli(ts).UTC(), true
		}
		return time.Unix(ts, 0).UTC(), true
	}
	return time.Time{}, false
}
