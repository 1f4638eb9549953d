package repository

import "time"

// Interval is the bar resolution used for indicator windows.
type Interval string

const (
	Interval5m Interval = "5m"
	Interval1h Interval = "1h"
	Interval1d Interval = "1d"
)

// IsValidInterval returns true if iv is a supported interval.
func IsValidInterval(iv Interval) bool {
	switch iv {
	case Interval5m, Interval1h, Interval1d:
		return true
	default:
		return false
	}
}

// DefaultInterval returns the default interval.
func DefaultInterval() Interval { return Interval1d }

// NormalizeInterval converts raw string to a valid interval (or default).
func NormalizeInterval(s string) Interval {
	iv := Interval(s)
	if IsValidInterval(iv) {
		return iv
	}
	return DefaultInterval()
}

// Duration is the wall-clock length of one bar.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case Interval5m:
		return 5 * time.Minute
	case Interval1h:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Range returns the smallest upstream range string covering n bars.
func (iv Interval) Range(n int) string {
	switch iv {
	case Interval5m:
		if n <= 78 {
			return "1d"
		}
		if n <= 390 {
			return "5d"
		}
		return "1mo"
	case Interval1h:
		if n <= 140 {
			return "1mo"
		}
		return "3mo"
	default:
		switch {
		case n <= 60:
			return "3mo"
		case n <= 120:
			return "6mo"
		case n <= 250:
			return "1y"
		default:
			return "2y"
		}
	}
}
