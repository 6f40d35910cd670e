// Package classify derives display categories from a glucose reading
package classify

import (
	"fmt"
	"strings"
	"time"

	"github.com/mrcode/nightscout-monitor/internal/models"
)

// Clinical thresholds in mg/dL. Both bounds belong to the in-range band.
const (
	LowThreshold  = 70
	HighThreshold = 180

	staleAfter = 15 * time.Minute
)

// Level is the severity band of a glucose value
type Level string

// Severity bands
const (
	LevelUnknown Level = "unknown"
	LevelLow     Level = "low"
	LevelInRange Level = "in_range"
	LevelHigh    Level = "high"
)

// Trend is the direction the glucose value is moving
type Trend string

// Trend categories
const (
	TrendUnknown Trend = "unknown"
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendFlat    Trend = "flat"
)

// ClassifyLevel places a value in its severity band
func ClassifyLevel(value int) Level {
	switch {
	case value < LowThreshold:
		return LevelLow
	case value > HighThreshold:
		return LevelHigh
	default:
		return LevelInRange
	}
}

// LevelOf classifies a reading; a missing reading is Unknown
func LevelOf(r *models.Reading) Level {
	if r == nil {
		return LevelUnknown
	}
	return ClassifyLevel(r.Value)
}

// ClassifyTrend maps a Nightscout direction token to a trend. Any
// non-empty token that names neither direction counts as Flat, including
// "NOT COMPUTABLE" and "RATE OUT OF RANGE".
func ClassifyTrend(direction string) Trend {
	if direction == "" {
		return TrendUnknown
	}

	upper := strings.ToUpper(direction)
	switch {
	case strings.Contains(upper, "UP"):
		return TrendRising
	case strings.Contains(upper, "DOWN"):
		return TrendFalling
	default:
		return TrendFlat
	}
}

// TimeSince renders how long ago ts was, relative to now
func TimeSince(ts, now time.Time) string {
	minutes := int(now.Sub(ts) / time.Minute)

	if minutes < 1 {
		return "just now"
	}
	if minutes == 1 {
		return "1 minute ago"
	}
	if minutes < 60 {
		return fmt.Sprintf("%d minutes ago", minutes)
	}
	hours := minutes / 60
	if hours == 1 {
		return "1 hour ago"
	}
	return fmt.Sprintf("%d hours ago", hours)
}

// IsStale reports whether a reading taken at ts is too old to trust
func IsStale(ts, now time.Time) bool {
	return now.Sub(ts) > staleAfter
}
