// Package models contains data structures used throughout the application
package models

import (
	"fmt"
	"time"
)

// SampleInterval is the nominal spacing between CGM readings
const SampleInterval = 5 * time.Minute

// Entry is the wire shape of a Nightscout entry. Pointer fields let the
// decoder tell a missing field from a zero value.
type Entry struct {
	ID        string  `json:"_id,omitempty"`
	SGV       *int    `json:"sgv"`  // Sensor glucose value in mg/dL
	Date      *int64  `json:"date"` // Unix timestamp in milliseconds
	DateStr   string  `json:"dateString,omitempty"`
	Direction *string `json:"direction,omitempty"`
	Type      string  `json:"type,omitempty"`
	Device    string  `json:"device,omitempty"`
}

// IsGlucose reports whether the entry is a sensor glucose entry. Entries
// without a type are treated as sgv.
func (e *Entry) IsGlucose() bool {
	return e.Type == "" || e.Type == "sgv"
}

// Validate checks the fields every reading needs
func (e *Entry) Validate() error {
	if e.SGV == nil {
		return fmt.Errorf("entry %q: missing sgv", e.ID)
	}
	if e.Date == nil {
		return fmt.Errorf("entry %q: missing date", e.ID)
	}
	return nil
}

// Reading converts a validated entry into a Reading
func (e *Entry) Reading() Reading {
	r := Reading{
		Value: *e.SGV,
		Time:  time.UnixMilli(*e.Date),
	}
	if e.Direction != nil {
		r.Direction = *e.Direction
	}
	return r
}

// Sample converts a validated entry into a Sample
func (e *Entry) Sample() Sample {
	return Sample{
		Value: *e.SGV,
		Time:  time.UnixMilli(*e.Date),
	}
}

// Reading represents the latest glucose measurement
type Reading struct {
	Value     int       `json:"value"` // mg/dL
	Time      time.Time `json:"time"`
	Direction string    `json:"direction,omitempty"` // empty when the source sent none
}

// ValueMmolL returns the glucose value in mmol/L
func (r *Reading) ValueMmolL() float64 {
	return float64(r.Value) / 18.0182
}

// Sample is one point of the historical series
type Sample struct {
	Value int       `json:"value"`
	Time  time.Time `json:"time"`
}

// ChartPoint represents a single point on the chart
type ChartPoint struct {
	Label     string `json:"time"`      // "15:04" clock label
	Value     int    `json:"glucose"`   // mg/dL
	Timestamp int64  `json:"timestamp"` // Unix timestamp in milliseconds
}

// TimeRange is a selectable history window in hours
type TimeRange int

// Supported history windows
const (
	Range3h  TimeRange = 3
	Range6h  TimeRange = 6
	Range12h TimeRange = 12
	Range24h TimeRange = 24
)

// TimeRanges lists the supported windows in display order
var TimeRanges = []TimeRange{Range3h, Range6h, Range12h, Range24h}

// ParseTimeRange validates an hour count against the supported windows
func ParseTimeRange(hours int) (TimeRange, error) {
	for _, r := range TimeRanges {
		if int(r) == hours {
			return r, nil
		}
	}
	return 0, &ValidationError{
		Field:  "timeRange",
		Reason: fmt.Sprintf("unsupported range %dh (want one of 3, 6, 12, 24)", hours),
	}
}

// Validate reports whether r is one of the supported windows
func (r TimeRange) Validate() error {
	_, err := ParseTimeRange(int(r))
	return err
}

// Hours returns the window length in hours
func (r TimeRange) Hours() int {
	return int(r)
}

// Duration returns the window as a time.Duration
func (r TimeRange) Duration() time.Duration {
	return time.Duration(r) * time.Hour
}

// SampleCount returns how many entries cover the window at the nominal
// sampling interval, rounded up.
func (r TimeRange) SampleCount() int {
	window := r.Duration()
	count := window / SampleInterval
	if window%SampleInterval != 0 {
		count++
	}
	return int(count)
}

// ServerStatus represents the Nightscout server status
type ServerStatus struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	ServerTime string `json:"serverTime"`
	APIEnabled bool   `json:"apiEnabled"`
}
