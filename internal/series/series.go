// Package series turns Nightscout history into chart-ready points
package series

import (
	"time"

	"github.com/mrcode/nightscout-monitor/internal/models"
)

// LabelLayout is the clock format used for chart labels
const LabelLayout = "15:04"

// ToChartSeries converts newest-first samples into oldest-first chart
// points labelled in loc. A nil loc means time.Local. Gaps between samples
// are kept as they are.
func ToChartSeries(samples []models.Sample, loc *time.Location) []models.ChartPoint {
	if loc == nil {
		loc = time.Local
	}

	points := make([]models.ChartPoint, len(samples))
	last := len(samples) - 1
	for i, s := range samples {
		points[last-i] = models.ChartPoint{
			Label:     s.Time.In(loc).Format(LabelLayout),
			Value:     s.Value,
			Timestamp: s.Time.UnixMilli(),
		}
	}
	return points
}

// Samples recovers newest-first samples from chart points
func Samples(points []models.ChartPoint) []models.Sample {
	samples := make([]models.Sample, len(points))
	last := len(points) - 1
	for i, p := range points {
		samples[last-i] = models.Sample{
			Value: p.Value,
			Time:  time.UnixMilli(p.Timestamp),
		}
	}
	return samples
}
