package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nightscout_monitor"

// Sync cycle outcomes
const (
	outcomeSuccess = "success"
	outcomePartial = "partial"
	outcomeFailure = "failure"
)

// Metrics collects sync statistics
type Metrics struct {
	cycles      *prometheus.CounterVec
	coalesced   prometheus.Counter
	discarded   prometheus.Counter
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
	glucose     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Completed sync cycles by outcome.",
		}, []string{"outcome"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_triggers_coalesced_total",
			Help:      "Triggers dropped because a sync was already in flight.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_results_discarded_total",
			Help:      "Cycle results dropped because the configuration changed while in flight.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful sync.",
		}),
		glucose: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "glucose_mgdl",
			Help:      "Most recent sensor glucose value.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.cycles, m.coalesced, m.discarded, m.duration, m.lastSuccess, m.glucose)
	}

	return m
}
