package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_checks_total",
			Help: "Total number of probe evaluations ingested",
		},
		[]string{"probe_type", "status"},
	)

	ProbeStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lookout_probe_status",
			Help: "Current probe status (0=ok, 1=warning, 2=error, 3=unknown)",
		},
		[]string{"probe"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_dispatch_total",
			Help: "Notification dispatch attempts by channel and terminal status",
		},
		[]string{"channel", "status"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lookout_dispatch_duration_seconds",
			Help:    "Time spent in channel adapters",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_status_transitions_total",
			Help: "Probe status transitions by target status",
		},
		[]string{"status"},
	)
)

// StatusValue maps a probe status to its gauge value.
func StatusValue(status string) float64 {
	switch status {
	case "ok":
		return 0
	case "warning":
		return 1
	case "error":
		return 2
	default:
		return 3
	}
}
