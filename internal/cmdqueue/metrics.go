package cmdqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dreamwatch",
			Subsystem: "cmdqueue",
			Name:      "submitted_total",
			Help:      "Commands accepted into the queue.",
		},
		[]string{"command"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dreamwatch",
			Subsystem: "cmdqueue",
			Name:      "rejected_total",
			Help:      "Commands rejected because the queue stayed full.",
		},
		[]string{"command"},
	)

	failedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dreamwatch",
			Subsystem: "cmdqueue",
			Name:      "failed_total",
			Help:      "Commands whose job returned an error or panicked.",
		},
		[]string{"command"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dreamwatch",
			Subsystem: "cmdqueue",
			Name:      "run_duration_seconds",
			Help:      "Duration of a single command attempt.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dreamwatch",
			Subsystem: "cmdqueue",
			Name:      "depth",
			Help:      "Commands waiting in the queue.",
		},
	)
)
