package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dreamwatch",
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Poll ticks by loop and result.",
		},
		[]string{"loop", "result"},
	)

	pollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dreamwatch",
			Subsystem: "poller",
			Name:      "poll_duration_seconds",
			Help:      "Duration of a single poll tick.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dreamwatch",
			Subsystem: "poller",
			Name:      "escalations_total",
			Help:      "Failure streaks that exhausted the retry budget.",
		},
		[]string{"loop"},
	)

	consecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dreamwatch",
			Subsystem: "poller",
			Name:      "consecutive_failures",
			Help:      "Current failure streak per loop.",
		},
		[]string{"loop"},
	)

	runningLoops = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dreamwatch",
			Subsystem: "poller",
			Name:      "running",
			Help:      "1 while the loop is scheduled, 0 when stopped or parked.",
		},
		[]string{"loop"},
	)
)
