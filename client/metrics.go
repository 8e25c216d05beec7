package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dreamwatch",
			Subsystem: "client",
			Name:      "stage_transitions_total",
			Help:      "Dream stage changes observed, by new stage.",
		},
		[]string{"stage"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dreamwatch",
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Backend commands by outcome.",
		},
		[]string{"command", "result"},
	)
)
