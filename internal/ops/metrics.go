package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpark",
		Name:      "commands_total",
		Help:      "Commands processed, by command name and outcome.",
	}, []string{"command", "outcome"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bpark",
		Name:      "command_duration_seconds",
		Help:      "Command handling latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpark",
		Name:      "active_connections",
		Help:      "Open client connections.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpark",
		Name:      "active_sessions",
		Help:      "Signed-in client sessions.",
	})
)
