package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charge_core_commands_sent_total",
		Help: "Outbound remote commands by action.",
	}, []string{"action"})

	CommandTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charge_core_command_timeouts_total",
		Help: "Remote commands that expired without acknowledgment.",
	}, []string{"action"})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "charge_core_sessions_started_total",
		Help: "Charging sessions created after RemoteStart acknowledgment.",
	})

	SessionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "charge_core_sessions_stopped_total",
		Help: "Charging sessions closed.",
	})

	AutoStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "charge_core_sessions_autostopped_total",
		Help: "Sessions stopped by the zero-power watchdog.",
	})

	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "charge_core_devices_online",
		Help: "Charge points with a live transport.",
	})
)
