package wshare

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MetricOpenSessions tracks live sessions (multiplexed physical
	// connections).
	MetricOpenSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "warren_open_sessions", Help: "Current live multiplexing sessions"})

	// MetricOpenStreams tracks live logical streams across all sessions.
	MetricOpenStreams = promauto.NewGauge(prometheus.GaugeOpts{Name: "warren_open_streams", Help: "Current live logical streams"})

	// MetricBytesIn counts tunneled payload bytes received from peers.
	MetricBytesIn = promauto.NewCounter(prometheus.CounterOpts{Name: "warren_bytes_in_total", Help: "Tunneled payload bytes received"})

	// MetricBytesOut counts tunneled payload bytes sent to peers.
	MetricBytesOut = promauto.NewCounter(prometheus.CounterOpts{Name: "warren_bytes_out_total", Help: "Tunneled payload bytes sent"})

	// MetricHandshakeRejects counts refused tunnel requests by reason.
	MetricHandshakeRejects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warren_handshake_rejects_total", Help: "Rejected tunnel handshakes by reason"}, []string{"reason"})

	// MetricDialFailures counts failed physical connection attempts.
	MetricDialFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "warren_dial_failures_total", Help: "Failed physical connection dials"})

	// MetricSessionsDied counts sessions killed by transport or protocol
	// failure (clean retirements excluded).
	MetricSessionsDied = promauto.NewCounter(prometheus.CounterOpts{Name: "warren_sessions_died_total", Help: "Sessions killed by transport or protocol failure"})
)
