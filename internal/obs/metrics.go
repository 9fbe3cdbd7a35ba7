package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_sessions_total", Help: "Control sessions attempted"})
	SessionFailuresTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_session_failures_total", Help: "Sessions ended by error kind"}, []string{"kind"})
	SessionState            = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "backhaul_session_state", Help: "1 for the current session state, 0 otherwise"}, []string{"state"})
	ActiveConnections       = promauto.NewGauge(prometheus.GaugeOpts{Name: "backhaul_active_connections", Help: "Forwarded connections currently open"})
	ConnectionsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_connections_total", Help: "Forwarded connections opened"})
	LocalDialFailuresTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_local_dial_failures_total", Help: "NEW_CONNECTION events whose local dial failed"})
	StalledConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_stalled_connections_total", Help: "Forwarded connections closed because the local peer stopped reading"})
	FramesReceivedTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_frames_received_total", Help: "Control frames received by type"}, []string{"type"})
	BytesForwardedTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_bytes_forwarded_total", Help: "Payload bytes forwarded by direction"}, []string{"direction"})
	ConnDurationSeconds     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "backhaul_connection_duration_seconds", Help: "Forwarded connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
