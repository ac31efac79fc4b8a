// Package metrics provides Prometheus metrics for the tbak node server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbak_connections_total",
			Help: "Total number of accepted peer connections",
		},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbak_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	packetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbak_packets_total",
			Help: "Total packets handled, by type",
		},
		[]string{"type"},
	)

	abortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbak_aborts_total",
			Help: "Total connections aborted, by the packet type that caused it",
		},
		[]string{"type"},
	)

	bytesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbak_archive_bytes_stored_total",
			Help: "Total bytes written to archives",
		},
	)

	bytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbak_archive_bytes_served_total",
			Help: "Total bytes read from archives for downloads",
		},
	)

	handleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tbak_packet_handle_duration_seconds",
			Help:    "Time spent handling a packet",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordConnection records an accepted connection.
func RecordConnection() {
	connectionsTotal.Inc()
}

// RecordAuth records an authentication attempt.
func RecordAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordPacket records a handled packet.
func RecordPacket(typ string, duration time.Duration) {
	packetsTotal.WithLabelValues(typ).Inc()
	handleDuration.WithLabelValues(typ).Observe(duration.Seconds())
}

// RecordAbort records a connection that was aborted while handling `typ`.
func RecordAbort(typ string) {
	abortsTotal.WithLabelValues(typ).Inc()
}

// RecordStored records bytes written to an archive.
func RecordStored(n int) {
	bytesStored.Add(float64(n))
}

// RecordServed records bytes sent from an archive.
func RecordServed(n int) {
	bytesServed.Add(float64(n))
}
