// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the VOD proxy.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamStartTotal tracks the outcome of stream start attempts.
	StreamStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcharr_vod_stream_start_total",
		Help: "Total number of VOD stream start attempts by result and reason",
	}, []string{"result", "reason"})

	// ActiveStreams tracks live upstream connections per delivery profile.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcharr_vod_active_streams",
		Help: "Current number of active VOD upstream connections per profile",
	}, []string{"profile"})

	// BytesSentTotal counts bytes relayed to clients.
	BytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcharr_vod_bytes_sent_total",
		Help: "Total bytes relayed from upstream sources to clients",
	})

	// SeeksTotal counts detected client seeks.
	SeeksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcharr_vod_seeks_total",
		Help: "Total number of detected client seek operations",
	})

	// StopSignalsTotal counts honoured stop signals.
	StopSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcharr_vod_stop_signals_total",
		Help: "Total number of streams terminated by an external stop signal",
	})

	// ProbeDuration tracks HEAD-emulation probe latency.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatcharr_vod_probe_duration_seconds",
		Help:    "Latency of upstream ranged-GET probes",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})
)

// IncStreamStart records a stream start attempt outcome.
func IncStreamStart(success bool, reason string) {
	result := "failure"
	if success {
		result = "success"
	}
	StreamStartTotal.WithLabelValues(result, reason).Inc()
}

// IncActiveStreams marks a profile connection as live.
func IncActiveStreams(profileID int) {
	ActiveStreams.WithLabelValues(strconv.Itoa(profileID)).Inc()
}

// DecActiveStreams marks a profile connection as finished.
func DecActiveStreams(profileID int) {
	ActiveStreams.WithLabelValues(strconv.Itoa(profileID)).Dec()
}

// AddBytesSent accumulates relayed bytes.
func AddBytesSent(n int) {
	BytesSentTotal.Add(float64(n))
}

// IncSeek records a detected seek.
func IncSeek() {
	SeeksTotal.Inc()
}

// IncStopSignal records a stop-signal termination.
func IncStopSignal() {
	StopSignalsTotal.Inc()
}

// ObserveProbeDuration records probe latency by outcome.
func ObserveProbeDuration(success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	ProbeDuration.WithLabelValues(result).Observe(d.Seconds())
}
