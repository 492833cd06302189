// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts sessions by kind and outcome
	// (converted, failed, skipped, unsupported)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessreplay_sessions_total",
			Help: "Total number of sessions processed",
		},
		[]string{"kind", "outcome"},
	)

	// RecordsTotal counts emitted replay events by direction
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessreplay_records_total",
			Help: "Total number of replay events written",
		},
		[]string{"direction"},
	)

	// PayloadBytesTotal counts application payload bytes by session kind
	PayloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessreplay_payload_bytes_total",
			Help: "Total number of payload bytes written",
		},
		[]string{"kind"},
	)

	// FrameErrorsTotal counts malformed replay frames
	FrameErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessreplay_frame_errors_total",
			Help: "Total number of malformed replay frames encountered",
		},
	)

	// PlaybackNotificationsTotal counts notifications delivered by the
	// playback scheduler
	PlaybackNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessreplay_playback_notifications_total",
			Help: "Total number of playback notifications delivered",
		},
		[]string{"type"},
	)

	// SessionDurationSeconds measures per-session conversion latency
	SessionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessreplay_session_duration_seconds",
			Help:    "Time spent converting one session in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		},
		[]string{"kind"},
	)
)

// Session outcomes
const (
	OutcomeConverted   = "converted"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
	OutcomeUnsupported = "unsupported"
)
