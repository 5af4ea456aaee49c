// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BufferDeficit tracks the current buffer deficit per playlist.
	BufferDeficit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infinitune_playlist_buffer_deficit",
		Help: "Current buffer deficit (songs short of target) for a playlist.",
	}, []string{"playlist_id"})

	// ActiveControllers tracks the number of running playlist controllers.
	ActiveControllers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infinitune_active_controllers",
		Help: "Current number of running playlist controllers.",
	})

	// SupervisorTicksTotal counts supervisor reconcile passes.
	SupervisorTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infinitune_supervisor_ticks_total",
		Help: "Total number of supervisor reconcile passes (tick-driven or event-driven).",
	})

	// ActiveWorkers tracks the number of running song workers.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infinitune_active_workers",
		Help: "Current number of running song workers.",
	})

	// StageProcessingMs records per-stage processing duration in milliseconds.
	StageProcessingMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infinitune_stage_processing_ms",
		Help:    "Processing duration in milliseconds, by pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(100, 2, 12),
	}, []string{"stage"})

	// RecoveryRevertedTotal counts songs reverted at startup recovery.
	RecoveryRevertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_recovery_reverted_total",
		Help: "Total number of songs reverted by startup recovery, by from status.",
	}, []string{"from"})
)

// SetBufferDeficit sets the buffer deficit gauge for a playlist.
func SetBufferDeficit(playlistID string, deficit int) {
	BufferDeficit.WithLabelValues(playlistID).Set(float64(deficit))
}

// ObserveStageMs records a stage's processing duration.
func ObserveStageMs(stage string, ms int64) {
	StageProcessingMs.WithLabelValues(stage).Observe(float64(ms))
}

// RecordRecoveryReverted increments the recovery-reverted counter.
func RecordRecoveryReverted(from string) {
	RecoveryRevertedTotal.WithLabelValues(from).Inc()
}

// RecordSupervisorTick increments the supervisor reconcile-pass counter.
func RecordSupervisorTick() {
	SupervisorTicksTotal.Inc()
}
