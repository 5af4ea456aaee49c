// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueuePending tracks the current pending depth of an endpoint queue.
	QueuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infinitune_queue_pending",
		Help: "Current number of pending requests in an endpoint queue.",
	}, []string{"endpoint"})

	// QueueActive tracks the current active (in-flight) count.
	QueueActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infinitune_queue_active",
		Help: "Current number of in-flight requests in an endpoint queue.",
	}, []string{"endpoint"})

	// QueueEnqueuedTotal counts every enqueue by endpoint.
	QueueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_queue_enqueued_total",
		Help: "Total number of requests enqueued, by endpoint.",
	}, []string{"endpoint"})

	// QueueCancelledTotal counts cancelled requests by endpoint.
	QueueCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_queue_cancelled_total",
		Help: "Total number of cancelled requests, by endpoint.",
	}, []string{"endpoint"})

	// QueueErrorTotal counts failed execute() calls by endpoint.
	QueueErrorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_queue_error_total",
		Help: "Total number of failed queue executions, by endpoint.",
	}, []string{"endpoint"})

	// AudioLostTaskTotal counts audio polls resolved as not_found past grace.
	AudioLostTaskTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infinitune_audio_lost_task_total",
		Help: "Total number of audio tasks resolved as lost (not_found past grace period).",
	})
)

// SetQueueDepth updates the pending/active gauges for an endpoint.
func SetQueueDepth(endpoint string, pending, active int) {
	QueuePending.WithLabelValues(endpoint).Set(float64(pending))
	QueueActive.WithLabelValues(endpoint).Set(float64(active))
}

// RecordEnqueue increments the enqueue counter for an endpoint.
func RecordEnqueue(endpoint string) {
	QueueEnqueuedTotal.WithLabelValues(endpoint).Inc()
}

// RecordCancelled increments the cancellation counter for an endpoint.
func RecordCancelled(endpoint string) {
	QueueCancelledTotal.WithLabelValues(endpoint).Inc()
}

// RecordQueueError increments the error counter for an endpoint.
func RecordQueueError(endpoint string) {
	QueueErrorTotal.WithLabelValues(endpoint).Inc()
}

// RecordAudioLostTask increments the lost-task counter.
func RecordAudioLostTask() {
	AudioLostTaskTotal.Inc()
}
