// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the
// orchestrator: task throughput, queue pressure, state transitions,
// recovery sweeps, and live connection counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_tasks_total",
		Help: "Total tasks finished by kind and outcome.",
	}, []string{"kind", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skald_task_duration_seconds",
		Help:    "Wall time from task dequeue to terminal outcome.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"kind", "outcome"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skald_queue_depth",
		Help: "Ready (not in-flight) jobs per capability-class queue.",
	}, []string{"queue"})

	FileTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_file_transitions_total",
		Help: "Media file status transitions.",
	}, []string{"from", "to"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_task_retries_total",
		Help: "Task retries scheduled after transient failures.",
	}, []string{"kind"})

	ReaperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_reaper_actions_total",
		Help: "Recovery sweeper actions by kind.",
	}, []string{"action"}) // orphaned, abandoned_deleted, cancel_expired

	IngestDedupTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_ingest_dedup_total",
		Help: "Uploads rejected as duplicates of an existing file.",
	})

	IngestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_ingest_bytes_total",
		Help: "Bytes accepted into blob storage.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_ws_clients",
		Help: "Currently connected notification clients.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_events_published_total",
		Help: "Notification events published by type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_events_dropped_total",
		Help: "Notification events dropped by reason.",
	}, []string{"reason"}) // slow_client, no_subscriber
)

// ObserveTask records a finished task's outcome and duration in one call.
func ObserveTask(kind, outcome string, start time.Time) {
	TasksTotal.WithLabelValues(kind, outcome).Inc()
	TaskDuration.WithLabelValues(kind, outcome).Observe(time.Since(start).Seconds())
}

// RecordTransition tracks a file status change.
func RecordTransition(from, to string) {
	FileTransitions.WithLabelValues(from, to).Inc()
}

// IncEventDrop records a dropped notification event.
func IncEventDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	EventsDropped.WithLabelValues(reason).Inc()
}
