/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics provides Prometheus instrumentation for the worker and
// its queues.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics holds Prometheus metrics for the background worker.
type WorkerMetrics struct {
	// QueueDepth tracks pending tasks per tier.
	QueueDepth *prometheus.GaugeVec
	// ClaimsTotal counts claimed tasks by tier.
	ClaimsTotal *prometheus.CounterVec
	// TaskDurationSeconds tracks handler duration by task type and outcome.
	TaskDurationSeconds *prometheus.HistogramVec
	// TasksSkippedTotal counts tasks deferred by quota gating.
	TasksSkippedTotal prometheus.Counter
	// EmbeddingBatchesTotal counts drained embedding batches.
	EmbeddingBatchesTotal prometheus.Counter
	// EmbeddingItemsTotal counts embedded queue items by outcome.
	EmbeddingItemsTotal *prometheus.CounterVec
	// StaleRecoveredTotal counts tasks reclaimed from silent workers.
	StaleRecoveredTotal prometheus.Counter
}

// NewWorkerMetrics creates worker metrics registered on the default
// registry.
func NewWorkerMetrics() *WorkerMetrics {
	return NewWorkerMetricsWithRegistry(nil)
}

// NewWorkerMetricsWithRegistry creates worker metrics on an isolated
// registry. Pass nil for the default registerer.
func NewWorkerMetricsWithRegistry(reg *prometheus.Registry) *WorkerMetrics {
	m := &WorkerMetrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p8_queue_depth",
			Help: "Pending tasks per tier",
		}, []string{"tier"}),
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p8_queue_claims_total",
			Help: "Total tasks claimed by tier",
		}, []string{"tier"}),
		TaskDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "p8_worker_task_duration_seconds",
			Help:    "Task handler duration by type and outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~14m
		}, []string{"task_type", "outcome"}),
		TasksSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p8_worker_tasks_skipped_total",
			Help: "Tasks deferred because the user is over quota",
		}),
		EmbeddingBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p8_embedding_batches_total",
			Help: "Embedding queue batches drained",
		}),
		EmbeddingItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p8_embedding_items_total",
			Help: "Embedding queue items by outcome",
		}, []string{"outcome"}),
		StaleRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p8_queue_stale_recovered_total",
			Help: "Processing tasks reclaimed after the worker deadline",
		}),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	if reg != nil {
		registerer = reg
	}
	registerer.MustRegister(
		m.QueueDepth, m.ClaimsTotal, m.TaskDurationSeconds, m.TasksSkippedTotal,
		m.EmbeddingBatchesTotal, m.EmbeddingItemsTotal, m.StaleRecoveredTotal)
	return m
}

// RecordClaim adds claimed tasks for a tier.
func (m *WorkerMetrics) RecordClaim(tier string, n int) {
	m.ClaimsTotal.WithLabelValues(tier).Add(float64(n))
}

// RecordTask observes one handled task.
func (m *WorkerMetrics) RecordTask(taskType, outcome string, d time.Duration) {
	m.TaskDurationSeconds.WithLabelValues(taskType, outcome).Observe(d.Seconds())
}

// RecordSkip increments the quota-skip counter.
func (m *WorkerMetrics) RecordSkip() {
	m.TasksSkippedTotal.Inc()
}

// RecordEmbeddingBatch records one drained batch and its item outcomes.
func (m *WorkerMetrics) RecordEmbeddingBatch(succeeded, failed int) {
	m.EmbeddingBatchesTotal.Inc()
	m.EmbeddingItemsTotal.WithLabelValues("ok").Add(float64(succeeded))
	m.EmbeddingItemsTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordDepth sets the pending-task gauge for a tier.
func (m *WorkerMetrics) RecordDepth(tier string, depth int64) {
	m.QueueDepth.WithLabelValues(tier).Set(float64(depth))
}

// RecordStaleRecovered adds reclaimed tasks.
func (m *WorkerMetrics) RecordStaleRecovered(n int64) {
	m.StaleRecoveredTotal.Add(float64(n))
}
