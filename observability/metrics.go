// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the master.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// JOB METRICS
// =============================================================================

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disco_jobs_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"status"}, // status: done, killed, init_error
	)

	jobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "disco_job_duration_seconds",
			Help:    "Job wall-clock duration from start to terminal state",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "disco_jobs_running",
			Help: "Number of coordinators currently alive",
		},
	)
)

// =============================================================================
// TASK METRICS
// =============================================================================

var (
	tasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disco_tasks_submitted_total",
			Help: "Task submissions handed to the cluster scheduler",
		},
		[]string{"mode"}, // mode: first_run, re_run
	)

	taskResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disco_task_results_total",
			Help: "Task results consumed by coordinators",
		},
		[]string{"kind"}, // kind: done, error, fatal, input_error
	)

	taskRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "disco_task_retries_total",
			Help: "Backoff-delayed task re-submissions",
		},
	)

	regenerationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "disco_regenerations_total",
			Help: "Input regenerations triggered by unreachable replicas",
		},
	)

	stageTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "disco_stage_tasks",
			Help: "Per-stage task counts by state",
		},
		[]string{"stage", "state"}, // state: running, stopped, done
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordJobStarted marks a coordinator as alive.
func RecordJobStarted() {
	jobsRunning.Inc()
}

// RecordJobFinished records a job's terminal state and duration.
func RecordJobFinished(status string, durationSeconds float64) {
	jobsRunning.Dec()
	jobsTotal.WithLabelValues(status).Inc()
	jobDurationSeconds.Observe(durationSeconds)
}

// RecordJobInitError counts a coordinator that failed before starting.
func RecordJobInitError() {
	jobsTotal.WithLabelValues("init_error").Inc()
}

// RecordTaskSubmitted counts one submission in the given run mode.
func RecordTaskSubmitted(mode string) {
	tasksSubmittedTotal.WithLabelValues(mode).Inc()
}

// RecordTaskResult counts one consumed task result.
func RecordTaskResult(kind string) {
	taskResultsTotal.WithLabelValues(kind).Inc()
}

// RecordTaskRetry counts one backoff-delayed re-submission.
func RecordTaskRetry() {
	taskRetriesTotal.Inc()
}

// RecordRegeneration counts one backward-DAG regeneration.
func RecordRegeneration() {
	regenerationsTotal.Inc()
}

// RecordStageTasks updates the per-stage task state gauges.
func RecordStageTasks(stage string, running, stopped, done int) {
	stageTasks.WithLabelValues(stage, "running").Set(float64(running))
	stageTasks.WithLabelValues(stage, "stopped").Set(float64(stopped))
	stageTasks.WithLabelValues(stage, "done").Set(float64(done))
}
