// Package metrics exports the Prometheus metrics of the background migration scheduler, executor and finalizer.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tigrisdata/bbm/metrics"
)

var (
	runDurationHist   *prometheus.HistogramVec
	runTotal          *prometheus.CounterVec
	sleepDurationHist *prometheus.HistogramVec
	tickTotal         *prometheus.CounterVec
	jobDurationHist   *prometheus.HistogramVec
	jobTotal          *prometheus.CounterVec
	jobRowsTotal      *prometheus.CounterVec
	batchSizeGauge    *prometheus.GaugeVec
	inFlightGauge     *prometheus.GaugeVec
	healthBlockTotal  *prometheus.CounterVec
	finalizeTotal     *prometheus.CounterVec

	timeSince = time.Since // for test purposes only
)

const (
	subsystem = "background_migrations"

	workerLabel    = "worker"
	resultLabel    = "result"
	migrationLabel = "migration"
	jobNameLabel   = "job_name"
	statusLabel    = "status"
	modeLabel      = "mode"

	runDurationName = "worker_run_duration_seconds"
	runDurationDesc = "A histogram of durations of background migration worker runs."
	runTotalName    = "worker_runs_total"
	runTotalDesc    = "A counter of background migration worker runs."

	sleepDurationName = "worker_sleep_duration_seconds"
	sleepDurationDesc = "A histogram of the durations background migration workers sleep between runs."

	tickTotalName = "ticks_total"
	tickTotalDesc = "A counter of scheduler ticks by result."

	jobDurationName = "job_duration_seconds"
	jobDurationDesc = "A histogram of background migration batch execution durations."
	jobTotalName    = "jobs_total"
	jobTotalDesc    = "A counter of executed background migration batches by final status."
	jobRowsName     = "job_rows_affected_total"
	jobRowsDesc     = "A counter of rows affected by background migration batches."

	batchSizeName = "batch_size"
	batchSizeDesc = "A gauge of the batch size used for batches planned next."

	inFlightName = "jobs_in_flight"
	inFlightDesc = "A gauge of the batches currently executing."

	healthBlockName = "health_gate_blocks_total"
	healthBlockDesc = "A counter of scheduler ticks skipped because the database was unhealthy."

	finalizeTotalName = "finalizations_total"
	finalizeTotalDesc = "A counter of finalizations by mode and result."
)

func init() {
	runDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      runDurationName,
			Help:      runDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{workerLabel},
	)
	runTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      runTotalName,
			Help:      runTotalDesc,
		},
		[]string{workerLabel},
	)
	sleepDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      sleepDurationName,
			Help:      sleepDurationDesc,
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{workerLabel},
	)
	tickTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      tickTotalName,
			Help:      tickTotalDesc,
		},
		[]string{migrationLabel, resultLabel},
	)
	jobDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      jobDurationName,
			Help:      jobDurationDesc,
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{migrationLabel, jobNameLabel},
	)
	jobTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      jobTotalName,
			Help:      jobTotalDesc,
		},
		[]string{migrationLabel, jobNameLabel, statusLabel},
	)
	jobRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      jobRowsName,
			Help:      jobRowsDesc,
		},
		[]string{migrationLabel, jobNameLabel},
	)
	batchSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      batchSizeName,
			Help:      batchSizeDesc,
		},
		[]string{migrationLabel},
	)
	inFlightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      inFlightName,
			Help:      inFlightDesc,
		},
		[]string{migrationLabel},
	)
	healthBlockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      healthBlockName,
			Help:      healthBlockDesc,
		},
		[]string{migrationLabel},
	)
	finalizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      finalizeTotalName,
			Help:      finalizeTotalDesc,
		},
		[]string{migrationLabel, modeLabel, resultLabel},
	)

	prometheus.MustRegister(
		runDurationHist,
		runTotal,
		sleepDurationHist,
		tickTotal,
		jobDurationHist,
		jobTotal,
		jobRowsTotal,
		batchSizeGauge,
		inFlightGauge,
		healthBlockTotal,
		finalizeTotal,
	)
}

// WorkerRun counts a worker run and returns a function recording its duration once called.
func WorkerRun(worker string) func() {
	start := time.Now()
	return func() {
		runTotal.WithLabelValues(worker).Inc()
		runDurationHist.WithLabelValues(worker).Observe(timeSince(start).Seconds())
	}
}

// WorkerSleep records the time a worker is about to sleep.
func WorkerSleep(worker string, d time.Duration) {
	sleepDurationHist.WithLabelValues(worker).Observe(d.Seconds())
}

// Tick counts a scheduler tick of a migration.
func Tick(migration, result string) {
	tickTotal.WithLabelValues(migration, result).Inc()
}

// HealthGateBlocked counts a tick skipped by the health gate.
func HealthGateBlocked(migration string) {
	healthBlockTotal.WithLabelValues(migration).Inc()
}

// Job records a finished batch execution.
func Job(migration, jobName, status string, d time.Duration, rows int64) {
	jobTotal.WithLabelValues(migration, jobName, status).Inc()
	jobDurationHist.WithLabelValues(migration, jobName).Observe(d.Seconds())
	if rows > 0 {
		jobRowsTotal.WithLabelValues(migration, jobName).Add(float64(rows))
	}
}

// BatchSize records the batch size of a migration.
func BatchSize(migration string, size int) {
	batchSizeGauge.WithLabelValues(migration).Set(float64(size))
}

// InFlight records the number of executing batches of a migration.
func InFlight(migration string, n int) {
	inFlightGauge.WithLabelValues(migration).Set(float64(n))
}

// Finalize counts a finalization attempt.
func Finalize(migration string, inline, ok bool) {
	mode := "wait"
	if inline {
		mode = "inline"
	}
	finalizeTotal.WithLabelValues(migration, mode, strconv.FormatBool(ok)).Inc()
}
