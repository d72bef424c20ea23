package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tigrisdata/bbm/metrics"
)

var (
	queryDurationHist *prometheus.HistogramVec
	queryTotal        *prometheus.CounterVec
	queryErrors       *prometheus.CounterVec
	replicaLagBytes   *prometheus.GaugeVec
	replicaLagSeconds *prometheus.GaugeVec
	pendingWALGauge   prometheus.Gauge
	xidAgeGauge       prometheus.Gauge
	timeSince         = time.Since // for test purposes only
)

const (
	subsystem      = "database"
	queryNameLabel = "name"
	codeLabel      = "code"
	replicaLabel   = "replica"

	queryDurationName = "query_duration_seconds"
	queryDurationDesc = "A histogram of latencies for database queries."

	queryTotalName = "queries_total"
	queryTotalDesc = "A counter for database queries."

	queryErrorsName = "query_errors_total"
	queryErrorsDesc = "A counter for failed database queries by Postgres error code."

	replicaLagBytesName   = "replica_lag_bytes"
	replicaLagBytesDesc   = "A gauge for the replication lag in bytes for each replica."
	replicaLagSecondsName = "replica_lag_seconds"
	replicaLagSecondsDesc = "A gauge for the replication lag in seconds for each replica."

	pendingWALName = "pending_wal_segments"
	pendingWALDesc = "A gauge for the number of WAL segments pending archival."

	xidAgeName = "xid_age"
	xidAgeDesc = "A gauge for the age of the oldest unfrozen transaction id of the database."

	defaultInterval      = 10 * time.Second
	defaultLeaseDuration = 30 * time.Second
	lockRetryInterval    = 15 * time.Second
)

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

func registerMetrics(registerer prometheus.Registerer) {
	queryDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryDurationName,
			Help:      queryDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{queryNameLabel},
	)

	queryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryTotalName,
			Help:      queryTotalDesc,
		},
		[]string{queryNameLabel},
	)

	queryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryErrorsName,
			Help:      queryErrorsDesc,
		},
		[]string{codeLabel},
	)

	replicaLagBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      replicaLagBytesName,
			Help:      replicaLagBytesDesc,
		},
		[]string{replicaLabel},
	)

	replicaLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      replicaLagSecondsName,
			Help:      replicaLagSecondsDesc,
		},
		[]string{replicaLabel},
	)

	pendingWALGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      pendingWALName,
			Help:      pendingWALDesc,
		},
	)

	xidAgeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      xidAgeName,
			Help:      xidAgeDesc,
		},
	)

	registerer.MustRegister(queryDurationHist)
	registerer.MustRegister(queryTotal)
	registerer.MustRegister(queryErrors)
	registerer.MustRegister(replicaLagBytes)
	registerer.MustRegister(replicaLagSeconds)
	registerer.MustRegister(pendingWALGauge)
	registerer.MustRegister(xidAgeGauge)
}

// InstrumentQuery starts timing a named query. The returned function records the query when called.
func InstrumentQuery(name string) func() {
	start := time.Now()
	return func() {
		queryTotal.WithLabelValues(name).Inc()
		queryDurationHist.WithLabelValues(name).Observe(timeSince(start).Seconds())
	}
}

// QueryError counts a failed query by its Postgres error code. Errors without a code are counted as "unknown".
func QueryError(code string) {
	if code == "" {
		code = "unknown"
	}
	queryErrors.WithLabelValues(code).Inc()
}

// ReplicaLag records the lag of a replica.
func ReplicaLag(replicaAddr string, lag time.Duration, bytes int64) {
	replicaLagSeconds.WithLabelValues(replicaAddr).Set(lag.Seconds())
	replicaLagBytes.WithLabelValues(replicaAddr).Set(float64(bytes))
}

// PendingWALSegments records the number of WAL segments waiting to be archived.
func PendingWALSegments(n int) {
	pendingWALGauge.Set(float64(n))
}

// XIDAge records the transaction id age of the database.
func XIDAge(age int64) {
	xidAgeGauge.Set(float64(age))
}

// Registrar manages dynamic registration/deregistration of Prometheus collectors.
//
// The Registrar keeps track of whether its collector is registered. All registration operations for a collector
// managed by a Registrar should go through that Registrar instance.
type Registrar struct {
	collector  prometheus.Collector
	registered bool
	mu         sync.Mutex
}

// NewRegistrar creates a new registrar for any Prometheus collector
func NewRegistrar(collector prometheus.Collector) *Registrar {
	return &Registrar{collector: collector}
}

// Register registers the collector with Prometheus
func (r *Registrar) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	if err := prometheus.Register(r.collector); err != nil {
		var alreadyRegisteredErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegisteredErr) {
			r.registered = true
			return nil
		}
		return fmt.Errorf("failed to register metrics collector: %w", err)
	}

	r.registered = true
	return nil
}

// Unregister removes the collector from Prometheus
func (r *Registrar) Unregister() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return
	}

	prometheus.Unregister(r.collector)
	r.registered = false
}

// IsRegistered returns whether the collector is currently registered
func (r *Registrar) IsRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}
