// Package health decides whether the database can take background migration load.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/datastore"
)

const (
	// DefaultWALSegmentThreshold is the number of WAL segments pending archival above which the database is
	// considered under pressure.
	DefaultWALSegmentThreshold = 42
	// DefaultMaxXIDAge is the transaction id age above which wraparound vacuums are considered close.
	DefaultMaxXIDAge = 1_200_000_000
	// DefaultTimeout bounds the evaluation of each indicator.
	DefaultTimeout = 5 * time.Second

	indicatorKey = "health_indicator"
)

// Signal is a read-only snapshot taken by an indicator. Only the values the indicator measures are set.
type Signal struct {
	Indicator string `json:"indicator"`
	Healthy   bool   `json:"healthy"`
	Reason    string `json:"reason,omitempty"`

	PendingWALSegments int                        `json:"pending_wal_segments,omitempty"`
	XIDAge             int64                      `json:"xid_age,omitempty"`
	ReplicaLag         []datastore.ReplicaLagInfo `json:"replica_lag,omitempty"`
	Reachable          bool                       `json:"reachable,omitempty"`
}

// Indicator measures one aspect of the database health.
type Indicator interface {
	Name() string
	Evaluate(ctx context.Context) (Signal, error)
}

// Gate aggregates indicators. The database is healthy when every indicator is.
type Gate struct {
	indicators []Indicator
	timeout    time.Duration
	logger     log.Logger
}

// GateOption provides functional options for NewGate.
type GateOption func(*Gate)

// WithIndicators adds indicators to the gate.
func WithIndicators(indicators ...Indicator) GateOption {
	return func(g *Gate) {
		g.indicators = append(g.indicators, indicators...)
	}
}

// WithTimeout bounds the evaluation of each indicator.
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		g.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// NewGate creates a Gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = log.GetLogger()
	}
	g.logger = g.logger.WithFields(log.Fields{"component": "health.Gate"})
	return g
}

// Signals evaluates every indicator. An indicator that fails to evaluate yields an unhealthy signal.
func (g *Gate) Signals(ctx context.Context) ([]Signal, error) {
	var errs *multierror.Error
	signals := make([]Signal, 0, len(g.indicators))

	for _, ind := range g.indicators {
		ictx, cancel := context.WithTimeout(ctx, g.timeout)
		s, err := ind.Evaluate(ictx)
		cancel()
		if err != nil {
			s = Signal{Indicator: ind.Name(), Reason: err.Error()}
			errs = multierror.Append(errs, fmt.Errorf("evaluating %s: %w", ind.Name(), err))
		}
		s.Indicator = ind.Name()
		signals = append(signals, s)
	}

	return signals, errs.ErrorOrNil()
}

// IsHealthy reports whether background migrations may run. Indicator errors count as unhealthy.
func (g *Gate) IsHealthy(ctx context.Context) bool {
	signals, err := g.Signals(ctx)
	if err != nil {
		g.logger.WithError(err).Error("failed to evaluate database health")
	}

	healthy := true
	for _, s := range signals {
		if !s.Healthy {
			healthy = false
			g.logger.WithFields(log.Fields{indicatorKey: s.Indicator, "reason": s.Reason}).Warn("database health indicator is unhealthy")
		}
	}
	return healthy
}

// HealthCheck is a check function for /debug/health, failing when the gate is closed.
func (g *Gate) HealthCheck(ctx context.Context) error {
	signals, err := g.Signals(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, s := range signals {
		if !s.Healthy {
			errs = multierror.Append(errs, fmt.Errorf("%s: %s", s.Indicator, s.Reason))
		}
	}
	return errs.ErrorOrNil()
}

type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy(context.Context) bool { return true }

// AlwaysHealthy is a gate that never blocks.
var AlwaysHealthy = alwaysHealthy{}

// WALIndicator is unhealthy while more WAL segments than the threshold are pending archival. It is healthy when
// archiving is disabled.
type WALIndicator struct {
	DB        datastore.Queryer
	Threshold int
}

func (*WALIndicator) Name() string { return "wal" }

func (i *WALIndicator) Evaluate(ctx context.Context) (Signal, error) {
	threshold := i.Threshold
	if threshold <= 0 {
		threshold = DefaultWALSegmentThreshold
	}

	n, err := datastore.PendingWALCount(ctx, i.DB)
	if err != nil {
		return Signal{}, err
	}

	s := Signal{PendingWALSegments: n, Healthy: n <= threshold}
	if !s.Healthy {
		s.Reason = fmt.Sprintf("%d WAL segments pending archival, threshold is %d", n, threshold)
	}
	return s, nil
}

// XIDAgeIndicator is unhealthy while the transaction id age of the database is above the threshold.
type XIDAgeIndicator struct {
	DB     datastore.Queryer
	MaxAge int64
}

func (*XIDAgeIndicator) Name() string { return "xid_age" }

func (i *XIDAgeIndicator) Evaluate(ctx context.Context) (Signal, error) {
	maxAge := i.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxXIDAge
	}

	age, err := datastore.XIDAge(ctx, i.DB)
	if err != nil {
		return Signal{}, err
	}

	s := Signal{XIDAge: age, Healthy: age <= maxAge}
	if !s.Healthy {
		s.Reason = fmt.Sprintf("transaction id age is %d, threshold is %d", age, maxAge)
	}
	return s, nil
}

// ReplicationLagIndicator is unhealthy while a replica lags behind the primary by more than the tracker thresholds.
type ReplicationLagIndicator struct {
	Primary  datastore.Queryer
	Replicas []datastore.Handler
	Tracker  *datastore.ReplicaLagTracker
}

func (*ReplicationLagIndicator) Name() string { return "replication_lag" }

func (i *ReplicationLagIndicator) Evaluate(ctx context.Context) (Signal, error) {
	s := Signal{Healthy: true}
	if len(i.Replicas) == 0 {
		return s, nil
	}

	lsn, err := datastore.PrimaryLSN(ctx, i.Primary)
	if err != nil {
		return Signal{}, err
	}

	var lagging []string
	for _, r := range i.Replicas {
		info, err := i.Tracker.Check(ctx, lsn, r)
		if err != nil {
			return Signal{}, err
		}
		s.ReplicaLag = append(s.ReplicaLag, *info)
		if info.Lagging {
			lagging = append(lagging, fmt.Sprintf("%s (%s, %d bytes)", info.Address, info.TimeLag, info.BytesLag))
		}
	}

	if len(lagging) > 0 {
		s.Healthy = false
		s.Reason = fmt.Sprintf("replicas lagging: %v", lagging)
	}
	return s, nil
}

// DBStatusIndicator is unhealthy while the primary or a replica is unreachable.
type DBStatusIndicator struct {
	Checker *DBStatusChecker
}

func (*DBStatusIndicator) Name() string { return "db_status" }

func (i *DBStatusIndicator) Evaluate(context.Context) (Signal, error) {
	if i.Checker == nil {
		return Signal{}, errors.New("no database status checker")
	}
	if err := i.Checker.HealthCheck(); err != nil {
		return Signal{Reason: err.Error()}, nil
	}
	return Signal{Healthy: true, Reachable: true}, nil
}
