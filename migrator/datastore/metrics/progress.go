package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/labkit/errortracking"

	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/metrics"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

const (
	// Lock key for distributed coordination
	progressLockKey = "bbm:db:{metrics}:progress_lock"
)

var progressGauge *prometheus.GaugeVec

func init() {
	progressGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      "migration_progress_percent",
			Help:      "Background migration progress percentage (0-100).",
		},
		[]string{"migration_id", "migration_name", "status"},
	)
}

// ProgressExecutor returns the progress inputs of every migration.
type ProgressExecutor func(ctx context.Context) ([]*models.BackgroundMigrationProgress, error)

// ProgressCollector periodically exports migration progress. Only the instance holding the Redis lease collects, so
// the progress queries run once per interval across all workers.
type ProgressCollector struct {
	executor         ProgressExecutor
	locker           *redislock.Client
	leaseDuration    time.Duration
	interval         time.Duration
	metricsRegistrar *Registrar
	stopCh           chan struct{}
	wg               sync.WaitGroup
	logger           log.Logger
}

// ProgressOption configures ProgressCollector creation
type ProgressOption func(*ProgressCollector)

// WithProgressInterval sets the collection interval (default: 10s)
func WithProgressInterval(interval time.Duration) ProgressOption {
	return func(c *ProgressCollector) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithProgressLeaseDuration sets the distributed lock lease duration (default: 30s)
func WithProgressLeaseDuration(leaseDuration time.Duration) ProgressOption {
	return func(c *ProgressCollector) {
		if leaseDuration > 0 {
			c.leaseDuration = leaseDuration
		}
	}
}

// WithProgressLogger sets the logger.
func WithProgressLogger(l log.Logger) ProgressOption {
	return func(c *ProgressCollector) {
		c.logger = l
	}
}

// NewProgressCollector creates a new collector with defaults.
func NewProgressCollector(executor ProgressExecutor, redisClient redis.UniversalClient, opts ...ProgressOption) (*ProgressCollector, error) {
	c := &ProgressCollector{
		executor:         executor,
		locker:           redislock.New(redisClient),
		leaseDuration:    defaultLeaseDuration,
		interval:         defaultInterval,
		metricsRegistrar: NewRegistrar(progressGauge),
		stopCh:           make(chan struct{}),
		logger:           log.GetLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.leaseDuration <= c.interval {
		return nil, fmt.Errorf("progress metrics lease duration (%v) must be longer than interval (%v)", c.leaseDuration, c.interval)
	}

	return c, nil
}

// Start begins periodic collection.
func (c *ProgressCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.WithFields(log.Fields{
		"interval_s":       c.interval.Seconds(),
		"lease_duration_s": c.leaseDuration.Seconds(),
	}).Info("migration progress metrics collection started")
}

// Stop gracefully stops collection.
func (c *ProgressCollector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *ProgressCollector) run(ctx context.Context) {
	defer c.wg.Done()

	if err := c.metricsRegistrar.Register(); err != nil {
		c.logger.WithError(err).Error("failed to register migration progress metrics")
		errortracking.Capture(
			fmt.Errorf("progress metrics: failed to register metrics: %w", err),
			errortracking.WithContext(ctx),
			errortracking.WithStackTrace(),
		)
		return
	}
	defer c.metricsRegistrar.Unregister()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		lock, err := c.locker.Obtain(ctx, progressLockKey, c.leaseDuration, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) {
				c.logger.WithError(err).Error("failed to obtain progress metrics lock")
			}
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				continue
			}
		}

		c.logger.Info("obtained progress metrics lock")
		if stopped := c.lead(ctx, lock); stopped {
			return
		}
	}
}

// lead collects while the lease is held. It returns true when the collector was stopped.
func (c *ProgressCollector) lead(ctx context.Context, lock *redislock.Lock) bool {
	collectionTicker := time.NewTicker(c.interval)
	defer collectionTicker.Stop()
	lockRefreshTicker := time.NewTicker(c.leaseDuration / 2)
	defer lockRefreshTicker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-c.stopCh:
			if err := lock.Release(ctx); err != nil {
				c.logger.WithError(err).Error("failed to release progress metrics lock on stop")
			}
			return true
		case <-collectionTicker.C:
			c.collect(ctx)
		case <-lockRefreshTicker.C:
			if err := lock.Refresh(ctx, c.leaseDuration, nil); err != nil {
				c.logger.WithError(err).Error("failed to refresh progress metrics lock; releasing leadership")
				if err := lock.Release(ctx); err != nil {
					c.logger.WithError(err).Error("failed to release progress metrics lock after refresh failure")
				}
				return false
			}
		}
	}
}

func (c *ProgressCollector) collect(ctx context.Context) {
	progress, err := c.executor(ctx)
	if err != nil {
		c.logger.WithError(err).Error("failed to fetch migration progress")
		return
	}

	for _, p := range progress {
		c.logger.WithFields(log.Fields{
			"capped":            p.Capped,
			"migration_id":      p.MigrationID,
			"migration_name":    p.MigrationName,
			"migration_status":  p.Status,
			"succeeded_jobs":    p.SucceededJobs,
			"processed_tuples":  p.ProcessedTuples,
			"total_tuple_count": p.TotalTupleCount,
			"progress_percent":  p.Progress,
		}).Debug("migration progress")

		progressGauge.WithLabelValues(fmt.Sprint(p.MigrationID), p.MigrationName, p.Status).Set(p.Progress)
	}
}

// EstimateProgress derives a progress percentage from the number of processed tuples. It returns false when the
// total is unknown. Unfinished migrations are capped at 99.9 so that 100 is reserved for finished ones.
func EstimateProgress(total, processed int64, finished bool) (progress float64, ok, capped bool) {
	if finished {
		return 100, true, false
	}
	if total <= 0 {
		return 0, false, false
	}
	if processed > total {
		processed = total
	}
	progress = float64(processed) / float64(total) * 100
	if progress >= 100 {
		return 99.9, true, true
	}
	return progress, true, false
}
