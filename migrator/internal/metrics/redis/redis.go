// Package redis exports the connection pool statistics of Redis clients as Prometheus metrics.
package redis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tigrisdata/bbm/metrics"
)

const (
	subSystem           = "redis"
	defaultInstanceName = "unnamed"

	hitsName       = "pool_stats_hits"
	missesName     = "pool_stats_misses"
	timeoutsName   = "pool_stats_timeouts"
	totalConnsName = "pool_stats_total_conns"
	idleConnsName  = "pool_stats_idle_conns"
	staleConnsName = "pool_stats_stale_conns"
	maxConnsName   = "pool_stats_max_conns"

	hitsDesc       = "The number of times a free connection was found in the pool."
	missesDesc     = "The number of times a free connection was not found in the pool."
	timeoutsDesc   = "The number of times a wait timeout occurred."
	totalConnsDesc = "The total number of connections in the pool."
	idleConnsDesc  = "The number of idle connections in the pool."
	staleConnsDesc = "The number of stale connections removed from the pool."
	maxConnsDesc   = "The maximum number of connections in the pool."
)

// PoolStatsGetter is implemented by every go-redis client.
type PoolStatsGetter interface {
	PoolStats() *redis.PoolStats
}

var _ PoolStatsGetter = (*redis.Client)(nil)

type options struct {
	instanceName string
	maxConns     int
}

// Option customizes the exported metrics.
type Option func(*options)

// WithInstanceName sets the `instance` label of every metric.
func WithInstanceName(name string) Option {
	return func(o *options) {
		o.instanceName = name
	}
}

// WithMaxConns reports the configured pool size. redis.PoolStats does not expose it.
func WithMaxConns(n int) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

type gauge struct {
	desc  *prometheus.Desc
	value func(*redis.PoolStats) float64
}

type poolStatsCollector struct {
	client PoolStatsGetter
	gauges []gauge
}

// NewPoolStatsCollector returns a prometheus.Collector reading the pool statistics of client on every scrape.
func NewPoolStatsCollector(client PoolStatsGetter, opts ...Option) prometheus.Collector {
	o := &options{instanceName: defaultInstanceName}
	for _, opt := range opts {
		opt(o)
	}

	labels := prometheus.Labels{"instance": o.instanceName}
	newDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metrics.NamespacePrefix, subSystem, name), help, nil, labels)
	}
	maxConns := float64(o.maxConns)

	return &poolStatsCollector{
		client: client,
		gauges: []gauge{
			{newDesc(hitsName, hitsDesc), func(s *redis.PoolStats) float64 { return float64(s.Hits) }},
			{newDesc(missesName, missesDesc), func(s *redis.PoolStats) float64 { return float64(s.Misses) }},
			{newDesc(timeoutsName, timeoutsDesc), func(s *redis.PoolStats) float64 { return float64(s.Timeouts) }},
			{newDesc(totalConnsName, totalConnsDesc), func(s *redis.PoolStats) float64 { return float64(s.TotalConns) }},
			{newDesc(idleConnsName, idleConnsDesc), func(s *redis.PoolStats) float64 { return float64(s.IdleConns) }},
			{newDesc(staleConnsName, staleConnsDesc), func(s *redis.PoolStats) float64 { return float64(s.StaleConns) }},
			{newDesc(maxConnsName, maxConnsDesc), func(*redis.PoolStats) float64 { return maxConns }},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *poolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

// Collect implements prometheus.Collector.
func (c *poolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.client.PoolStats()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value(stats))
	}
}

// InstrumentClient registers the pool statistics collector of client with the default registry.
func InstrumentClient(client PoolStatsGetter, opts ...Option) error {
	return prometheus.Register(NewPoolStatsCollector(client, opts...))
}
