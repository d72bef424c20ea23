package migrator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/errortracking"
	logkit "gitlab.com/gitlab-org/labkit/log"

	"github.com/tigrisdata/bbm/configuration"
	"github.com/tigrisdata/bbm/health"
	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/bbm"
	"github.com/tigrisdata/bbm/migrator/datastore"
	dbmetrics "github.com/tigrisdata/bbm/migrator/datastore/metrics"
	iredis "github.com/tigrisdata/bbm/migrator/internal/redis"
	redismetrics "github.com/tigrisdata/bbm/migrator/internal/metrics/redis"
	"github.com/tigrisdata/bbm/notifications"
	"github.com/tigrisdata/bbm/version"
)

const (
	redisPingTimeout    = 1 * time.Second
	redisInstanceName   = "bbm"
	scheduleStateTTL    = 24 * time.Hour
	defaultFanoutTimout = 15 * time.Second
)

// App holds the dependencies shared by the worker process and the operator commands.
type App struct {
	Config *configuration.Configuration

	db       *datastore.DB
	replicas []*datastore.DB
	redis    redis.UniversalClient
	work     bbm.WorkMap

	listener    notifications.Listener
	broadcaster *notifications.Broadcaster
	gate        *health.Gate
	dbStatus    *health.DBStatusChecker
	progress    *dbmetrics.ProgressCollector

	logger log.Logger
}

// NewApp connects to the database, and to Redis when enabled, and builds the health gate and the notification
// pipeline described by config. Background goroutines started by the app stop when ctx is done.
func NewApp(ctx context.Context, config *configuration.Configuration, work bbm.WorkMap) (*App, error) {
	app := &App{
		Config:   config,
		work:     work,
		listener: notifications.DiscardListener,
		logger:   log.GetLogger(ctx),
	}

	db, err := dbFromConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to construct database connection: %w", err)
	}
	app.db = db

	for _, host := range config.Database.Replicas {
		r, err := replicaFromConfig(config, host)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("failed to construct replica connection to %q: %w", host, err)
		}
		app.replicas = append(app.replicas, r)
	}

	if config.Redis.Enabled {
		client, err := redisFromConfig(ctx, config.Redis, config.HTTP.Debug.Prometheus.Enabled)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("failed to configure Redis: %w", err)
		}
		app.redis = client
	}

	app.configureNotifications(config)
	app.configureHealth(ctx, config)

	if config.Database.Metrics.Enabled {
		if err := app.configureProgressMetrics(ctx, config); err != nil {
			_ = app.Close()
			return nil, err
		}
	}

	return app, nil
}

func (app *App) configureNotifications(config *configuration.Configuration) {
	var sinks []notifications.Sink
	for _, e := range config.Notifications.Endpoints {
		if e.Disabled {
			app.logger.WithFields(log.Fields{"endpoint": e.Name}).Info("endpoint disabled, skipping")
			continue
		}
		app.logger.WithFields(log.Fields{"endpoint": e.Name, "url": e.URL}).Info("configuring endpoint")
		sinks = append(sinks, notifications.NewEndpoint(e.Name, e.URL, notifications.NewEndpointConfig(e)))
	}
	if len(sinks) == 0 {
		return
	}

	timeout := config.Notifications.FanoutTimeout
	if timeout <= 0 {
		timeout = defaultFanoutTimout
	}
	app.broadcaster = notifications.NewBroadcaster(timeout, sinks...)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = config.HTTP.Debug.Addr
	} else if _, port, err := net.SplitHostPort(config.HTTP.Debug.Addr); err == nil {
		hostname = net.JoinHostPort(hostname, port)
	}
	app.listener = notifications.NewBridge(app.broadcaster, notifications.SourceRecord{
		Addr:       hostname,
		InstanceID: uuid.NewString(),
	})
}

func (app *App) configureHealth(ctx context.Context, config *configuration.Configuration) {
	tracker := datastore.NewReplicaLagTracker(
		datastore.WithMaxReplicaLag(config.Health.MaxReplicaLagTime, config.Health.MaxReplicaLagBytes),
		datastore.WithLagCheckTimeout(config.Health.Timeout),
	)

	app.dbStatus = health.NewDBStatusChecker(
		&health.DBCluster{PrimaryDB: app.db, ReplicaDBs: app.replicas, Lag: tracker},
		config.Health.Interval,
		config.Health.Timeout,
		app.logger,
	)
	app.dbStatus.Start(ctx)

	replicas := make([]datastore.Handler, 0, len(app.replicas))
	for _, r := range app.replicas {
		replicas = append(replicas, r)
	}
	app.gate = health.NewGate(
		health.WithIndicators(
			&health.DBStatusIndicator{Checker: app.dbStatus},
			&health.WALIndicator{DB: app.db, Threshold: config.Health.WALSegmentThreshold},
			&health.XIDAgeIndicator{DB: app.db, MaxAge: config.Health.MaxXIDAge},
			&health.ReplicationLagIndicator{Primary: app.db, Replicas: replicas, Tracker: tracker},
		),
		health.WithTimeout(config.Health.Timeout),
		health.WithLogger(app.logger),
	)
}

func (app *App) configureProgressMetrics(ctx context.Context, config *configuration.Configuration) error {
	if app.redis == nil {
		app.logger.Warn("database metrics require Redis, progress metrics are disabled")
		return nil
	}

	store := datastore.NewBackgroundMigrationStore(app.db)
	c, err := dbmetrics.NewProgressCollector(
		store.Progress,
		app.redis,
		dbmetrics.WithProgressInterval(config.Database.Metrics.Interval),
		dbmetrics.WithProgressLeaseDuration(config.Database.Metrics.LeaseDuration),
		dbmetrics.WithProgressLogger(app.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to configure progress metrics: %w", err)
	}
	c.Start(ctx)
	app.progress = c
	return nil
}

// DB returns the primary database.
func (app *App) DB() *datastore.DB {
	return app.db
}

// Gate returns the health gate consulted before each scheduler tick.
func (app *App) Gate() bbm.HealthGate {
	if app.Config.Health.Disabled {
		return health.AlwaysHealthy
	}
	return app.gate
}

func (app *App) scheduleStore() bbm.ScheduleStateStore {
	if app.redis == nil {
		return bbm.NewMemoryScheduleStore()
	}
	return bbm.NewRedisScheduleStore(iredis.NewCache(app.redis, iredis.WithDefaultTTL(scheduleStateTTL)))
}

func (app *App) locker() bbm.Locker {
	if app.redis == nil {
		return bbm.NewAdvisoryLocker(app.db)
	}
	return bbm.NewRedisLocker(app.redis)
}

// Manager builds a Manager whose defaults and retry policy come from the configuration.
func (app *App) Manager() *bbm.Manager {
	c := app.Config.Database.BackgroundMigrations
	return bbm.NewManager(app.db, app.work,
		bbm.WithQueueDefaults(queueDefaults(c)),
		bbm.WithManagerScheduleStore(app.scheduleStore()),
		bbm.WithManagerListener(app.listener),
		bbm.WithManagerLogger(app.logger),
		bbm.WithFinalizerOptions(
			bbm.WithFinalizerExecutorOptions(executorOptions(c, app.logger)...),
		),
	)
}

// Worker builds the scheduler worker.
func (app *App) Worker() *bbm.Worker {
	c := app.Config.Database.BackgroundMigrations
	return bbm.NewWorker(app.db, app.work,
		bbm.WithPollInterval(c.PollInterval),
		bbm.WithJobInterval(c.JobInterval),
		bbm.WithMinJobInterval(c.MinJobInterval),
		bbm.WithMaxJobAttempt(c.MaxJobRetries),
		bbm.WithMaxInFlight(c.MaxInFlight),
		bbm.WithDispatchRate(c.DispatchRate),
		bbm.WithStaleJobTimeout(c.StaleJobTimeout),
		bbm.WithExecutorOptions(executorOptions(c, app.logger)...),
		bbm.WithScheduleStore(app.scheduleStore()),
		bbm.WithHealthGate(app.Gate()),
		bbm.WithLocker(app.locker()),
		bbm.WithListener(app.listener),
		bbm.WithLogger(app.logger),
	)
}

// Close releases every connection held by the app. Buffered notifications are delivered first.
func (app *App) Close() error {
	var errs *multierror.Error

	if app.progress != nil {
		app.progress.Stop()
	}
	if app.broadcaster != nil {
		if err := app.broadcaster.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing notifications broadcaster: %w", err))
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing redis client: %w", err))
		}
	}
	for _, r := range app.replicas {
		if err := r.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing replica connection: %w", err))
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing database connection: %w", err))
		}
	}

	return errs.ErrorOrNil()
}

func queueDefaults(c configuration.BackgroundMigrations) bbm.QueueDefaults {
	return bbm.QueueDefaults{
		BatchSize:      c.BatchSize,
		SubBatchSize:   c.SubBatchSize,
		MinBatchSize:   c.MinBatchSize,
		MaxBatchSize:   c.MaxBatchSize,
		JobInterval:    c.JobInterval,
		MinJobInterval: c.MinJobInterval,
		MaxAttempts:    c.MaxJobRetries,
		Pause:          c.Pause,
		TargetDuration: c.TargetDuration,
	}
}

func executorOptions(c configuration.BackgroundMigrations, l log.Logger) []bbm.ExecutorOption {
	return []bbm.ExecutorOption{
		bbm.WithStatementTimeout(c.StatementTimeout),
		bbm.WithExecutorLogger(l),
	}
}

// configureLogging prepares the context with a logger using the configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	// LabKit uses ISO 8601 timestamps with millisecond precision when this is set, instead of RFC3339.
	envVar := "GITLAB_ISO8601_LOG_TIMESTAMP"
	if err := os.Setenv(envVar, "true"); err != nil {
		return nil, fmt.Errorf("unable to set environment variable %q: %w", envVar, err)
	}

	// we never log to a file, the returned io.Closer is a noop
	if _, err := logkit.Initialize(
		logkit.WithFormatter(config.Log.Formatter.String()),
		logkit.WithLogLevel(config.Log.Level.String()),
		logkit.WithOutputName(config.Log.Output.String()),
	); err != nil {
		return nil, err
	}

	l := log.GetLogger(ctx).WithFields(log.Fields{"version": version.Version})
	if len(config.Log.Fields) > 0 {
		l = l.WithFields(config.Log.Fields)
	}
	log.SetDefault(l)

	return log.WithLogger(ctx, l), nil
}

func configureReporting(config *configuration.Configuration) error {
	if !config.Reporting.Sentry.Enabled {
		return nil
	}

	if err := errortracking.Initialize(
		errortracking.WithSentryDSN(config.Reporting.Sentry.DSN),
		errortracking.WithSentryEnvironment(config.Reporting.Sentry.Environment),
		errortracking.WithVersion(version.Version),
	); err != nil {
		return fmt.Errorf("failed to configure Sentry: %w", err)
	}
	return nil
}

func dsnFromConfig(config *configuration.Configuration) *datastore.DSN {
	return &datastore.DSN{
		Host:           config.Database.Host,
		Port:           config.Database.Port,
		User:           config.Database.User,
		Password:       config.Database.Password,
		DBName:         config.Database.DBName,
		SSLMode:        config.Database.SSLMode,
		SSLCert:        config.Database.SSLCert,
		SSLKey:         config.Database.SSLKey,
		SSLRootCert:    config.Database.SSLRootCert,
		ConnectTimeout: config.Database.ConnectTimeout,
	}
}

func dbOptions(config *configuration.Configuration) []datastore.Option {
	lvl, err := logrus.ParseLevel(config.Log.Level.String())
	if err != nil {
		lvl = logrus.InfoLevel
	}

	return []datastore.Option{
		datastore.WithLogger(logrus.WithFields(logrus.Fields{"database": config.Database.DBName})),
		datastore.WithLogLevel(lvl),
		datastore.WithPoolConfig(&datastore.PoolConfig{
			MaxIdle:     config.Database.Pool.MaxIdle,
			MaxOpen:     config.Database.Pool.MaxOpen,
			MaxLifetime: config.Database.Pool.MaxLifetime,
			MaxIdleTime: config.Database.Pool.MaxIdleTime,
		}),
	}
}

func dbFromConfig(config *configuration.Configuration) (*datastore.DB, error) {
	return datastore.Open(dsnFromConfig(config), dbOptions(config)...)
}

// replicaFromConfig connects to a replica. host is either a hostname, using the primary port, or a host:port pair.
func replicaFromConfig(config *configuration.Configuration, host string) (*datastore.DB, error) {
	dsn := dsnFromConfig(config)
	dsn.Host = host
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid replica port %q: %w", p, err)
		}
		dsn.Host, dsn.Port = h, port
	}
	return datastore.Open(dsn, dbOptions(config)...)
}

// migrationDBFromConfig returns a DB instance specifically configured for running schema migrations. It uses a single
// connection and fails when the database version is not supported.
func migrationDBFromConfig(config *configuration.Configuration) (*datastore.DB, error) {
	// copy so the caller's pool settings are untouched
	c := *config
	c.Database.Pool.MaxOpen = 1

	db, err := dbFromConfig(&c)
	if err != nil {
		return nil, err
	}

	supported, err := datastore.IsDBSupported(context.Background(), db)
	if err != nil {
		_ = db.Close()
		log.GetLogger().WithError(err).Error("could not check whether database version is supported")
		return nil, err
	}
	if !supported {
		_ = db.Close()
		return nil, errors.New("the database version is lower than the minimal supported version 15")
	}

	return db, nil
}

func redisFromConfig(ctx context.Context, config configuration.Redis, metricsEnabled bool) (redis.UniversalClient, error) {
	opts := &redis.UniversalOptions{
		Addrs:           strings.Split(config.Addr, ","),
		DB:              config.DB,
		Username:        config.Username,
		Password:        config.Password,
		DialTimeout:     config.DialTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		PoolSize:        config.Pool.Size,
		ConnMaxLifetime: config.Pool.MaxLifetime,
		MasterName:      config.MainName,
	}
	if config.TLS.Enabled {
		opts.TLSConfig = &tls.Config{
			// nolint: gosec // used for development purposes only
			InsecureSkipVerify: config.TLS.Insecure,
		}
	}
	if config.Pool.IdleTimeout > 0 {
		opts.ConnMaxIdleTime = config.Pool.IdleTimeout
	}

	// returns a single, cluster or sentinel client depending on the options
	client := redis.NewUniversalClient(opts)

	if metricsEnabled {
		if err := redismetrics.InstrumentClient(
			client,
			redismetrics.WithInstanceName(redisInstanceName),
			redismetrics.WithMaxConns(opts.PoolSize),
		); err != nil {
			log.GetLogger(ctx).WithError(err).Warn("failed to register redis pool metrics")
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if cmd := client.Ping(pingCtx); cmd.Err() != nil {
		_ = client.Close()
		return nil, cmd.Err()
	}

	return client, nil
}

// validate reports every invalid setting of config at once.
func validate(config *configuration.Configuration) error {
	var errs *multierror.Error

	if config.Database.Host == "" {
		errs = multierror.Append(errs, errors.New("'database.host' is required"))
	}
	if config.Database.DBName == "" {
		errs = multierror.Append(errs, errors.New("'database.dbname' is required"))
	}

	bm := config.Database.BackgroundMigrations
	if bm.MaxJobRetries < 0 || bm.MaxJobRetries > 10 {
		errs = multierror.Append(errs, fmt.Errorf("'database.backgroundmigrations.maxjobretries' must be between 0 and 10, got %d", bm.MaxJobRetries))
	}
	if bm.MaxInFlight < 0 {
		errs = multierror.Append(errs, fmt.Errorf("'database.backgroundmigrations.maxinflight' must not be negative, got %d", bm.MaxInFlight))
	}
	if bm.DispatchRate < 0 {
		errs = multierror.Append(errs, fmt.Errorf("'database.backgroundmigrations.dispatchrate' must not be negative, got %v", bm.DispatchRate))
	}
	if bm.MinBatchSize > 0 && bm.MaxBatchSize > 0 && bm.MinBatchSize > bm.MaxBatchSize {
		errs = multierror.Append(errs, fmt.Errorf(
			"'database.backgroundmigrations.minbatchsize' (%d) must not exceed 'database.backgroundmigrations.maxbatchsize' (%d)",
			bm.MinBatchSize, bm.MaxBatchSize,
		))
	}
	if bm.SubBatchSize > 0 && bm.BatchSize > 0 && bm.SubBatchSize > bm.BatchSize {
		errs = multierror.Append(errs, fmt.Errorf(
			"'database.backgroundmigrations.subbatchsize' (%d) must not exceed 'database.backgroundmigrations.batchsize' (%d)",
			bm.SubBatchSize, bm.BatchSize,
		))
	}

	if config.Redis.Enabled && config.Redis.Addr == "" {
		errs = multierror.Append(errs, errors.New("'redis.addr' is required when redis is enabled"))
	}
	if config.Reporting.Sentry.Enabled && config.Reporting.Sentry.DSN == "" {
		errs = multierror.Append(errs, errors.New("'reporting.sentry.dsn' is required when sentry is enabled"))
	}

	for _, e := range config.Notifications.Endpoints {
		if !e.Disabled && e.URL == "" {
			errs = multierror.Append(errs, fmt.Errorf("notification endpoint %q has no url", e.Name))
		}
	}

	return errs.ErrorOrNil()
}
