package configuration

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the batched background migration configuration, intended to be provided by a yaml file, and
// optionally modified by environment variables.
//
// Note that yaml field names should never include _ characters, since this is the separator used
// in environment variable names.
type Configuration struct {
	// Log supports setting various parameters related to the logging
	// subsystem.
	Log struct {
		// Level is the granularity at which operations are logged.
		// Options include "error", "warn", "info", "debug" and "trace". The
		// default is "info".
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter sets the format of logging output. Options include "text" and "json". The default is "json".
		Formatter logFormat `yaml:"formatter,omitempty"`

		// Output sets the output destination. Options include "stderr" and
		// "stdout". The default is "stdout".
		Output logOutput `yaml:"output,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]any `yaml:"fields,omitempty"`
	} `yaml:"log,omitempty"`

	// Database is the configuration for the database holding the migration records and the target tables.
	Database Database `yaml:"database"`

	// Health configures the signals consulted by the health gate before each scheduler tick.
	Health Health `yaml:"health,omitempty"`

	// Redis configures the redis instance used for the distributed schedule state and leases.
	Redis Redis `yaml:"redis,omitempty"`

	// Reporting is the configuration for error reporting
	Reporting Reporting `yaml:"reporting,omitempty"`

	// HTTP configures the debug server exposing metrics and health.
	HTTP struct {
		Debug struct {
			// Addr specifies the bind address for the debug server.
			Addr string `yaml:"addr,omitempty"`
			// Prometheus configures the Prometheus telemetry endpoint.
			Prometheus struct {
				Enabled bool   `yaml:"enabled,omitempty"`
				Path    string `yaml:"path,omitempty"`
			} `yaml:"prometheus,omitempty"`
		} `yaml:"debug,omitempty"`
	} `yaml:"http,omitempty"`

	// Notifications specifies configuration about various endpoint to which
	// migration lifecycle events are dispatched.
	Notifications Notifications `yaml:"notifications,omitempty"`
}

// Database is the configuration for the database.
type Database struct {
	// Host is the database server hostname
	Host string `yaml:"host"`
	// Port is the database server port
	Port int `yaml:"port"`
	// User is the database username
	User string `yaml:"user"`
	// Password is the database password
	Password string `yaml:"password"`
	// DBName is the database name
	DBName string `yaml:"dbname"`
	// SSLMode is the SSL mode:
	// https://www.postgresql.org/docs/current/libpq-ssl.html#LIBPQ-SSL-SSLMODE-STATEMENTS
	SSLMode string `yaml:"sslmode"`
	// SSLCert is the PEM encoded certificate file path.
	SSLCert string `yaml:"sslcert"`
	// SSLKey is the PEM encoded key file path.
	SSLKey string `yaml:"sslkey"`
	// SSLRootCert is the PEM encoded root certificate file path.
	SSLRootCert string `yaml:"sslrootcert"`
	// Pool configures the behavior of the database connection pool.
	Pool struct {
		// MaxIdle sets the maximum number of connections in the idle connection pool. Defaults to 0 (no idle
		// connections).
		MaxIdle int `yaml:"maxidle,omitempty"`
		// MaxOpen sets the maximum number of open connections to the database. Defaults to 0 (unlimited).
		MaxOpen int `yaml:"maxopen,omitempty"`
		// MaxLifetime sets the maximum amount of time a connection may be reused. Defaults to 0 (unlimited).
		MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
		// MaxIdleTime is the maximum amount of time a connection may be idle. Defaults to 0 (unlimited).
		MaxIdleTime time.Duration `yaml:"maxidletime,omitempty"`
	} `yaml:"pool,omitempty"`
	// ConnectTimeout is the maximum time to wait for a connection. Zero or not specified means waiting
	// indefinitely.
	ConnectTimeout time.Duration `yaml:"connecttimeout,omitempty"`
	// Replicas is a list of read replica hosts whose replication lag is checked by the health gate.
	Replicas []string `yaml:"replicas,omitempty"`
	// BackgroundMigrations configures the batched background migration scheduler and executor.
	BackgroundMigrations BackgroundMigrations `yaml:"backgroundmigrations,omitempty"`
	// Metrics configures database metrics collection
	Metrics DatabaseMetrics `yaml:"metrics,omitempty"`
}

// BackgroundMigrations represents the configuration for the batched background migrations.
type BackgroundMigrations struct {
	// Enabled can be used to enable or bypass the asynchronous batched background migration worker.
	Enabled bool `yaml:"enabled"`
	// MaxJobRetries is the maximum number of times a batch is tried before it is marked as failed (defaults to 3).
	MaxJobRetries int `yaml:"maxjobretries,omitempty"`
	// JobInterval is the default interval between two ticks of the same migration (defaults to `2m`).
	JobInterval time.Duration `yaml:"jobinterval,omitempty"`
	// MinJobInterval is the lower bound applied to per migration intervals when queueing (defaults to `2m`).
	MinJobInterval time.Duration `yaml:"minjobinterval,omitempty"`
	// PollInterval is the duration the worker waits between checks for migrations that are due (defaults to `10s`).
	PollInterval time.Duration `yaml:"pollinterval,omitempty"`
	// MaxInFlight caps the number of batches executing concurrently in this process (defaults to 4).
	MaxInFlight int `yaml:"maxinflight,omitempty"`
	// BatchSize is the default number of rows per batch (defaults to 1000).
	BatchSize int `yaml:"batchsize,omitempty"`
	// SubBatchSize is the default number of rows per chunk inside a batch (defaults to 100).
	SubBatchSize int `yaml:"subbatchsize,omitempty"`
	// MinBatchSize is the lower bound for adaptive batch sizing (defaults to 100).
	MinBatchSize int `yaml:"minbatchsize,omitempty"`
	// MaxBatchSize is the upper bound for adaptive batch sizing (defaults to 10 times BatchSize).
	MaxBatchSize int `yaml:"maxbatchsize,omitempty"`
	// TargetDuration is the execution time budget per batch used for adaptive sizing (defaults to `500ms`).
	TargetDuration time.Duration `yaml:"targetduration,omitempty"`
	// Pause is the pause between two chunks of the same batch (defaults to `100ms`).
	Pause time.Duration `yaml:"pause,omitempty"`
	// StatementTimeout bounds every chunk statement (defaults to `15s`).
	StatementTimeout time.Duration `yaml:"statementtimeout,omitempty"`
	// DispatchRate limits how many batches per second the worker dispatches. Zero means unlimited.
	DispatchRate float64 `yaml:"dispatchrate,omitempty"`
	// StaleJobTimeout is the age after which a running batch is considered abandoned and requeued (defaults to `10m`).
	StaleJobTimeout time.Duration `yaml:"stalejobtimeout,omitempty"`
}

// DatabaseMetrics configures database metrics collection
type DatabaseMetrics struct {
	// Enabled can be used to enable or disable database metrics collection. Defaults to false.
	Enabled bool `yaml:"enabled,omitempty"`
	// Interval is the duration between metrics collection runs. If not set or zero, uses the default from the metrics
	// package (10s).
	Interval time.Duration `yaml:"interval,omitempty"`
	// LeaseDuration is the duration of the distributed lock lease. If not set or zero, uses the default from the
	// metrics package (30s).
	LeaseDuration time.Duration `yaml:"leaseduration,omitempty"`
}

// Health configures the health gate indicators.
type Health struct {
	// Disabled turns the health gate off, every tick is then considered healthy.
	Disabled bool `yaml:"disabled,omitempty"`
	// Interval is the duration in between database reachability checks.
	Interval time.Duration `yaml:"interval,omitempty"`
	// Timeout is the duration to wait before timing out a health query.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// WALSegmentThreshold is the number of WAL segments pending archival above which ticks are skipped.
	WALSegmentThreshold int `yaml:"walsegmentthreshold,omitempty"`
	// MaxReplicaLagTime is the replication lag above which ticks are skipped.
	MaxReplicaLagTime time.Duration `yaml:"maxreplicalagtime,omitempty"`
	// MaxReplicaLagBytes is the replication lag in bytes above which ticks are skipped.
	MaxReplicaLagBytes int64 `yaml:"maxreplicalagbytes,omitempty"`
	// MaxXIDAge is the transaction id age of the database above which ticks are skipped.
	MaxXIDAge int64 `yaml:"maxxidage,omitempty"`
}

// RedisPool configures the behavior of the redis connection pool.
type RedisPool struct {
	// Size is the maximum number of socket connections. Default is 10 connections.
	Size int `yaml:"size,omitempty"`
	// MaxLifetime is the connection age at which client retires a connection. Default is to not close aged
	// connections.
	MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
	// IdleTimeout sets the amount time to wait before closing inactive connections.
	IdleTimeout time.Duration `yaml:"idletimeout,omitempty"`
}

// RedisTLS configures TLS connections to Redis.
type RedisTLS struct {
	// Enabled enables TLS when connecting to the server.
	Enabled bool `yaml:"enabled,omitempty"`
	// Insecure disables server name verification when connecting over TLS.
	Insecure bool `yaml:"insecure,omitempty"`
}

// Redis configures the redis connection.
type Redis struct {
	// Enabled is a simple toggle for the Redis connection. Defaults to false.
	Enabled bool `yaml:"enabled,omitempty"`
	// Addr specifies the redis instance available to the application. For Sentinel, it should be a list of
	// addresses separated by commas.
	Addr string `yaml:"addr,omitempty"`
	// MainName specifies the main server name. Only for Sentinel connections.
	MainName string `yaml:"mainname,omitempty"`
	// Username string to connect as to the Redis instance or cluster.
	Username string `yaml:"username,omitempty"`
	// Password string to use when making a connection.
	Password string `yaml:"password,omitempty"`
	// DB specifies the database to connect to on the redis instance.
	DB int `yaml:"db,omitempty"`
	// DialTimeout is the timeout for establishing connections.
	DialTimeout time.Duration `yaml:"dialtimeout,omitempty"`
	// ReadTimeout is the timeout for reading data.
	ReadTimeout time.Duration `yaml:"readtimeout,omitempty"`
	// WriteTimeout is the timeout for writing data.
	WriteTimeout time.Duration `yaml:"writetimeout,omitempty"`
	// TLS specifies settings for TLS connections.
	TLS RedisTLS `yaml:"tls,omitempty"`
	// Pool configures the behavior of the redis connection pool.
	Pool RedisPool `yaml:"pool,omitempty"`
}

// Reporting defines error reporting methods.
type Reporting struct {
	// Sentry configures error reporting for Sentry (sentry.io).
	Sentry SentryReporting `yaml:"sentry,omitempty"`
}

// SentryReporting configures error reporting for Sentry (sentry.io).
type SentryReporting struct {
	// Enabled can be set to `true` to enable the Sentry error reporting.
	Enabled bool `yaml:"enabled,omitempty"`
	// DSN is the Sentry DSN.
	DSN string `yaml:"dsn,omitempty"`
	// Environment is the Sentry environment.
	Environment string `yaml:"environment,omitempty"`
}

// Notifications configures multiple http endpoints.
type Notifications struct {
	// FanoutTimeout is the maximum amount of time spent fanning out lifecycle events to endpoints on shutdown.
	FanoutTimeout time.Duration `yaml:"fanouttimeout,omitempty"`
	// Endpoints is a list of http configurations for endpoints that
	// respond to webhook notifications.
	Endpoints []Endpoint `yaml:"endpoints,omitempty"`
}

// Endpoint describes the configuration of an http webhook notification
// endpoint.
type Endpoint struct {
	Name              string        `yaml:"name"`              // identifies the endpoint
	Disabled          bool          `yaml:"disabled"`          // disables the endpoint
	URL               string        `yaml:"url"`               // post url for the endpoint.
	Headers           http.Header   `yaml:"headers"`           // static headers that should be added to all requests
	Timeout           time.Duration `yaml:"timeout"`           // HTTP timeout
	MaxRetries        int           `yaml:"maxretries"`        // maximum number of times to retry sending a failed event
	Backoff           time.Duration `yaml:"backoff"`           // backoff duration
	Ignore            Ignore        `yaml:"ignore"`            // ignore event types
	QueuePurgeTimeout time.Duration `yaml:"queuepurgetimeout"` // time spent delivering buffered events on shutdown
	QueueSizeLimit    int           `yaml:"queuesizelimit"`    // the maximum size of the notifications queue
}

// Ignore configures actions of the event that won't be propagated
type Ignore struct {
	Actions []string `yaml:"actions"` // ignore action types
}

// Loglevel is the level at which operations are logged. This can be "error", "warn", "info", "debug" or "trace".
type Loglevel string

const (
	LogLevelError   Loglevel = "error"
	LogLevelWarn    Loglevel = "warn"
	LogLevelInfo    Loglevel = "info"
	LogLevelDebug   Loglevel = "debug"
	LogLevelTrace   Loglevel = "trace"
	defaultLogLevel          = LogLevelInfo
)

var logLevels = []Loglevel{
	LogLevelError,
	LogLevelWarn,
	LogLevelInfo,
	LogLevelDebug,
	LogLevelTrace,
}

// String implements the Stringer interface for Loglevel.
func (l Loglevel) String() string {
	return string(l)
}

func (l Loglevel) isValid() bool {
	for _, lvl := range logLevels {
		if l == lvl {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for Loglevel, parsing it and validating that it represents a
// valid log level.
func (l *Loglevel) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lvl := Loglevel(strings.ToLower(val))
	if !lvl.isValid() {
		return fmt.Errorf("invalid log level %q, must be one of %q", val, logLevels)
	}

	*l = lvl
	return nil
}

// logOutput is the output destination for logs. This can be either "stdout" or "stderr".
type logOutput string

const (
	LogOutputStdout  logOutput = "stdout"
	LogOutputStderr  logOutput = "stderr"
	LogOutputDiscard logOutput = "discard"
	defaultLogOutput           = LogOutputStdout
)

var logOutputs = []logOutput{LogOutputStdout, LogOutputStderr}

// String implements the Stringer interface for logOutput.
func (out logOutput) String() string {
	return string(out)
}

// Descriptor returns the os file descriptor of a log output.
func (out logOutput) Descriptor() io.Writer {
	switch out {
	case LogOutputStderr:
		return os.Stderr
	case LogOutputDiscard:
		return io.Discard
	default:
		return os.Stdout
	}
}

func (out logOutput) isValid() bool {
	for _, output := range logOutputs {
		if out == output {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logOutput, parsing it and validating that it represents a
// valid log output destination.
func (out *logOutput) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lo := logOutput(strings.ToLower(val))
	if !lo.isValid() {
		return fmt.Errorf("invalid log output %q, must be one of %q", lo, logOutputs)
	}

	*out = lo
	return nil
}

// logFormat is the format of the application logs output. This can be either "text" or "json".
type logFormat string

const (
	LogFormatText    logFormat = "text"
	LogFormatJSON    logFormat = "json"
	defaultLogFormat           = LogFormatJSON
)

var logFormats = []logFormat{
	LogFormatText,
	LogFormatJSON,
}

// String implements the Stringer interface for logFormat.
func (ft logFormat) String() string {
	return string(ft)
}

func (ft logFormat) isValid() bool {
	for _, formatter := range logFormats {
		if ft == formatter {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logFormat, parsing it and validating that it
// represents a valid application log output format.
func (ft *logFormat) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	format := logFormat(strings.ToLower(val))
	if !format.isValid() {
		return fmt.Errorf("invalid log format %q, must be one of %q", format, logFormats)
	}

	*ft = format
	return nil
}

// Parse parses an input configuration yaml document into a Configuration struct.
//
// Environment variables may be used to override configuration parameters, following the scheme below:
// Configuration.Abc may be replaced by the value of BBM_ABC,
// Configuration.Abc.Xyz may be replaced by the value of BBM_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := new(Configuration)
	if err := yaml.Unmarshal(in, config); err != nil {
		return nil, err
	}

	if err := overwriteFromEnv(envPrefix, os.Environ(), config); err != nil {
		return nil, err
	}

	ApplyDefaults(config)

	return config, nil
}

const (
	defaultJobInterval      = 2 * time.Minute
	defaultMinJobInterval   = 2 * time.Minute
	defaultPollInterval     = 10 * time.Second
	defaultMaxJobRetries    = 3
	defaultMaxInFlight      = 4
	defaultBatchSize        = 1000
	defaultSubBatchSize     = 100
	defaultMinBatchSize     = 100
	defaultTargetDuration   = 500 * time.Millisecond
	defaultPause            = 100 * time.Millisecond
	defaultStatementTimeout = 15 * time.Second
	defaultStaleJobTimeout  = 10 * time.Minute

	defaultHealthInterval        = 10 * time.Second
	defaultHealthTimeout         = 2 * time.Second
	defaultWALSegmentThreshold   = 42
	defaultMaxReplicaLagTime     = 30 * time.Second
	defaultMaxReplicaLagBytes    = 8 * 1024 * 1024
	defaultMaxXIDAge             = 1_200_000_000
	defaultRedisPoolSize         = 10
	defaultPrometheusMetricsPath = "/metrics"
)

// ApplyDefaults fills zero valued settings with their defaults.
func ApplyDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = defaultLogLevel
	}
	if config.Log.Output == "" {
		config.Log.Output = defaultLogOutput
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = defaultLogFormat
	}
	if config.HTTP.Debug.Prometheus.Enabled && config.HTTP.Debug.Prometheus.Path == "" {
		config.HTTP.Debug.Prometheus.Path = defaultPrometheusMetricsPath
	}
	if config.Redis.Addr != "" && config.Redis.Pool.Size == 0 {
		config.Redis.Pool.Size = defaultRedisPoolSize
	}

	bbm := &config.Database.BackgroundMigrations
	if bbm.JobInterval == 0 {
		bbm.JobInterval = defaultJobInterval
	}
	if bbm.MinJobInterval == 0 {
		bbm.MinJobInterval = defaultMinJobInterval
	}
	if bbm.PollInterval == 0 {
		bbm.PollInterval = defaultPollInterval
	}
	if bbm.MaxJobRetries == 0 {
		bbm.MaxJobRetries = defaultMaxJobRetries
	}
	if bbm.MaxInFlight == 0 {
		bbm.MaxInFlight = defaultMaxInFlight
	}
	if bbm.BatchSize == 0 {
		bbm.BatchSize = defaultBatchSize
	}
	if bbm.SubBatchSize == 0 {
		bbm.SubBatchSize = defaultSubBatchSize
	}
	if bbm.MinBatchSize == 0 {
		bbm.MinBatchSize = defaultMinBatchSize
	}
	if bbm.MaxBatchSize == 0 {
		bbm.MaxBatchSize = 10 * bbm.BatchSize
	}
	if bbm.TargetDuration == 0 {
		bbm.TargetDuration = defaultTargetDuration
	}
	if bbm.Pause == 0 {
		bbm.Pause = defaultPause
	}
	if bbm.StatementTimeout == 0 {
		bbm.StatementTimeout = defaultStatementTimeout
	}
	if bbm.StaleJobTimeout == 0 {
		bbm.StaleJobTimeout = defaultStaleJobTimeout
	}

	if config.Health.Interval == 0 {
		config.Health.Interval = defaultHealthInterval
	}
	if config.Health.Timeout == 0 {
		config.Health.Timeout = defaultHealthTimeout
	}
	if config.Health.WALSegmentThreshold == 0 {
		config.Health.WALSegmentThreshold = defaultWALSegmentThreshold
	}
	if config.Health.MaxReplicaLagTime == 0 {
		config.Health.MaxReplicaLagTime = defaultMaxReplicaLagTime
	}
	if config.Health.MaxReplicaLagBytes == 0 {
		config.Health.MaxReplicaLagBytes = defaultMaxReplicaLagBytes
	}
	if config.Health.MaxXIDAge == 0 {
		config.Health.MaxXIDAge = defaultMaxXIDAge
	}
}
