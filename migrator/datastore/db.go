//go:generate mockgen -package mocks -destination mocks/db.go . Handler,Transactor

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/sirupsen/logrus"

	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/datastore/metrics"
)

// Queryer is the common interface to execute queries on a database.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Handler represents a database connection handler.
type Handler interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error)
	Close() error
	Address() string
}

// Transactor represents a database transaction.
type Transactor interface {
	Queryer
	Commit() error
	Rollback() error
}

// QueryErrorProcessor is notified of every failed query.
type QueryErrorProcessor interface {
	ProcessQueryError(ctx context.Context, db *DB, query string, err error)
}

// DB implements Handler.
type DB struct {
	*sql.DB
	DSN            *DSN
	errorProcessor QueryErrorProcessor
}

// Row wraps sql.Row so that scan errors reach the query error processor.
type Row struct {
	*sql.Row
	db    *DB
	ctx   context.Context
	query string
}

// Scan implements sql.Row.Scan. sql.ErrNoRows is not a query failure and is returned as is.
func (r *Row) Scan(dest ...any) error {
	err := r.Row.Scan(dest...)
	if err != nil && !errors.Is(err, sql.ErrNoRows) && r.db != nil && r.db.errorProcessor != nil {
		r.db.errorProcessor.ProcessQueryError(r.ctx, r.db, r.query, err)
	}
	return err
}

func (db *DB) processQueryError(ctx context.Context, query string, err error) {
	if err != nil && db.errorProcessor != nil {
		db.errorProcessor.ProcessQueryError(ctx, db, query, err)
	}
}

// QueryContext wraps sql.DB.QueryContext.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := db.DB.QueryContext(ctx, query, args...)
	db.processQueryError(ctx, query, err)
	return rows, err
}

// QueryRowContext wraps sql.DB.QueryRowContext.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return &Row{Row: db.DB.QueryRowContext(ctx, query, args...), db: db, ctx: ctx, query: query}
}

// ExecContext wraps sql.DB.ExecContext.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := db.DB.ExecContext(ctx, query, args...)
	db.processQueryError(ctx, query, err)
	return res, err
}

// BeginTx wraps sql.DB.BeginTx.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, db: db}, nil
}

// Begin wraps sql.DB.Begin.
func (db *DB) Begin() (Transactor, error) {
	return db.BeginTx(context.Background(), nil)
}

// Address returns the database host network address, or an empty string if the DSN is unknown.
func (db *DB) Address() string {
	if db.DSN == nil {
		return ""
	}
	return db.DSN.Address()
}

// Tx implements Transactor.
type Tx struct {
	*sql.Tx
	db *DB
}

// QueryContext wraps sql.Tx.QueryContext.
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := tx.Tx.QueryContext(ctx, query, args...)
	tx.db.processQueryError(ctx, query, err)
	return rows, err
}

// QueryRowContext wraps sql.Tx.QueryRowContext.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return &Row{Row: tx.Tx.QueryRowContext(ctx, query, args...), db: tx.db, ctx: ctx, query: query}
}

// ExecContext wraps sql.Tx.ExecContext.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := tx.Tx.ExecContext(ctx, query, args...)
	tx.db.processQueryError(ctx, query, err)
	return res, err
}

// DSN represents the Data Source Name parameters for a DB connection.
type DSN struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	SSLCert        string
	SSLKey         string
	SSLRootCert    string
	ConnectTimeout time.Duration
}

// String builds the string representation of a DSN.
func (dsn *DSN) String() string {
	var params []string

	port := ""
	if dsn.Port > 0 {
		port = strconv.Itoa(dsn.Port)
	}
	connectTimeout := ""
	if dsn.ConnectTimeout > 0 {
		connectTimeout = fmt.Sprintf("%.0f", dsn.ConnectTimeout.Seconds())
	}

	for _, param := range []struct{ k, v string }{
		{"host", dsn.Host},
		{"port", port},
		{"user", dsn.User},
		{"password", dsn.Password},
		{"dbname", dsn.DBName},
		{"sslmode", dsn.SSLMode},
		{"sslcert", dsn.SSLCert},
		{"sslkey", dsn.SSLKey},
		{"sslrootcert", dsn.SSLRootCert},
		{"connect_timeout", connectTimeout},
	} {
		if len(param.v) == 0 {
			continue
		}

		param.v = strings.ReplaceAll(param.v, "'", `\'`)
		param.v = strings.ReplaceAll(param.v, " ", `\ `)

		params = append(params, param.k+"="+param.v)
	}

	return strings.Join(params, " ")
}

// Address returns the host:port segment of a DSN.
func (dsn *DSN) Address() string {
	return net.JoinHostPort(dsn.Host, strconv.Itoa(dsn.Port))
}

// PoolConfig represents the database connection pool configuration.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

type opts struct {
	logger         *logrus.Entry
	logLevel       tracelog.LogLevel
	pool           *PoolConfig
	errorProcessor QueryErrorProcessor
}

// Option is used to configure the database connections.
type Option func(*opts)

// WithLogger configures the logger for the database connection driver.
func WithLogger(l *logrus.Entry) Option {
	return func(opts *opts) {
		opts.logger = l
	}
}

// WithLogLevel configures the logger level for the database connection driver.
func WithLogLevel(l logrus.Level) Option {
	return func(opts *opts) {
		var lvl tracelog.LogLevel
		switch l {
		case logrus.TraceLevel:
			lvl = tracelog.LogLevelTrace
		case logrus.DebugLevel:
			lvl = tracelog.LogLevelDebug
		case logrus.InfoLevel:
			lvl = tracelog.LogLevelInfo
		case logrus.WarnLevel:
			lvl = tracelog.LogLevelWarn
		default:
			lvl = tracelog.LogLevelError
		}
		opts.logLevel = lvl
	}
}

// WithPoolConfig configures the settings for the database connection pool.
func WithPoolConfig(c *PoolConfig) Option {
	return func(opts *opts) {
		opts.pool = c
	}
}

// WithErrorProcessor overrides the processor notified of failed queries. Failed queries are counted by Postgres error
// code by default.
func WithErrorProcessor(p QueryErrorProcessor) Option {
	return func(opts *opts) {
		opts.errorProcessor = p
	}
}

func applyOptions(input []Option) opts {
	l := logrus.New()
	l.SetOutput(io.Discard)

	config := opts{
		logger:         logrus.NewEntry(l),
		logLevel:       tracelog.LogLevelError,
		pool:           &PoolConfig{},
		errorProcessor: metricsErrorProcessor{},
	}

	for _, v := range input {
		v(&config)
	}

	return config
}

// metricsErrorProcessor counts failed queries by Postgres error code.
type metricsErrorProcessor struct{}

func (metricsErrorProcessor) ProcessQueryError(ctx context.Context, db *DB, query string, err error) {
	var code string
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code = pgErr.Code
	}
	metrics.QueryError(code)

	log.GetLogger(log.WithContext(ctx)).WithError(err).WithFields(log.Fields{
		"db_host_addr": db.Address(),
		"pg_code":      code,
	}).Debug("database query failed")
}

type logger struct {
	*logrus.Entry
}

// Log implements tracelog.Logger.
func (l *logger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	entry := l.WithFields(data)

	switch level {
	case tracelog.LogLevelTrace:
		entry.Trace(msg)
	case tracelog.LogLevelDebug:
		entry.Debug(msg)
	case tracelog.LogLevelInfo:
		entry.Info(msg)
	case tracelog.LogLevelWarn:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}

// Open opens a database.
func Open(dsn *DSN, opts ...Option) (*DB, error) {
	config := applyOptions(opts)
	pgxConfig, err := pgx.ParseConfig(dsn.String())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string failed: %w", err)
	}

	pgxConfig.Tracer = &tracelog.TraceLog{
		Logger:   &logger{config.logger},
		LogLevel: config.logLevel,
	}
	connStr := stdlib.RegisterConnConfig(pgxConfig)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open connection handle failed: %w", err)
	}

	db.SetMaxOpenConns(config.pool.MaxOpen)
	db.SetMaxIdleConns(config.pool.MaxIdle)
	db.SetConnMaxLifetime(config.pool.MaxLifetime)
	db.SetConnMaxIdleTime(config.pool.MaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	return &DB{DB: db, DSN: dsn, errorProcessor: config.errorProcessor}, nil
}

// IsInRecovery checks if a provided database is in read-only mode.
func IsInRecovery(ctx context.Context, db Queryer) (bool, error) {
	defer metrics.InstrumentQuery("is_in_recovery")()

	var inRecovery bool
	if err := db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("checking database recovery mode: %w", err)
	}
	return inRecovery, nil
}

// IsDBSupported checks if the database version is 15.0 or newer.
func IsDBSupported(ctx context.Context, db Queryer) (bool, error) {
	defer metrics.InstrumentQuery("is_db_supported")()

	var supported bool
	q := "SELECT current_setting('server_version_num')::integer >= 150000"
	if err := db.QueryRowContext(ctx, q).Scan(&supported); err != nil {
		return false, fmt.Errorf("checking database version: %w", err)
	}
	return supported, nil
}

// IsArchivingEnabled checks whether WAL archiving is enabled. The pending WAL health indicator is meaningless otherwise.
func IsArchivingEnabled(ctx context.Context, db Queryer) (bool, error) {
	defer metrics.InstrumentQuery("is_archiving_enabled")()

	var mode string
	if err := db.QueryRowContext(ctx, "SELECT current_setting('archive_mode')").Scan(&mode); err != nil {
		return false, fmt.Errorf("checking database archive mode: %w", err)
	}
	return mode == "on" || mode == "always", nil
}

// WithTransaction runs fn in a transaction on db, committing when fn returns no error and rolling back otherwise.
func WithTransaction(ctx context.Context, db Handler, fn func(tx Transactor) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creating database transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing database transaction: %w", err)
	}
	return nil
}
