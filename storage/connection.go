// Package storage implements the experiment work table: schema synthesis
// and validation, idempotent backfill of parameter combinations, the
// transactional claim protocol and the per-experiment result write path.
//
// The database table is both the work queue and the result store. Every
// cross-worker interaction is a database transaction; the package holds
// no coordination state of its own.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/gridsweep-io/gridsweep/config"
	"github.com/gridsweep-io/gridsweep/internal/dialect"
)

// Connection pool defaults, overridable through the environment.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnectTimeout  = 30 * time.Second
)

// ErrConnectionFailed is returned when the database cannot be reached.
var ErrConnectionFailed = errors.New("database connection failed")

// Connection wraps a database handle together with its dialect, logger
// and clock. Each worker process opens its own Connection; nothing here
// is shared across machines.
type Connection struct {
	db      *sql.DB
	dialect dialect.Dialect
	logger  *slog.Logger
	clock   clockwork.Clock
}

// ConnectionOption configures optional Connection behavior.
type ConnectionOption func(*Connection)

// WithLogger sets the logger. Defaults to a JSON slog handler on stdout.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithClock sets the clock used for all row timestamps. Defaults to the
// wall clock; tests inject a fake.
func WithClock(clock clockwork.Clock) ConnectionOption {
	return func(c *Connection) {
		c.clock = clock
	}
}

// Open opens a pooled connection for the given dialect and DSN and
// verifies it with a ping, retrying with exponential backoff until the
// connect timeout elapses.
func Open(ctx context.Context, d dialect.Dialect, dsn string, opts ...ConnectionOption) (*Connection, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(config.GetEnvInt("GRIDSWEEP_MAX_OPEN_CONNS", defaultMaxOpenConns))
	db.SetMaxIdleConns(config.GetEnvInt("GRIDSWEEP_MAX_IDLE_CONNS", defaultMaxIdleConns))
	db.SetConnMaxLifetime(config.GetEnvDuration("GRIDSWEEP_CONN_MAX_LIFETIME", defaultConnMaxLifetime))

	conn := &Connection{
		db:      db,
		dialect: d,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		clock: clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(conn)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.GetEnvDuration("GRIDSWEEP_CONNECT_TIMEOUT", defaultConnectTimeout)

	ping := func() error {
		return db.PingContext(ctx)
	}

	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	conn.logger.Debug("database connection established", slog.String("provider", d.Name()))

	return conn, nil
}

// Close closes the underlying pool. Safe to call more than once.
func (c *Connection) Close() error {
	if c.db != nil {
		return c.db.Close()
	}

	return nil
}

// DB exposes the raw handle, mainly for tests and ad-hoc inspection.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// Dialect returns the SQL dialect the connection speaks.
func (c *Connection) Dialect() dialect.Dialect {
	return c.dialect
}

func (c *Connection) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %v", ErrConnectionFailed, err)
	}

	return tx, nil
}
