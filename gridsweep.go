// Package gridsweep coordinates the parallel execution of parametrized
// experiments across any number of worker processes that share a single
// relational database as their source of truth.
//
// A configuration document declares the Cartesian product of parameter
// values defining the experiment grid; an experiment routine consumes one
// parameter assignment and writes named results. Workers pull open
// experiments from the database table, run the routine and persist
// results and lifecycle status. The table is both the work queue and the
// result store; no coordination happens outside database transactions.
package gridsweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	// Database drivers for the supported providers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/gridsweep-io/gridsweep/config"
	"github.com/gridsweep-io/gridsweep/internal/dialect"
	"github.com/gridsweep-io/gridsweep/internal/tunnel"
	"github.com/gridsweep-io/gridsweep/storage"
)

// Status aliases the storage status type so experiment routines only
// import this package.
type Status = storage.Status

// Statuses an experiment routine may return.
const (
	StatusDone   = storage.StatusDone
	StatusError  = storage.StatusError
	StatusPaused = storage.StatusPaused
)

// DefaultCredentialsPath is where the networked backends look for the
// credentials document unless overridden.
const DefaultCredentialsPath = "config/credentials.yml"

// RoutineFunc is the experiment routine contract. It receives the
// keyfield assignment of the claimed experiment, the write handle for the
// experiment's row and the custom values from the configuration.
//
// Returning the zero Status with a nil error finishes the experiment as
// done. Returning StatusPaused leaves the row paused for a later
// Unpause. A non-nil error (or a panic) records the diagnostic in the
// row's error column and finishes as error.
type RoutineFunc func(
	ctx context.Context,
	keyfields map[string]any,
	processor *storage.ResultProcessor,
	custom map[string]string,
) (Status, error)

// Experimenter is the top-level handle: it owns the database connection,
// the work table and the worker pool.
type Experimenter struct {
	cfg     *config.Config
	conn    *storage.Connection
	table   *storage.Table
	tun     *tunnel.Tunnel
	logger  *slog.Logger
	name    string
	limiter *rate.Limiter
}

type options struct {
	name            string
	logger          *slog.Logger
	clock           clockwork.Clock
	claimRate       rate.Limit
	credentialsPath string
	tableName       string
	databaseName    string
}

// Option configures optional Experimenter behavior.
type Option func(*options)

// WithName sets the experimenter name written into each claimed row's
// name column. Defaults to "gridsweep".
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger. Defaults to a JSON slog handler on stdout.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock injects the clock used for all row timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithClaimRate caps the rate at which the worker pool claims new
// experiments, shared across all workers. Unlimited by default.
func WithClaimRate(limit rate.Limit) Option {
	return func(o *options) {
		o.claimRate = limit
	}
}

// WithCredentialsPath overrides the credentials document location.
func WithCredentialsPath(path string) Option {
	return func(o *options) {
		o.credentialsPath = path
	}
}

// WithTableName overrides the table name from the configuration.
func WithTableName(name string) Option {
	return func(o *options) {
		o.tableName = name
	}
}

// WithDatabaseName overrides the database name from the configuration.
func WithDatabaseName(name string) Option {
	return func(o *options) {
		o.databaseName = name
	}
}

// New loads the experiment configuration at configPath, connects to the
// configured backend (starting the SSH tunnel when the credentials ask
// for one) and returns a ready Experimenter.
func New(ctx context.Context, configPath string, opts ...Option) (*Experimenter, error) {
	o := options{
		name:            config.GetEnvStr("GRIDSWEEP_NAME", "gridsweep"),
		claimRate:       rate.Inf,
		credentialsPath: DefaultCredentialsPath,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))
	}

	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if o.tableName != "" {
		cfg.Database.Table = o.tableName
	}

	if o.databaseName != "" {
		cfg.Database.Database = o.databaseName
	}

	d, err := dialect.New(cfg.Database.Provider)
	if err != nil {
		return nil, err
	}

	e := &Experimenter{
		cfg:     cfg,
		logger:  o.logger,
		name:    o.name,
		limiter: rate.NewLimiter(o.claimRate, 1),
	}

	var creds *config.Credentials

	if cfg.Database.Provider != config.ProviderSQLite {
		creds, err = config.LoadCredentials(o.credentialsPath)
		if err != nil {
			return nil, err
		}

		creds, err = e.connectTunnel(creds)
		if err != nil {
			return nil, err
		}

		if err := e.bootstrapDatabase(ctx, d, creds); err != nil {
			e.stopTunnel()

			return nil, err
		}
	}

	conn, err := storage.Open(ctx, d, d.DSN(cfg.Database.Database, creds),
		storage.WithLogger(o.logger), storage.WithClock(o.clock))
	if err != nil {
		e.stopTunnel()

		return nil, err
	}

	e.conn = conn
	e.table = storage.NewTable(conn, cfg)

	e.logger.Info("initialized and connected to database",
		slog.String("provider", cfg.Database.Provider),
		slog.String("table", cfg.Database.Table),
	)

	return e, nil
}

// connectTunnel starts the SSH tunnel when configured and rewrites the
// credentials to dial the local forward endpoint. A tunnel already run by
// another process on this machine is reused.
func (e *Experimenter) connectTunnel(creds *config.Credentials) (*config.Credentials, error) {
	if creds.SSH == nil {
		return creds, nil
	}

	tun, err := tunnel.Start(creds.SSH, e.logger)

	switch {
	case err == nil:
		e.tun = tun
	case errors.Is(err, tunnel.ErrAlreadyActive):
		e.logger.Info("reusing ssh tunnel of another process")
	default:
		return nil, err
	}

	forwarded := *creds

	if e.tun != nil {
		forwarded.Host, forwarded.Port = e.tun.LocalAddr()

		return &forwarded, nil
	}

	// The other process bound the forward port; derive the endpoint the
	// same way Start does.
	localPort := creds.SSH.LocalPort
	if localPort == 0 {
		localPort = creds.SSH.RemotePort
	}

	forwarded.Host = "127.0.0.1"
	forwarded.Port = localPort

	return &forwarded, nil
}

// bootstrapDatabase creates the target database on the server when it
// does not exist yet.
func (e *Experimenter) bootstrapDatabase(ctx context.Context, d dialect.Dialect, creds *config.Credentials) error {
	conn, err := storage.Open(ctx, d, d.DSN("", creds), storage.WithLogger(e.logger))
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	if err := d.EnsureDatabase(ctx, conn.DB(), e.cfg.Database.Database); err != nil {
		return fmt.Errorf("creating database %s: %w", e.cfg.Database.Database, err)
	}

	return nil
}

// Table exposes the work table manager for direct inspection.
func (e *Experimenter) Table() *storage.Table {
	return e.table
}

// Config returns the loaded configuration.
func (e *Experimenter) Config() *config.Config {
	return e.cfg
}

// FillTableFromConfig creates the schema if needed and backfills the
// table with the Cartesian product of the configured keyfield domains.
// Combinations already present are skipped. Returns the number of rows
// inserted.
func (e *Experimenter) FillTableFromConfig(ctx context.Context) (int, error) {
	if err := e.table.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	return e.table.FillFromConfig(ctx)
}

// FillTableFromCombinations creates the schema if needed and backfills
// the table with the product of parameters crossed with the fixed
// combinations.
func (e *Experimenter) FillTableFromCombinations(
	ctx context.Context,
	fixed []map[string]any,
	parameters map[string][]any,
) (int, error) {
	if err := e.table.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	return e.table.FillFromParameters(ctx, parameters, fixed)
}

// FillTableWithRows creates the schema if needed and inserts the given
// fully specified keyfield assignments.
func (e *Experimenter) FillTableWithRows(ctx context.Context, rows []map[string]any) (int, error) {
	if err := e.table.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	return e.table.FillRows(ctx, rows)
}

// ResetExperiments deletes the rows with the given statuses and
// re-inserts their keyfield assignments as created.
func (e *Experimenter) ResetExperiments(ctx context.Context, statuses ...Status) (int, error) {
	return e.table.Reset(ctx, statuses...)
}

// CountByStatus returns the number of experiments per status.
func (e *Experimenter) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return e.table.CountByStatus(ctx)
}

// DeleteTable drops the experiment table and all its child tables.
func (e *Experimenter) DeleteTable(ctx context.Context) error {
	return e.table.Drop(ctx)
}

// Close releases the database connection and stops the SSH tunnel if
// this process started it.
func (e *Experimenter) Close() error {
	var err error

	if e.conn != nil {
		err = e.conn.Close()
	}

	e.stopTunnel()

	return err
}

func (e *Experimenter) stopTunnel() {
	if e.tun != nil {
		e.tun.Stop()
		e.tun = nil
	}
}
