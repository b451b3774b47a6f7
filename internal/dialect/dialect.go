// Package dialect abstracts the SQL differences between the supported
// database backends: the embedded single-file sqlite engine and the
// networked mysql and postgres engines.
//
// All data values travel as bound parameters. Identifiers (table and
// column names) come from the validated configuration and are quoted
// through QuoteIdent; queries are written with ?-style placeholders and
// rewritten per backend through Rebind.
package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gridsweep-io/gridsweep/config"
)

// ErrUnknownProvider is returned by New for providers the adapter does
// not implement.
var ErrUnknownProvider = errors.New("unknown database provider")

// Querier is the minimal query surface a dialect needs for its metadata
// probes. Both *sql.DB and *sql.Tx satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Dialect captures everything backend-specific about SQL generation and
// schema inspection.
type Dialect interface {
	// Name is the configuration provider name.
	Name() string

	// DriverName is the database/sql driver registration name.
	DriverName() string

	// DSN builds the connection string for the configured database. For
	// the embedded backend the database is a filename stem; for networked
	// backends the credentials identify the server. An empty database
	// selects the server without a schema (used for bootstrap).
	DSN(database string, creds *config.Credentials) string

	// QuoteIdent quotes a table or column identifier.
	QuoteIdent(name string) string

	// Rebind rewrites ?-style placeholders into the backend's syntax.
	Rebind(query string) string

	// IDColumn is the column definition of the synthetic autoincrement
	// primary key.
	IDColumn() string

	// CreateTableSuffix is appended inside the column list of CREATE
	// TABLE, after all column definitions.
	CreateTableSuffix() string

	// ColumnType maps a configured SQL type onto one the backend accepts.
	ColumnType(sqlType string) string

	// IDRefType is the column type of a foreign key referencing the
	// synthetic primary key.
	IDRefType() string

	// RandomExpr is the ORDER BY expression for randomized claiming.
	RandomExpr() string

	// ForUpdate is the locking suffix of the claim query. Empty on the
	// embedded backend, where the immediate transaction serializes.
	ForUpdate() string

	// ReturningClause is appended to INSERT when the backend cannot
	// report LastInsertId through the driver.
	ReturningClause() string

	// SupportsLastInsertID reports whether sql.Result.LastInsertId works.
	SupportsLastInsertID() bool

	// EnsureDatabase creates the target database if the server does not
	// have it. No-op on the embedded backend. The passed connection must
	// be opened without a selected database.
	EnsureDatabase(ctx context.Context, db *sql.DB, name string) error

	// TableExists probes whether the named table exists.
	TableExists(ctx context.Context, q Querier, table string) (bool, error)

	// ColumnNames returns the table's column names in definition order.
	ColumnNames(ctx context.Context, q Querier, table string) ([]string, error)
}

// New returns the dialect for the given provider name.
func New(provider string) (Dialect, error) {
	switch provider {
	case config.ProviderSQLite:
		return SQLite{}, nil
	case config.ProviderMySQL:
		return MySQL{}, nil
	case config.ProviderPostgres:
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// rebindDollar rewrites ? placeholders into $1, $2, … for postgres.
// Queries generated by this module never carry a literal question mark,
// so a plain scan suffices.
func rebindDollar(query string) string {
	var b strings.Builder

	b.Grow(len(query) + 8)

	n := 0

	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)

			continue
		}

		b.WriteByte(query[i])
	}

	return b.String()
}

// scanSingleColumn drains a one-column string result set.
func scanSingleColumn(rows *sql.Rows) ([]string, error) {
	defer func() {
		_ = rows.Close()
	}()

	var values []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}

		values = append(values, v)
	}

	return values, rows.Err()
}
