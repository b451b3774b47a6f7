package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gridsweep-io/gridsweep/config"
)

// defaultPostgresPort is used when the credentials omit a port.
const defaultPostgresPort = 5432

// bootstrapDatabase is the maintenance database used while creating the
// target database.
const bootstrapDatabase = "postgres"

// Postgres is the supplementary networked backend, served by lib/pq.
type Postgres struct{}

// Name implements Dialect.
func (Postgres) Name() string { return config.ProviderPostgres }

// DriverName implements Dialect.
func (Postgres) DriverName() string { return "postgres" }

// DSN implements Dialect.
func (Postgres) DSN(database string, creds *config.Credentials) string {
	port := creds.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	if database == "" {
		database = bootstrapDatabase
	}

	parts := []string{
		"host=" + pqValue(creds.Host),
		fmt.Sprintf("port=%d", port),
		"user=" + pqValue(creds.User),
		"dbname=" + pqValue(database),
		"sslmode=disable",
	}

	if creds.Password != "" {
		parts = append(parts, "password="+pqValue(creds.Password))
	}

	return strings.Join(parts, " ")
}

// pqValue quotes a DSN value for the key/value connection string format.
func pqValue(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}

	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)

	return "'" + v + "'"
}

// QuoteIdent implements Dialect.
func (Postgres) QuoteIdent(name string) string {
	return `"` + name + `"`
}

// Rebind implements Dialect.
func (Postgres) Rebind(query string) string { return rebindDollar(query) }

// IDColumn implements Dialect.
func (Postgres) IDColumn() string {
	return `"id" BIGSERIAL PRIMARY KEY`
}

// CreateTableSuffix implements Dialect.
func (Postgres) CreateTableSuffix() string { return "" }

// ColumnType maps the mysql-flavoured configuration types onto postgres
// equivalents.
func (Postgres) ColumnType(sqlType string) string {
	base := strings.ToUpper(strings.TrimSpace(sqlType))

	switch base {
	case "DATETIME":
		return "TIMESTAMP"
	case "LONGTEXT", "MEDIUMTEXT", "TINYTEXT":
		return "TEXT"
	case "DOUBLE":
		return "DOUBLE PRECISION"
	case "TINYINT":
		return "SMALLINT"
	case "BOOL":
		return "BOOLEAN"
	default:
		return sqlType
	}
}

// IDRefType implements Dialect.
func (Postgres) IDRefType() string { return "BIGINT" }

// RandomExpr implements Dialect.
func (Postgres) RandomExpr() string { return "RANDOM()" }

// ForUpdate implements Dialect.
func (Postgres) ForUpdate() string { return " FOR UPDATE" }

// ReturningClause implements Dialect. lib/pq does not support
// LastInsertId, so inserts that need the new id append RETURNING.
func (Postgres) ReturningClause() string { return " RETURNING id" }

// SupportsLastInsertID implements Dialect.
func (Postgres) SupportsLastInsertID() bool { return false }

// EnsureDatabase implements Dialect. Postgres has no CREATE DATABASE IF
// NOT EXISTS, so existence is probed first. The race on concurrent
// creation surfaces as a duplicate-database error which is treated as
// success.
func (d Postgres) EnsureDatabase(ctx context.Context, db *sql.DB, name string) error {
	rows, err := db.QueryContext(ctx, `SELECT datname FROM pg_database WHERE datname = $1`, name)
	if err != nil {
		return err
	}

	names, err := scanSingleColumn(rows)
	if err != nil {
		return err
	}

	if len(names) > 0 {
		return nil
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", d.QuoteIdent(name))); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}

		return err
	}

	return nil
}

// TableExists implements Dialect.
func (Postgres) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename = $1`, table)
	if err != nil {
		return false, err
	}

	names, err := scanSingleColumn(rows)
	if err != nil {
		return false, err
	}

	return len(names) > 0, nil
}

// ColumnNames implements Dialect.
func (Postgres) ColumnNames(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}

	return scanSingleColumn(rows)
}
