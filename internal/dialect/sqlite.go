package dialect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gridsweep-io/gridsweep/config"
)

// SQLite is the embedded single-file backend, served by the pure-Go
// modernc.org/sqlite driver.
type SQLite struct{}

// Name implements Dialect.
func (SQLite) Name() string { return config.ProviderSQLite }

// DriverName implements Dialect.
func (SQLite) DriverName() string { return "sqlite" }

// DSN builds a file DSN from the database name stem. The immediate
// transaction lock mode makes concurrent claim transactions serialize at
// BEGIN instead of failing later with SQLITE_BUSY.
func (SQLite) DSN(database string, _ *config.Credentials) string {
	return fmt.Sprintf("file:%s.db?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)", database)
}

// QuoteIdent implements Dialect.
func (SQLite) QuoteIdent(name string) string {
	return `"` + name + `"`
}

// Rebind implements Dialect. SQLite uses ? placeholders natively.
func (SQLite) Rebind(query string) string { return query }

// IDColumn implements Dialect.
func (SQLite) IDColumn() string {
	return `"id" INTEGER PRIMARY KEY AUTOINCREMENT`
}

// CreateTableSuffix implements Dialect.
func (SQLite) CreateTableSuffix() string { return "" }

// ColumnType implements Dialect. SQLite's type affinity accepts the
// mysql-flavoured types the configuration defaults to.
func (SQLite) ColumnType(sqlType string) string { return sqlType }

// IDRefType implements Dialect.
func (SQLite) IDRefType() string { return "INTEGER" }

// RandomExpr implements Dialect.
func (SQLite) RandomExpr() string { return "RANDOM()" }

// ForUpdate implements Dialect. SQLite has no row locks; the immediate
// write transaction already excludes concurrent claimers.
func (SQLite) ForUpdate() string { return "" }

// ReturningClause implements Dialect.
func (SQLite) ReturningClause() string { return "" }

// SupportsLastInsertID implements Dialect.
func (SQLite) SupportsLastInsertID() bool { return true }

// EnsureDatabase implements Dialect. Opening the file creates it.
func (SQLite) EnsureDatabase(_ context.Context, _ *sql.DB, _ string) error { return nil }

// TableExists implements Dialect.
func (SQLite) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		return false, err
	}

	names, err := scanSingleColumn(rows)
	if err != nil {
		return false, err
	}

	return len(names) > 0, nil
}

// ColumnNames implements Dialect. PRAGMA does not take bound parameters,
// so the identifier is quoted in. The name comes from the validated
// configuration, never from user data.
func (d SQLite) ColumnNames(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.QuoteIdent(table)))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = rows.Close()
	}()

	var columns []string

	for rows.Next() {
		var (
			cid        int
			name       string
			columnType string
			notNull    int
			defaultVal sql.NullString
			primaryKey int
		)

		if err := rows.Scan(&cid, &name, &columnType, &notNull, &defaultVal, &primaryKey); err != nil {
			return nil, err
		}

		columns = append(columns, name)
	}

	return columns, rows.Err()
}
