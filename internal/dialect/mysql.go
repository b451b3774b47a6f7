package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/gridsweep-io/gridsweep/config"
)

// defaultMySQLPort is used when the credentials omit a port.
const defaultMySQLPort = 3306

// MySQL is the networked backend the original deployment model targets:
// many worker machines sharing one server.
type MySQL struct{}

// Name implements Dialect.
func (MySQL) Name() string { return config.ProviderMySQL }

// DriverName implements Dialect.
func (MySQL) DriverName() string { return "mysql" }

// DSN implements Dialect via the driver's own config type, which handles
// escaping of credentials.
func (MySQL) DSN(database string, creds *config.Credentials) string {
	port := creds.Port
	if port == 0 {
		port = defaultMySQLPort
	}

	cfg := mysql.NewConfig()
	cfg.User = creds.User
	cfg.Passwd = creds.Password
	cfg.Net = "tcp"
	cfg.Addr = creds.Host + ":" + strconv.Itoa(port)
	cfg.DBName = database

	return cfg.FormatDSN()
}

// QuoteIdent implements Dialect.
func (MySQL) QuoteIdent(name string) string {
	return "`" + name + "`"
}

// Rebind implements Dialect. MySQL uses ? placeholders natively.
func (MySQL) Rebind(query string) string { return query }

// IDColumn implements Dialect.
func (MySQL) IDColumn() string {
	return "`id` INT NOT NULL AUTO_INCREMENT"
}

// CreateTableSuffix implements Dialect. MySQL declares the primary key as
// a table constraint rather than inline.
func (MySQL) CreateTableSuffix() string {
	return ", PRIMARY KEY (`id`)"
}

// ColumnType implements Dialect. The configured types are mysql-flavoured
// already.
func (MySQL) ColumnType(sqlType string) string { return sqlType }

// IDRefType implements Dialect.
func (MySQL) IDRefType() string { return "INT" }

// RandomExpr implements Dialect.
func (MySQL) RandomExpr() string { return "RAND()" }

// ForUpdate implements Dialect. Row locking makes concurrent claim
// transactions exclude each other.
func (MySQL) ForUpdate() string { return " FOR UPDATE" }

// ReturningClause implements Dialect.
func (MySQL) ReturningClause() string { return "" }

// SupportsLastInsertID implements Dialect.
func (MySQL) SupportsLastInsertID() bool { return true }

// EnsureDatabase implements Dialect.
func (d MySQL) EnsureDatabase(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", d.QuoteIdent(name)))

	return err
}

// TableExists implements Dialect.
func (MySQL) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`, table)
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
func (MySQL) ColumnNames(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ?
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}

	return scanSingleColumn(rows)
}
