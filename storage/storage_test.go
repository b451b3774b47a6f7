package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/gridsweep-io/gridsweep/config"
	"github.com/gridsweep-io/gridsweep/internal/dialect"
)

// testConfig declares a small grid: 3 datasets x 2 seeds with one result
// column and one logtable.
func testConfig() *config.Config {
	return &config.Config{
		Database: config.Database{
			Provider: config.ProviderSQLite,
			Database: "experiments",
			Table:    "sweep",
			Keyfields: []config.Keyfield{
				{Name: "dataset", Type: "VARCHAR(50)", Values: []any{"iris", "wine", "digits"}},
				{Name: "seed", Type: "INT", Values: []any{1, 2}},
			},
			Resultfields: []config.Field{
				{Name: "score", Type: "DOUBLE"},
			},
			Logtables: []config.Logtable{
				{Name: "epochs", Columns: []config.Field{
					{Name: "loss", Type: "DOUBLE"},
				}},
			},
		},
		NJobs: 1,
	}
}

// openTestTable opens an embedded database in a temp dir and binds a
// table manager to it.
func openTestTable(t *testing.T, cfg *config.Config) *Table {
	t.Helper()

	d, err := dialect.New(config.ProviderSQLite)
	require.NoError(t, err)

	dsn := d.DSN(filepath.Join(t.TempDir(), "test"), nil)

	conn, err := Open(context.Background(), d, dsn,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return NewTable(conn, cfg)
}

// mustFill creates the schema and backfills the full grid.
func mustFill(t *testing.T, table *Table) int {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, table.EnsureSchema(ctx))

	inserted, err := table.FillFromConfig(ctx)
	require.NoError(t, err)

	return inserted
}

// rowColumn reads one column of one row from the main table.
func rowColumn(t *testing.T, table *Table, id int64, column string) any {
	t.Helper()

	d := table.conn.dialect

	var value any

	err := table.conn.db.QueryRow(
		d.Rebind("SELECT "+d.QuoteIdent(column)+" FROM "+d.QuoteIdent(table.Name())+" WHERE "+d.QuoteIdent("id")+" = ?"),
		id,
	).Scan(&value)
	require.NoError(t, err)

	if b, ok := value.([]byte); ok {
		return string(b)
	}

	return value
}
