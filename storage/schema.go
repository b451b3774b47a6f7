package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gridsweep-io/gridsweep/config"
)

// TimeLayout is the wall-clock representation written into every
// DATETIME column.
const TimeLayout = "2006-01-02 15:04:05"

// Sentinel errors for schema management.
var (
	// ErrTableStructure is returned when an existing table's columns do
	// not match the configured keyfields and resultfields.
	ErrTableStructure = errors.New("table has wrong structure")

	// ErrCreateTable is returned when table creation fails.
	ErrCreateTable = errors.New("creating table failed")
)

// metadataColumns are the fixed columns every experiment table carries,
// excluded from structure validation.
var metadataColumns = map[string]struct{}{
	"id":            {},
	"creation_date": {},
	"status":        {},
	"start_date":    {},
	"name":          {},
	"machine":       {},
	"end_date":      {},
	"error":         {},
}

// Table manages one experiment table and its child tables. It is the
// single write path for schema creation, backfill, claiming and results.
type Table struct {
	conn   *Connection
	cfg    *config.Config
	logger *slog.Logger
}

// NewTable binds a table manager to a connection and a validated
// configuration.
func NewTable(conn *Connection, cfg *config.Config) *Table {
	return &Table{
		conn:   conn,
		cfg:    cfg,
		logger: conn.logger,
	}
}

// Connection returns the underlying database connection.
func (t *Table) Connection() *Connection {
	return t.conn
}

// Name returns the main table name.
func (t *Table) Name() string {
	return t.cfg.Database.Table
}

// LogtableName returns the full child table name for a logtable suffix.
func (t *Table) LogtableName(suffix string) string {
	return t.Name() + "__" + suffix
}

// EmissionsTableName returns the emissions child table name.
func (t *Table) EmissionsTableName() string {
	return t.Name() + "_codecarbon"
}

// TrackEmissions reports whether the emissions child table is part of the
// schema.
func (t *Table) TrackEmissions() bool {
	return len(t.cfg.CodeCarbon) > 0
}

// EnsureSchema creates the main table, the logtables and, when the
// emissions tracker is configured, the emissions child table — unless the
// main table already exists, in which case its column set is validated
// against the configuration and a mismatch aborts with ErrTableStructure.
//
// An existing main table missing only its emissions child gets the child
// created: the child is additive and does not alter the main table.
func (t *Table) EnsureSchema(ctx context.Context) error {
	d := t.conn.dialect

	exists, err := d.TableExists(ctx, t.conn.db, t.Name())
	if err != nil {
		return fmt.Errorf("%w: probing table %s: %v", ErrCreateTable, t.Name(), err)
	}

	if exists {
		if err := t.validateStructure(ctx); err != nil {
			return err
		}
	} else {
		if err := t.createMainTable(ctx); err != nil {
			return err
		}

		for _, lt := range t.cfg.Database.Logtables {
			if err := t.createChildTable(ctx, t.LogtableName(lt.Name), true, lt.Columns); err != nil {
				return err
			}
		}
	}

	if t.TrackEmissions() {
		if err := t.ensureEmissionsTable(ctx); err != nil {
			return err
		}
	}

	return nil
}

// expectedColumns is the set of non-metadata columns the configuration
// implies: keyfields, resultfields and timestamp siblings when enabled.
func (t *Table) expectedColumns() map[string]struct{} {
	expected := make(map[string]struct{})

	for _, kf := range t.cfg.Database.Keyfields {
		expected[kf.Name] = struct{}{}
	}

	for _, rf := range t.cfg.Database.Resultfields {
		expected[rf.Name] = struct{}{}

		if t.cfg.Database.ResultTimestamps {
			expected[rf.Name+"_timestamp"] = struct{}{}
		}
	}

	return expected
}

func (t *Table) validateStructure(ctx context.Context) error {
	columns, err := t.conn.dialect.ColumnNames(ctx, t.conn.db, t.Name())
	if err != nil {
		return fmt.Errorf("%w: reading columns of %s: %v", ErrCreateTable, t.Name(), err)
	}

	actual := make(map[string]struct{})

	for _, col := range columns {
		if _, meta := metadataColumns[col]; meta {
			continue
		}

		actual[col] = struct{}{}
	}

	expected := t.expectedColumns()

	if len(actual) != len(expected) {
		return t.structureMismatch(expected, actual)
	}

	for col := range expected {
		if _, ok := actual[col]; !ok {
			return t.structureMismatch(expected, actual)
		}
	}

	return nil
}

func (t *Table) structureMismatch(expected, actual map[string]struct{}) error {
	t.logger.Error("table structure mismatch",
		slog.String("table", t.Name()),
		slog.Any("configured", setToSlice(expected)),
		slog.Any("existing", setToSlice(actual)),
	)

	return fmt.Errorf(
		"%w: keyfields or resultfields from the configuration do not match the columns of existing table %s; "+
			"change the configuration or delete the table", ErrTableStructure, t.Name())
}

func (t *Table) createMainTable(ctx context.Context) error {
	d := t.conn.dialect

	defs := []string{d.IDColumn()}

	appendField := func(name, sqlType string) {
		defs = append(defs, fmt.Sprintf("%s %s DEFAULT NULL", d.QuoteIdent(name), d.ColumnType(sqlType)))
	}

	for _, kf := range t.cfg.Database.Keyfields {
		appendField(kf.Name, kf.Type)
	}

	appendField("creation_date", "DATETIME")
	appendField("status", "VARCHAR(255)")
	appendField("start_date", "DATETIME")
	appendField("name", "LONGTEXT")
	appendField("machine", "VARCHAR(255)")

	for _, rf := range t.cfg.Database.Resultfields {
		appendField(rf.Name, rf.Type)

		if t.cfg.Database.ResultTimestamps {
			appendField(rf.Name+"_timestamp", "VARCHAR(255)")
		}
	}

	appendField("end_date", "DATETIME")
	appendField("error", "LONGTEXT")

	ddl := fmt.Sprintf("CREATE TABLE %s (%s%s)",
		d.QuoteIdent(t.Name()), strings.Join(defs, ", "), d.CreateTableSuffix())

	if _, err := t.conn.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCreateTable, t.Name(), err)
	}

	t.logger.Info("created experiment table", slog.String("table", t.Name()))

	return nil
}

// createChildTable creates a logtable or the emissions table. Child rows
// reference the parent experiment and cascade on delete; logtables
// additionally carry an automatic timestamp column.
func (t *Table) createChildTable(ctx context.Context, name string, withTimestamp bool, columns []config.Field) error {
	d := t.conn.dialect

	defs := []string{
		d.IDColumn(),
		fmt.Sprintf("%s %s", d.QuoteIdent("experiment_id"), d.IDRefType()),
	}

	if withTimestamp {
		defs = append(defs, fmt.Sprintf("%s %s", d.QuoteIdent("timestamp"), d.ColumnType("DATETIME")))
	}

	for _, col := range columns {
		defs = append(defs, fmt.Sprintf("%s %s DEFAULT NULL", d.QuoteIdent(col.Name), d.ColumnType(col.Type)))
	}

	fk := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE CASCADE",
		d.QuoteIdent("experiment_id"), d.QuoteIdent(t.Name()), d.QuoteIdent("id"))

	ddl := fmt.Sprintf("CREATE TABLE %s (%s, %s%s)",
		d.QuoteIdent(name), strings.Join(defs, ", "), fk, d.CreateTableSuffix())

	if _, err := t.conn.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCreateTable, name, err)
	}

	t.logger.Info("created child table", slog.String("table", name))

	return nil
}

func (t *Table) ensureEmissionsTable(ctx context.Context) error {
	exists, err := t.conn.dialect.TableExists(ctx, t.conn.db, t.EmissionsTableName())
	if err != nil {
		return fmt.Errorf("%w: probing table %s: %v", ErrCreateTable, t.EmissionsTableName(), err)
	}

	if exists {
		return nil
	}

	return t.createChildTable(ctx, t.EmissionsTableName(), false, emissionsColumns)
}

// Drop removes the main table and every child table.
func (t *Table) Drop(ctx context.Context) error {
	d := t.conn.dialect

	drop := func(name string) error {
		_, err := t.conn.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", d.QuoteIdent(name)))

		return err
	}

	for _, lt := range t.cfg.Database.Logtables {
		if err := drop(t.LogtableName(lt.Name)); err != nil {
			return fmt.Errorf("dropping logtable: %w", err)
		}
	}

	if t.TrackEmissions() {
		if err := drop(t.EmissionsTableName()); err != nil {
			return fmt.Errorf("dropping emissions table: %w", err)
		}
	}

	if err := drop(t.Name()); err != nil {
		return fmt.Errorf("dropping table: %w", err)
	}

	return nil
}

// CountByStatus returns the number of rows per status.
func (t *Table) CountByStatus(ctx context.Context) (map[Status]int, error) {
	d := t.conn.dialect

	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s",
		d.QuoteIdent("status"), d.QuoteIdent(t.Name()), d.QuoteIdent("status"))

	rows, err := t.conn.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("counting experiments: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[Status]int)

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("counting experiments: %w", err)
		}

		counts[Status(status)] = count
	}

	return counts, rows.Err()
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}

	return out
}
