package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// tupleSeparator joins keyfield values into a deduplication key. The unit
// separator cannot appear in serialized scalar values.
const tupleSeparator = "\x1f"

// insertBatchSize bounds the number of rows per INSERT statement so the
// placeholder count stays below every backend's limit.
const insertBatchSize = 500

// FillFromConfig backfills the table with the Cartesian product of the
// keyfield value domains declared in the configuration.
func (t *Table) FillFromConfig(ctx context.Context) (int, error) {
	return t.FillFromParameters(ctx, t.cfg.KeyfieldDomains(), nil)
}

// FillFromParameters backfills the table with the product of the given
// parameters crossed with the fixed combinations. Combinations already
// present in the table are skipped. Returns the number of inserted rows.
func (t *Table) FillFromParameters(
	ctx context.Context,
	parameters map[string][]any,
	fixed []map[string]any,
) (int, error) {
	combinations, err := CombineParameters(t.cfg.KeyfieldNames(), parameters, fixed)
	if err != nil {
		return 0, err
	}

	return t.fill(ctx, combinations, StatusCreated)
}

// FillRows inserts the given fully specified keyfield assignments without
// product expansion.
func (t *Table) FillRows(ctx context.Context, rows []map[string]any) (int, error) {
	if len(rows) == 0 {
		return 0, ErrEmptyFill
	}

	names := t.cfg.KeyfieldNames()

	for _, row := range rows {
		if err := coversKeyfields(names, row); err != nil {
			return 0, err
		}
	}

	return t.fill(ctx, rows, StatusCreated)
}

// InsertForExecution inserts a single fully specified experiment with
// status created_for_execution and returns its id. Used by the immediate
// execution path; the regular claim protocol never selects such rows.
func (t *Table) InsertForExecution(ctx context.Context, keyfields map[string]any) (int64, error) {
	names := t.cfg.KeyfieldNames()

	if err := coversKeyfields(names, keyfields); err != nil {
		return 0, err
	}

	d := t.conn.dialect

	columns := make([]string, 0, len(names)+2)
	args := make([]any, 0, len(names)+2)

	for _, name := range names {
		columns = append(columns, d.QuoteIdent(name))
		args = append(args, keyfields[name])
	}

	columns = append(columns, d.QuoteIdent("status"), d.QuoteIdent("creation_date"))
	args = append(args, string(StatusCreatedForExecution), t.conn.clock.Now().Format(TimeLayout))

	query := d.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s",
		d.QuoteIdent(t.Name()),
		strings.Join(columns, ", "),
		placeholders(len(columns)),
		d.ReturningClause(),
	))

	if d.SupportsLastInsertID() {
		result, err := t.conn.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("inserting experiment: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("inserting experiment: %w", err)
		}

		return id, nil
	}

	var id int64
	if err := t.conn.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("inserting experiment: %w", err)
	}

	return id, nil
}

// fill deduplicates the combinations against the existing rows and
// inserts the remainder with the given status and the current creation
// date.
func (t *Table) fill(ctx context.Context, combinations []map[string]any, status Status) (int, error) {
	names := t.cfg.KeyfieldNames()

	existing, err := t.existingKeyTuples(ctx)
	if err != nil {
		return 0, err
	}

	now := t.conn.clock.Now().Format(TimeLayout)

	var rows [][]any

	skipped := 0

	for _, combo := range combinations {
		if _, dup := existing[tupleKey(combo, names)]; dup {
			skipped++

			continue
		}

		args := make([]any, 0, len(names)+2)
		for _, name := range names {
			args = append(args, combo[name])
		}

		args = append(args, string(status), now)
		rows = append(rows, args)
	}

	if len(rows) == 0 {
		t.logger.Info("no rows to add, all experiments already exist",
			slog.Int("existing", skipped))

		return 0, nil
	}

	if err := t.insertRows(ctx, names, rows); err != nil {
		return 0, err
	}

	t.logger.Info("added experiments",
		slog.String("table", t.Name()),
		slog.Int("inserted", len(rows)),
		slog.Int("skipped", skipped),
	)

	return len(rows), nil
}

func (t *Table) insertRows(ctx context.Context, keyfieldNames []string, rows [][]any) error {
	d := t.conn.dialect

	columns := make([]string, 0, len(keyfieldNames)+2)
	for _, name := range keyfieldNames {
		columns = append(columns, d.QuoteIdent(name))
	}

	columns = append(columns, d.QuoteIdent("status"), d.QuoteIdent("creation_date"))

	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))
		batch := rows[start:end]

		valueLists := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(columns))

		for i, row := range batch {
			valueLists[i] = "(" + placeholders(len(columns)) + ")"
			args = append(args, row...)
		}

		query := d.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			d.QuoteIdent(t.Name()),
			strings.Join(columns, ", "),
			strings.Join(valueLists, ", "),
		))

		if _, err := t.conn.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting experiment rows: %w", err)
		}
	}

	return nil
}

// existingKeyTuples reads the keyfield values of every row and serializes
// them into canonical tuples for deduplication.
func (t *Table) existingKeyTuples(ctx context.Context) (map[string]struct{}, error) {
	keyfields := t.cfg.Database.Keyfields
	d := t.conn.dialect

	quoted := make([]string, len(keyfields))
	for i, kf := range keyfields {
		quoted[i] = d.QuoteIdent(kf.Name)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), d.QuoteIdent(t.Name()))

	rows, err := t.conn.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading existing rows: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	existing := make(map[string]struct{})

	for rows.Next() {
		values := make([]any, len(keyfields))
		pointers := make([]any, len(keyfields))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("reading existing rows: %w", err)
		}

		// Drivers hand back their own scan types (a stored BOOL comes
		// back as int64 or []byte); coerce to the declared type so stored
		// values meet configuration values in the same canonical form.
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = canonicalValue(coerceValue(keyfields[i].Type, v))
		}

		existing[strings.Join(parts, tupleSeparator)] = struct{}{}
	}

	return existing, rows.Err()
}

func tupleKey(combo map[string]any, names []string) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = canonicalValue(combo[name])
	}

	return strings.Join(parts, tupleSeparator)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rollback discards a transaction, tolerating the already-committed case.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
