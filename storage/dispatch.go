package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gridsweep-io/gridsweep/internal/dialect"
)

// Sentinel errors for experiment dispatch.
var (
	// ErrNoExperimentsLeft is returned when no row with status created
	// remains to claim.
	ErrNoExperimentsLeft = errors.New("no experiments left to execute")

	// ErrNoPausedExperiments is returned when the requested paused
	// experiment does not exist.
	ErrNoPausedExperiments = errors.New("no paused experiment with the given id")
)

// PullOpen claims the next open experiment: within one transaction it
// selects at most one row with status created (ordered by id, or randomly
// when randomOrder is set), marks it running with the current start date
// and returns its id together with the keyfield values.
//
// On the networked backends the selecting statement locks the row with
// FOR UPDATE so concurrent claimers exclude each other; on the embedded
// backend the immediate write transaction serializes.
func (t *Table) PullOpen(ctx context.Context, randomOrder bool) (int64, map[string]any, error) {
	d := t.conn.dialect

	orderBy := d.QuoteIdent("id")
	if randomOrder {
		orderBy = d.RandomExpr()
	}

	tx, err := t.conn.beginTx(ctx)
	if err != nil {
		return 0, nil, err
	}

	defer rollback(tx)

	selectID := d.Rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? ORDER BY %s LIMIT 1%s",
		d.QuoteIdent("id"), d.QuoteIdent(t.Name()), d.QuoteIdent("status"), orderBy, d.ForUpdate()))

	var id int64

	err = tx.QueryRowContext(ctx, selectID, string(StatusCreated)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNoExperimentsLeft
	}

	if err != nil {
		return 0, nil, fmt.Errorf("claiming experiment: %w", err)
	}

	update := d.Rebind(fmt.Sprintf(
		"UPDATE %s SET %s = ?, %s = ? WHERE %s = ?",
		d.QuoteIdent(t.Name()), d.QuoteIdent("status"), d.QuoteIdent("start_date"), d.QuoteIdent("id")))

	now := t.conn.clock.Now().Format(TimeLayout)

	if _, err := tx.ExecContext(ctx, update, string(StatusRunning), now, id); err != nil {
		return 0, nil, fmt.Errorf("claiming experiment %d: %w", id, err)
	}

	keyfields, err := t.keyfieldValues(ctx, tx, id)
	if err != nil {
		return 0, nil, err
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("claiming experiment %d: %w", id, err)
	}

	t.logger.Debug("claimed experiment",
		slog.Int64("experiment_id", id),
		slog.Bool("random_order", randomOrder),
	)

	return id, keyfields, nil
}

// PullPaused resumes the paused experiment with the given id: within one
// transaction it reads the keyfields of that row provided it is paused,
// marks it running again and returns the keyfields. Returns
// ErrNoPausedExperiments when the row is absent or not paused.
func (t *Table) PullPaused(ctx context.Context, id int64) (map[string]any, error) {
	d := t.conn.dialect

	tx, err := t.conn.beginTx(ctx)
	if err != nil {
		return nil, err
	}

	defer rollback(tx)

	probe := d.Rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? AND %s = ?%s",
		d.QuoteIdent("id"), d.QuoteIdent(t.Name()),
		d.QuoteIdent("id"), d.QuoteIdent("status"), d.ForUpdate()))

	var found int64

	err = tx.QueryRowContext(ctx, probe, id, string(StatusPaused)).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNoPausedExperiments, id)
	}

	if err != nil {
		return nil, fmt.Errorf("resuming experiment %d: %w", id, err)
	}

	update := d.Rebind(fmt.Sprintf(
		"UPDATE %s SET %s = ? WHERE %s = ?",
		d.QuoteIdent(t.Name()), d.QuoteIdent("status"), d.QuoteIdent("id")))

	if _, err := tx.ExecContext(ctx, update, string(StatusRunning), id); err != nil {
		return nil, fmt.Errorf("resuming experiment %d: %w", id, err)
	}

	keyfields, err := t.keyfieldValues(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("resuming experiment %d: %w", id, err)
	}

	t.logger.Debug("resumed experiment", slog.Int64("experiment_id", id))

	return keyfields, nil
}

// MarkRunning transitions a programmatically inserted experiment to
// running and stamps its start date. Rows claimed through PullOpen or
// PullPaused get this transition inside the claiming transaction instead.
func (t *Table) MarkRunning(ctx context.Context, id int64) error {
	now := t.conn.clock.Now().Format(TimeLayout)

	return t.updateByID(ctx, id, []string{"status", "start_date"}, []any{string(StatusRunning), now})
}

// keyfieldValues reads the keyfield columns of one row and coerces each
// value to its declared SQL type.
func (t *Table) keyfieldValues(ctx context.Context, q dialect.Querier, id int64) (map[string]any, error) {
	d := t.conn.dialect
	keyfields := t.cfg.Database.Keyfields

	quoted := make([]string, len(keyfields))
	for i, kf := range keyfields {
		quoted[i] = d.QuoteIdent(kf.Name)
	}

	query := d.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(quoted, ", "), d.QuoteIdent(t.Name()), d.QuoteIdent("id")))

	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("reading keyfields of experiment %d: %w", id, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading keyfields of experiment %d: %w", id, err)
		}

		return nil, fmt.Errorf("reading keyfields of experiment %d: row vanished", id)
	}

	values := make([]any, len(keyfields))
	pointers := make([]any, len(keyfields))

	for i := range values {
		pointers[i] = &values[i]
	}

	if err := rows.Scan(pointers...); err != nil {
		return nil, fmt.Errorf("reading keyfields of experiment %d: %w", id, err)
	}

	result := make(map[string]any, len(keyfields))
	for i, kf := range keyfields {
		result[kf.Name] = coerceValue(kf.Type, values[i])
	}

	return result, rows.Err()
}

// coerceValue converts a scanned database value into the Go type implied
// by the declared SQL type. Drivers disagree on scan types (mysql hands
// out []byte where sqlite hands out int64), so the declared type decides.
func coerceValue(sqlType string, v any) any {
	if v == nil {
		return nil
	}

	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	base := strings.ToUpper(sqlType)
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}

	base = strings.TrimSpace(base)

	switch base {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT":
		switch value := v.(type) {
		case int64:
			return value
		case int:
			return int64(value)
		case string:
			if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
				return parsed
			}
		}
	case "DOUBLE", "FLOAT", "REAL", "DECIMAL", "NUMERIC", "DOUBLE PRECISION":
		switch value := v.(type) {
		case float64:
			return value
		case int64:
			return float64(value)
		case string:
			if parsed, err := strconv.ParseFloat(value, 64); err == nil {
				return parsed
			}
		}
	case "BOOL", "BOOLEAN":
		switch value := v.(type) {
		case bool:
			return value
		case int64:
			return value != 0
		case string:
			if parsed, err := strconv.ParseBool(value); err == nil {
				return parsed
			}
		}
	}

	if s, ok := v.(string); ok {
		return s
	}

	return v
}
