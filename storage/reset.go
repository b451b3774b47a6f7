package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Reset deletes the rows having any of the given statuses and re-inserts
// their keyfield assignments with status created. Logtable rows of the
// deleted experiments cascade away. The pseudo-status StatusAll selects
// every row. Returns the number of reset experiments.
func (t *Table) Reset(ctx context.Context, statuses ...Status) (int, error) {
	total := 0

	for _, status := range statuses {
		rows, err := t.popByStatus(ctx, status)
		if err != nil {
			return total, err
		}

		if len(rows) == 0 {
			continue
		}

		if _, err := t.fill(ctx, rows, StatusCreated); err != nil {
			return total, err
		}

		total += len(rows)

		t.logger.Info("reset experiments",
			slog.String("status", string(status)),
			slog.Int("count", len(rows)),
		)
	}

	return total, nil
}

// popByStatus reads the keyfield assignments of every row with the given
// status and deletes those rows, both inside one transaction.
func (t *Table) popByStatus(ctx context.Context, status Status) ([]map[string]any, error) {
	if status != StatusAll && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	d := t.conn.dialect
	keyfields := t.cfg.Database.Keyfields

	quoted := make([]string, len(keyfields))
	for i, kf := range keyfields {
		quoted[i] = d.QuoteIdent(kf.Name)
	}

	condition := ""

	var args []any

	if status != StatusAll {
		condition = fmt.Sprintf(" WHERE %s = ?", d.QuoteIdent("status"))

		args = append(args, string(status))
	}

	tx, err := t.conn.beginTx(ctx)
	if err != nil {
		return nil, err
	}

	defer rollback(tx)

	query := d.Rebind(fmt.Sprintf("SELECT %s FROM %s%s",
		strings.Join(quoted, ", "), d.QuoteIdent(t.Name()), condition))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting experiments to reset: %w", err)
	}

	var popped []map[string]any

	func() {
		defer func() {
			_ = rows.Close()
		}()

		for rows.Next() {
			values := make([]any, len(keyfields))
			pointers := make([]any, len(keyfields))

			for i := range values {
				pointers[i] = &values[i]
			}

			if scanErr := rows.Scan(pointers...); scanErr != nil {
				err = scanErr

				return
			}

			row := make(map[string]any, len(keyfields))
			for i, kf := range keyfields {
				row[kf.Name] = coerceValue(kf.Type, values[i])
			}

			popped = append(popped, row)
		}

		err = rows.Err()
	}()

	if err != nil {
		return nil, fmt.Errorf("selecting experiments to reset: %w", err)
	}

	if len(popped) == 0 {
		return nil, nil
	}

	deleteQuery := d.Rebind(fmt.Sprintf("DELETE FROM %s%s", d.QuoteIdent(t.Name()), condition))

	if _, err := tx.ExecContext(ctx, deleteQuery, args...); err != nil {
		return nil, fmt.Errorf("deleting experiments to reset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("resetting experiments: %w", err)
	}

	return popped, nil
}
