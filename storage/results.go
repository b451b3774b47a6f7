package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Sentinel errors for result writes.
var (
	// ErrInvalidResultField is returned when a result key is not a
	// declared resultfield.
	ErrInvalidResultField = errors.New("invalid result field")

	// ErrInvalidLogtable is returned when a log entry targets an
	// undeclared logtable.
	ErrInvalidLogtable = errors.New("invalid logtable")

	// ErrInvalidLogColumn is returned when a log entry carries an
	// undeclared column.
	ErrInvalidLogColumn = errors.New("invalid logtable column")

	// ErrInvalidStatus is returned for status values outside the
	// lifecycle state machine.
	ErrInvalidStatus = errors.New("invalid experiment status")
)

// ResultProcessor mediates every write one experiment row receives during
// its run. It is handed to the experiment routine and stays bound to a
// single experiment id.
type ResultProcessor struct {
	table        *Table
	experimentID int64
	logger       *slog.Logger
}

// ResultProcessor returns the write handle for one experiment row.
func (t *Table) ResultProcessor(experimentID int64) *ResultProcessor {
	return &ResultProcessor{
		table:        t,
		experimentID: experimentID,
		logger:       t.logger.With(slog.Int64("experiment_id", experimentID)),
	}
}

// ExperimentID returns the bound experiment row id.
func (p *ResultProcessor) ExperimentID() int64 {
	return p.experimentID
}

// ProcessResults writes result values into the experiment row. Every key
// must be a declared resultfield; otherwise a diagnostic is recorded in
// the row's error column and ErrInvalidResultField is returned. When
// result timestamps are enabled, each value gets a sibling
// <name>_timestamp entry with the current time, written in the same
// UPDATE. Calling ProcessResults again overwrites the named columns.
func (p *ResultProcessor) ProcessResults(ctx context.Context, results map[string]any) error {
	invalid := p.invalidResultKeys(results)
	if len(invalid) > 0 {
		diagnostic := fmt.Sprintf("invalid result fields: %s", strings.Join(invalid, ", "))
		p.logger.Error("rejecting result write", slog.String("fields", strings.Join(invalid, ", ")))

		if err := p.WriteError(ctx, diagnostic); err != nil {
			return err
		}

		return fmt.Errorf("%w: %s", ErrInvalidResultField, strings.Join(invalid, ", "))
	}

	columns := make([]string, 0, len(results))
	for name := range results {
		columns = append(columns, name)
	}

	// Deterministic column order keeps the statement stable across calls.
	sort.Strings(columns)

	values := make([]any, 0, len(results)*2)
	names := make([]string, 0, len(results)*2)

	now := p.table.conn.clock.Now().Format(TimeLayout)

	for _, name := range columns {
		names = append(names, name)
		values = append(values, results[name])

		if p.table.cfg.Database.ResultTimestamps {
			names = append(names, name+"_timestamp")
			values = append(values, now)
		}
	}

	return p.table.updateByID(ctx, p.experimentID, names, values)
}

// ProcessLogs appends one row per entry to the named logtables. Keys are
// logtable suffixes without the "<table>__" prefix; values map column
// names to values. The experiment id and the current timestamp are
// supplied automatically. All inserts run in a single transaction.
func (p *ResultProcessor) ProcessLogs(ctx context.Context, logs map[string]map[string]any) error {
	if err := p.validateLogs(ctx, logs); err != nil {
		return err
	}

	d := p.table.conn.dialect
	now := p.table.conn.clock.Now().Format(TimeLayout)

	tx, err := p.table.conn.beginTx(ctx)
	if err != nil {
		return err
	}

	defer rollback(tx)

	for suffix, entry := range logs {
		columns := make([]string, 0, len(entry))
		for name := range entry {
			columns = append(columns, name)
		}

		sort.Strings(columns)

		quoted := make([]string, 0, len(columns)+2)
		args := make([]any, 0, len(columns)+2)

		quoted = append(quoted, d.QuoteIdent("experiment_id"), d.QuoteIdent("timestamp"))
		args = append(args, p.experimentID, now)

		for _, name := range columns {
			quoted = append(quoted, d.QuoteIdent(name))
			args = append(args, entry[name])
		}

		query := d.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			d.QuoteIdent(p.table.LogtableName(suffix)),
			strings.Join(quoted, ", "),
			placeholders(len(quoted)),
		))

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("appending to logtable %s: %w", p.table.LogtableName(suffix), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("appending log rows: %w", err)
	}

	return nil
}

// ChangeStatus writes the status and, for terminal states, the end date.
func (p *ResultProcessor) ChangeStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	columns := []string{"status"}
	values := []any{string(status)}

	if status.Terminal() {
		columns = append(columns, "end_date")
		values = append(values, p.table.conn.clock.Now().Format(TimeLayout))
	}

	return p.table.updateByID(ctx, p.experimentID, columns, values)
}

// WriteError records the full diagnostic text of a failed run.
func (p *ResultProcessor) WriteError(ctx context.Context, text string) error {
	return p.table.updateByID(ctx, p.experimentID, []string{"error"}, []any{text})
}

// SetMachine tags the row with the executing host.
func (p *ResultProcessor) SetMachine(ctx context.Context, host string) error {
	return p.table.updateByID(ctx, p.experimentID, []string{"machine"}, []any{host})
}

// SetName tags the row with the experimenter name.
func (p *ResultProcessor) SetName(ctx context.Context, name string) error {
	return p.table.updateByID(ctx, p.experimentID, []string{"name"}, []any{name})
}

func (p *ResultProcessor) invalidResultKeys(results map[string]any) []string {
	declared := make(map[string]struct{})
	for _, rf := range p.table.cfg.Database.Resultfields {
		declared[rf.Name] = struct{}{}
	}

	var invalid []string

	for name := range results {
		if _, ok := declared[name]; !ok {
			invalid = append(invalid, name)
		}
	}

	sort.Strings(invalid)

	return invalid
}

func (p *ResultProcessor) validateLogs(ctx context.Context, logs map[string]map[string]any) error {
	declared := make(map[string]map[string]struct{}, len(p.table.cfg.Database.Logtables))

	for _, lt := range p.table.cfg.Database.Logtables {
		columns := make(map[string]struct{}, len(lt.Columns))
		for _, col := range lt.Columns {
			columns[col.Name] = struct{}{}
		}

		declared[lt.Name] = columns
	}

	for suffix, entry := range logs {
		columns, ok := declared[suffix]
		if !ok {
			diagnostic := fmt.Sprintf("invalid logtable: %s", suffix)

			if err := p.WriteError(ctx, diagnostic); err != nil {
				return err
			}

			return fmt.Errorf("%w: %s", ErrInvalidLogtable, suffix)
		}

		for name := range entry {
			if _, ok := columns[name]; !ok {
				diagnostic := fmt.Sprintf("invalid column %s for logtable %s", name, suffix)

				if err := p.WriteError(ctx, diagnostic); err != nil {
					return err
				}

				return fmt.Errorf("%w: %s in logtable %s", ErrInvalidLogColumn, name, suffix)
			}
		}
	}

	return nil
}

// updateByID writes the given columns of one row in a single UPDATE.
func (t *Table) updateByID(ctx context.Context, id int64, columns []string, values []any) error {
	d := t.conn.dialect

	assignments := make([]string, len(columns))
	for i, name := range columns {
		assignments[i] = d.QuoteIdent(name) + " = ?"
	}

	query := d.Rebind(fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		d.QuoteIdent(t.Name()), strings.Join(assignments, ", "), d.QuoteIdent("id")))

	args := make([]any, 0, len(values)+1)
	args = append(args, values...)
	args = append(args, id)

	if _, err := t.conn.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating experiment %d: %w", id, err)
	}

	return nil
}
