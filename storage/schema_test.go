package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsweep-io/gridsweep/config"
)

func TestEnsureSchema_CreatesTables(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	require.NoError(t, table.EnsureSchema(ctx))

	d := table.conn.Dialect()

	exists, err := d.TableExists(ctx, table.conn.DB(), "sweep")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = d.TableExists(ctx, table.conn.DB(), "sweep__epochs")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnsureSchema_ColumnOrder(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Database.ResultTimestamps = true
	table := openTestTable(t, cfg)

	require.NoError(t, table.EnsureSchema(ctx))

	columns, err := table.conn.Dialect().ColumnNames(ctx, table.conn.DB(), "sweep")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"id",
		"dataset", "seed",
		"creation_date", "status", "start_date", "name", "machine",
		"score", "score_timestamp",
		"end_date", "error",
	}, columns)
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	require.NoError(t, table.EnsureSchema(ctx))
	require.NoError(t, table.EnsureSchema(ctx))
}

func TestEnsureSchema_StructureMismatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	table := openTestTable(t, cfg)

	require.NoError(t, table.EnsureSchema(ctx))

	// A second manager with a different keyfield set must refuse the
	// existing table instead of writing into it.
	changed := testConfig()
	changed.Database.Keyfields = append(changed.Database.Keyfields,
		config.Keyfield{Name: "kernel", Type: "VARCHAR(50)", Values: []any{"linear"}})

	other := NewTable(table.conn, changed)

	err := other.EnsureSchema(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTableStructure)
}

func TestEnsureSchema_EmissionsTable(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CodeCarbon = map[string]string{"tracking_mode": "process"}
	table := openTestTable(t, cfg)

	require.NoError(t, table.EnsureSchema(ctx))

	exists, err := table.conn.Dialect().TableExists(ctx, table.conn.DB(), "sweep_codecarbon")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnsureSchema_EmissionsTableAddedLater(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	require.NoError(t, table.EnsureSchema(ctx))

	// Enabling tracking against an existing table only adds the child.
	tracked := testConfig()
	tracked.CodeCarbon = map[string]string{"tracking_mode": "process"}

	other := NewTable(table.conn, tracked)
	require.NoError(t, other.EnsureSchema(ctx))

	exists, err := table.conn.Dialect().TableExists(ctx, table.conn.DB(), "sweep_codecarbon")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	require.NoError(t, table.EnsureSchema(ctx))
	require.NoError(t, table.Drop(ctx))

	exists, err := table.conn.Dialect().TableExists(ctx, table.conn.DB(), "sweep")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = table.conn.Dialect().TableExists(ctx, table.conn.DB(), "sweep__epochs")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	inserted := mustFill(t, table)
	require.Equal(t, 6, inserted)

	counts, err := table.CountByStatus(ctx)

	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusCreated: 6}, counts)
}
