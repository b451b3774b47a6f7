package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsweep-io/gridsweep/config"
)

func TestPullOpen_ClaimsInIDOrder(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	mustFill(t, table)

	id, keyfields, err := table.PullOpen(ctx, false)

	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, map[string]any{"dataset": "iris", "seed": int64(1)}, keyfields)

	id, _, err = table.PullOpen(ctx, false)

	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestPullOpen_MarksRunning(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	mustFill(t, table)

	id, _, err := table.PullOpen(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, string(StatusRunning), rowColumn(t, table, id, "status"))
	assert.NotEmpty(t, rowColumn(t, table, id, "start_date"))
}

func TestPullOpen_Exhausted(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	mustFill(t, table)

	for i := 0; i < 6; i++ {
		_, _, err := table.PullOpen(ctx, false)
		require.NoError(t, err)
	}

	_, _, err := table.PullOpen(ctx, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoExperimentsLeft)
}

func TestPullOpen_RandomOrderClaimsEachOnce(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	mustFill(t, table)

	seen := make(map[int64]struct{})

	for i := 0; i < 6; i++ {
		id, _, err := table.PullOpen(ctx, true)
		require.NoError(t, err)

		_, dup := seen[id]
		require.False(t, dup, "experiment %d claimed twice", id)

		seen[id] = struct{}{}
	}

	_, _, err := table.PullOpen(ctx, true)
	assert.ErrorIs(t, err, ErrNoExperimentsLeft)
}

func TestPullOpen_ConcurrentClaimersNeverShareARow(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Database.Keyfields = []config.Keyfield{
		{Name: "dataset", Type: "VARCHAR(50)", Values: []any{"iris"}},
		{Name: "seed", Type: "INT", Values: seedDomain(100)},
	}

	table := openTestTable(t, cfg)
	require.Equal(t, 100, mustFill(t, table))

	const workers = 8

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				id, _, err := table.PullOpen(ctx, false)
				if err != nil {
					return
				}

				mu.Lock()
				claimed[id]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	require.Len(t, claimed, 100)

	for id, count := range claimed {
		assert.Equal(t, 1, count, "experiment %d claimed %d times", id, count)
	}
}

func TestPullPaused(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	mustFill(t, table)

	id, _, err := table.PullOpen(ctx, false)
	require.NoError(t, err)
	require.NoError(t, table.ResultProcessor(id).ChangeStatus(ctx, StatusPaused))

	keyfields, err := table.PullPaused(ctx, id)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"dataset": "iris", "seed": int64(1)}, keyfields)
	assert.Equal(t, string(StatusRunning), rowColumn(t, table, id, "status"))
}

func TestPullPaused_NotPaused(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	mustFill(t, table)

	_, err := table.PullPaused(ctx, 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPausedExperiments)
}

func TestPullPaused_UnknownID(t *testing.T) {
	ctx := context.Background()
	table := openTestTable(t, testConfig())

	mustFill(t, table)

	_, err := table.PullPaused(ctx, 4711)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPausedExperiments)
}

func TestCoerceValue(t *testing.T) {
	assert.Equal(t, int64(7), coerceValue("INT", int64(7)))
	assert.Equal(t, int64(7), coerceValue("INT", []byte("7")))
	assert.Equal(t, 0.5, coerceValue("DOUBLE", []byte("0.5")))
	assert.Equal(t, 2.0, coerceValue("DOUBLE PRECISION", int64(2)))
	assert.Equal(t, true, coerceValue("BOOL", int64(1)))
	assert.Equal(t, "iris", coerceValue("VARCHAR(50)", []byte("iris")))
	assert.Nil(t, coerceValue("INT", nil))
}

func seedDomain(n int) []any {
	values := make([]any, n)
	for i := range values {
		values[i] = i
	}

	return values
}
