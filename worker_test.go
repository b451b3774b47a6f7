package gridsweep

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsweep-io/gridsweep/storage"
)

const trackedDocument = `
gridsweep:
  n_jobs: 1
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        seed:
          type: INT
          values: [1, 2]
      resultfields:
        score: DOUBLE
  codecarbon:
    measure_power_secs: "25"
    tracking_mode: process
`

func TestExecute_TrackerConfigLifecycle(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	configPath := filepath.Join(dir, "experiment.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(trackedDocument), 0o600))

	ctx := context.Background()

	e, err := New(ctx, configPath,
		WithDatabaseName(filepath.Join(dir, "experiments")),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = e.Close()
	})

	_, err = e.FillTableFromConfig(ctx)
	require.NoError(t, err)

	var seenConfig string

	routine := func(ctx context.Context, _ map[string]any, _ *storage.ResultProcessor, _ map[string]string) (Status, error) {
		// The tracker config must exist while experiments run.
		data, readErr := os.ReadFile(trackerConfigFile)
		if readErr != nil {
			return "", readErr
		}

		seenConfig = string(data)

		return StatusDone, nil
	}

	require.NoError(t, e.Execute(ctx, routine, -1, false))

	assert.True(t, strings.HasPrefix(seenConfig, "[codecarbon]\n"))
	assert.Contains(t, seenConfig, "measure_power_secs = 25\n")
	assert.Contains(t, seenConfig, "tracking_mode = process\n")

	// Execute removes the file on the way out.
	_, err = os.Stat(trackerConfigFile)
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_UnexpectedRoutineStatus(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "experiment.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(strings.ReplaceAll(testDocument, "%NJOBS%", "1")), 0o600))

	ctx := context.Background()

	e, err := New(ctx, configPath,
		WithDatabaseName(filepath.Join(dir, "experiments")),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = e.Close()
	})

	_, err = e.FillTableFromConfig(ctx)
	require.NoError(t, err)

	routine := func(ctx context.Context, _ map[string]any, _ *storage.ResultProcessor, _ map[string]string) (Status, error) {
		return Status("finished"), nil
	}

	require.NoError(t, e.Execute(ctx, routine, 1, false))

	counts, err := e.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[storage.StatusError])
}
