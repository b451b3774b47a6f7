package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig materializes a configuration document in a temp dir and
// returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "experiment.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const fullDocument = `
gridsweep:
  n_jobs: 4
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        dataset:
          type: VARCHAR(50)
          values: [iris, wine, breast_cancer]
        seed:
          type: INT
          values:
            start: 2
            stop: 7
            step: 2
        kernel:
          values: [linear, rbf]
      result_timestamps: true
      resultfields:
        train_score: DOUBLE
        test_score: DOUBLE
      logtables:
        epochs:
          loss: DOUBLE
          accuracy: DOUBLE
  custom:
    data_path: /data/sets
  codecarbon:
    measure_power_secs: "25"
    tracking_mode: process
`

func TestLoad_FullDocument(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullDocument))

	require.NoError(t, err)
	assert.Equal(t, ProviderSQLite, cfg.Database.Provider)
	assert.Equal(t, "experiments", cfg.Database.Database)
	assert.Equal(t, "sweep", cfg.Database.Table)
	assert.Equal(t, 4, cfg.NJobs)
	assert.True(t, cfg.Database.ResultTimestamps)
	assert.Equal(t, "/data/sets", cfg.Custom["data_path"])
	assert.Equal(t, "25", cfg.CodeCarbon["measure_power_secs"])
}

func TestLoad_KeyfieldOrderAndTypes(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullDocument))
	require.NoError(t, err)

	// Declaration order must survive decoding.
	assert.Equal(t, []string{"dataset", "seed", "kernel"}, cfg.KeyfieldNames())

	assert.Equal(t, "VARCHAR(50)", cfg.Database.Keyfields[0].Type)
	assert.Equal(t, "INT", cfg.Database.Keyfields[1].Type)
	assert.Equal(t, DefaultFieldType, cfg.Database.Keyfields[2].Type)
}

func TestLoad_RangeExpansion(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullDocument))
	require.NoError(t, err)

	// start inclusive, stop exclusive.
	assert.Equal(t, []any{2, 4, 6}, cfg.Database.Keyfields[1].Values)
}

func TestLoad_RangeDefaultsAndNegativeStep(t *testing.T) {
	doc := `
gridsweep:
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        up:
          values: {start: 0, stop: 3}
        down:
          values: {start: 3, stop: 0, step: -1}
`

	cfg, err := Load(writeConfig(t, doc))

	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2}, cfg.Database.Keyfields[0].Values)
	assert.Equal(t, []any{3, 2, 1}, cfg.Database.Keyfields[1].Values)
}

func TestLoad_RangeWithoutStop(t *testing.T) {
	doc := `
gridsweep:
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        seed:
          values: {start: 0}
`

	_, err := Load(writeConfig(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidColumn)
}

func TestLoad_Resultfields(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullDocument))
	require.NoError(t, err)

	assert.Equal(t, []string{"train_score", "test_score"}, cfg.ResultfieldNames())
	assert.Equal(t, "DOUBLE", cfg.Database.Resultfields[0].Type)
}

func TestLoad_Logtables(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullDocument))
	require.NoError(t, err)

	require.Len(t, cfg.Database.Logtables, 1)
	assert.Equal(t, "epochs", cfg.Database.Logtables[0].Name)
	assert.Equal(t, []Field{
		{Name: "loss", Type: "DOUBLE"},
		{Name: "accuracy", Type: "DOUBLE"},
	}, cfg.Database.Logtables[0].Columns)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoConfigFile)
}

func TestLoad_UnsupportedProvider(t *testing.T) {
	doc := `
gridsweep:
  database:
    provider: oracle
    database: experiments
    table:
      name: sweep
      keyfields:
        seed:
          values: [1]
`

	_, err := Load(writeConfig(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestLoad_NoKeyfields(t *testing.T) {
	doc := `
gridsweep:
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
`

	_, err := Load(writeConfig(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_ReservedColumnName(t *testing.T) {
	doc := `
gridsweep:
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        status:
          values: [a, b]
`

	_, err := Load(writeConfig(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidColumn)
}

func TestLoad_DuplicateFieldAcrossSections(t *testing.T) {
	doc := `
gridsweep:
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        score:
          values: [1, 2]
      resultfields:
        score: DOUBLE
`

	_, err := Load(writeConfig(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidColumn)
}

func TestLoad_TimestampSiblingCollision(t *testing.T) {
	doc := `
gridsweep:
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        seed:
          values: [1]
      result_timestamps: true
      resultfields:
        score: DOUBLE
        score_timestamp: VARCHAR(255)
`

	_, err := Load(writeConfig(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidColumn)
}

func TestLoad_DefaultNJobs(t *testing.T) {
	doc := `
gridsweep:
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        seed:
          values: [1]
`

	cfg, err := Load(writeConfig(t, doc))

	require.NoError(t, err)
	assert.Equal(t, 1, cfg.NJobs)
}

func TestLoad_NegativeNJobs(t *testing.T) {
	doc := `
gridsweep:
  n_jobs: -3
  database:
    provider: sqlite
    database: experiments
    table:
      name: sweep
      keyfields:
        seed:
          values: [1]
`

	_, err := Load(writeConfig(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_KeyfieldDomains(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullDocument))
	require.NoError(t, err)

	domains := cfg.KeyfieldDomains()

	require.Len(t, domains, 3)
	assert.Equal(t, []any{"iris", "wine", "breast_cancer"}, domains["dataset"])
	assert.Equal(t, []any{"linear", "rbf"}, domains["kernel"])
}
