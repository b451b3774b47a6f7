package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineParameters_ProductOrder(t *testing.T) {
	combinations, err := CombineParameters(
		[]string{"dataset", "seed"},
		map[string][]any{
			"dataset": {"iris", "wine"},
			"seed":    {1, 2, 3},
		},
		nil,
	)

	require.NoError(t, err)
	require.Len(t, combinations, 6)

	// Declaration order, last key fastest.
	assert.Equal(t, map[string]any{"dataset": "iris", "seed": 1}, combinations[0])
	assert.Equal(t, map[string]any{"dataset": "iris", "seed": 2}, combinations[1])
	assert.Equal(t, map[string]any{"dataset": "iris", "seed": 3}, combinations[2])
	assert.Equal(t, map[string]any{"dataset": "wine", "seed": 1}, combinations[3])
	assert.Equal(t, map[string]any{"dataset": "wine", "seed": 3}, combinations[5])
}

func TestCombineParameters_CrossWithFixed(t *testing.T) {
	combinations, err := CombineParameters(
		[]string{"dataset", "seed", "kernel"},
		map[string][]any{"seed": {1, 2}},
		[]map[string]any{
			{"dataset": "iris", "kernel": "linear"},
			{"dataset": "wine", "kernel": "rbf"},
		},
	)

	require.NoError(t, err)
	require.Len(t, combinations, 4)
	assert.Equal(t, map[string]any{"dataset": "iris", "seed": 1, "kernel": "linear"}, combinations[0])
	assert.Equal(t, map[string]any{"dataset": "wine", "seed": 2, "kernel": "rbf"}, combinations[3])
}

func TestCombineParameters_FixedOnly(t *testing.T) {
	fixed := []map[string]any{
		{"dataset": "iris", "seed": 7},
	}

	combinations, err := CombineParameters([]string{"dataset", "seed"}, nil, fixed)

	require.NoError(t, err)
	assert.Equal(t, fixed, combinations)
}

func TestCombineParameters_DuplicateKey(t *testing.T) {
	_, err := CombineParameters(
		[]string{"dataset", "seed"},
		map[string][]any{"dataset": {"iris"}, "seed": {1}},
		[]map[string]any{{"seed": 2}},
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParameterCombination)
}

func TestCombineParameters_MissingKeyfield(t *testing.T) {
	_, err := CombineParameters(
		[]string{"dataset", "seed"},
		map[string][]any{"dataset": {"iris"}},
		nil,
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParameterCombination)
}

func TestCombineParameters_ExtraKey(t *testing.T) {
	_, err := CombineParameters(
		[]string{"dataset"},
		nil,
		[]map[string]any{{"dataset": "iris", "stray": true}},
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParameterCombination)
}

func TestCombineParameters_Empty(t *testing.T) {
	_, err := CombineParameters([]string{"dataset"}, nil, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyFill)
}

func TestCanonicalValue(t *testing.T) {
	assert.Equal(t, "", canonicalValue(nil))
	assert.Equal(t, "iris", canonicalValue("iris"))
	assert.Equal(t, "iris", canonicalValue([]byte("iris")))
	assert.Equal(t, "true", canonicalValue(true))
	assert.Equal(t, "42", canonicalValue(42))
	assert.Equal(t, "42", canonicalValue(int64(42)))
	assert.Equal(t, "0.5", canonicalValue(0.5))

	// Config values and values scanned back from the database must meet
	// in the same representation.
	assert.Equal(t, canonicalValue(7), canonicalValue(int64(7)))
}
