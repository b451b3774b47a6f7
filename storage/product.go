package storage

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Sentinel errors for fill operations.
var (
	// ErrParameterCombination is returned when combinations repeat a key
	// or do not cover the keyfield set.
	ErrParameterCombination = errors.New("invalid parameter combination")

	// ErrEmptyFill is returned when a fill call produces no combinations.
	ErrEmptyFill = errors.New("no combinations to execute found")
)

// CombineParameters builds the list of experiment rows from the Cartesian
// product of the parameters map crossed with the fixed combinations.
//
// The product is enumerated in keyfield declaration order with the last
// key varying fastest. When only one of the two sources is supplied, the
// result is that source alone. Every resulting combination must cover
// exactly the keyfield set; a key appearing in both sources is an error.
func CombineParameters(
	keyfieldNames []string,
	parameters map[string][]any,
	fixed []map[string]any,
) ([]map[string]any, error) {
	product := expandProduct(keyfieldNames, parameters)

	var combinations []map[string]any

	switch {
	case len(product) > 0 && len(fixed) > 0:
		for _, combo := range product {
			for _, fixedCombo := range fixed {
				merged := make(map[string]any, len(combo)+len(fixedCombo))

				for k, v := range combo {
					merged[k] = v
				}

				for k, v := range fixedCombo {
					if _, dup := merged[k]; dup {
						return nil, fmt.Errorf("%w: key %q is used more than once", ErrParameterCombination, k)
					}

					merged[k] = v
				}

				combinations = append(combinations, merged)
			}
		}
	case len(product) > 0:
		combinations = product
	default:
		combinations = fixed
	}

	if len(combinations) == 0 {
		return nil, ErrEmptyFill
	}

	for _, combo := range combinations {
		if err := coversKeyfields(keyfieldNames, combo); err != nil {
			return nil, err
		}
	}

	return combinations, nil
}

// expandProduct enumerates the product of the parameter value lists, in
// keyfield order, last key fastest.
func expandProduct(keyfieldNames []string, parameters map[string][]any) []map[string]any {
	var (
		usedKeys []string
		domains  [][]any
	)

	for _, name := range keyfieldNames {
		if values, ok := parameters[name]; ok {
			usedKeys = append(usedKeys, name)
			domains = append(domains, values)
		}
	}

	if len(usedKeys) == 0 {
		return nil
	}

	total := 1
	for _, domain := range domains {
		total *= len(domain)
	}

	if total == 0 {
		return nil
	}

	combinations := make([]map[string]any, 0, total)
	indices := make([]int, len(domains))

	for {
		combo := make(map[string]any, len(usedKeys))
		for i, name := range usedKeys {
			combo[name] = domains[i][indices[i]]
		}

		combinations = append(combinations, combo)

		// Advance the rightmost index; carry leftwards.
		pos := len(indices) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(domains[pos]) {
				break
			}

			indices[pos] = 0
			pos--
		}

		if pos < 0 {
			break
		}
	}

	return combinations
}

func coversKeyfields(keyfieldNames []string, combo map[string]any) error {
	if len(combo) != len(keyfieldNames) {
		return fmt.Errorf(
			"%w: combination %v does not match the configured keyfields %v",
			ErrParameterCombination, sortedKeys(combo), keyfieldNames)
	}

	for _, name := range keyfieldNames {
		if _, ok := combo[name]; !ok {
			return fmt.Errorf("%w: combination is missing keyfield %q", ErrParameterCombination, name)
		}
	}

	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// canonicalValue serializes a keyfield value into the representation used
// for deduplication. Values read back from the database and values coming
// from the configuration must map to the same string.
func canonicalValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []byte:
		return string(value)
	case bool:
		return strconv.FormatBool(value)
	case int:
		return strconv.FormatInt(int64(value), 10)
	case int32:
		return strconv.FormatInt(int64(value), 10)
	case int64:
		return strconv.FormatInt(value, 10)
	case float32:
		return strconv.FormatFloat(float64(value), 'g', -1, 64)
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}
