// Package config loads and validates the declarative experiment
// configuration and the database credentials document.
//
// The experiment configuration is a YAML document whose top section is
// named "gridsweep". It declares the database backend, the shape of the
// experiment table (keyfields, resultfields, logtables), the worker count
// and optional custom values forwarded verbatim to the experiment
// routine.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Supported database providers.
const (
	ProviderSQLite   = "sqlite"
	ProviderMySQL    = "mysql"
	ProviderPostgres = "postgres"
)

// DefaultFieldType is used for keyfields and resultfields that omit an
// explicit SQL type.
const DefaultFieldType = "VARCHAR(255)"

// defaultNJobs is the worker count used when n_jobs is absent.
const defaultNJobs = 1

// Sentinel errors for configuration loading and validation.
var (
	// ErrNoConfigFile is returned when the configuration file does not exist.
	ErrNoConfigFile = errors.New("configuration file missing")

	// ErrInvalidConfig is returned when the document structure is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedProvider is returned for providers other than sqlite,
	// mysql and postgres.
	ErrUnsupportedProvider = errors.New("unsupported database provider")

	// ErrInvalidColumn is returned for malformed keyfield or resultfield
	// definitions.
	ErrInvalidColumn = errors.New("invalid column definition")

	// ErrInvalidLogtable is returned for malformed logtable definitions.
	ErrInvalidLogtable = errors.New("invalid logtable definition")
)

// reservedColumns are the metadata columns every experiment table carries.
// User-defined fields must not collide with them.
var reservedColumns = map[string]struct{}{
	"id":            {},
	"creation_date": {},
	"status":        {},
	"start_date":    {},
	"name":          {},
	"machine":       {},
	"end_date":      {},
	"error":         {},
}

// Field is a named column with an SQL type.
type Field struct {
	Name string
	Type string
}

// Keyfield is an input dimension of the experiment grid. Its Values hold
// the full value domain, either listed explicitly in the document or
// expanded from a {start, stop, step} range.
type Keyfield struct {
	Name   string
	Type   string
	Values []any
}

// Logtable describes a child table for append-only per-experiment log
// rows. Name is the suffix without the "<table>__" prefix.
type Logtable struct {
	Name    string
	Columns []Field
}

// Database describes the backend and the experiment table layout.
type Database struct {
	Provider         string
	Database         string
	Table            string
	ResultTimestamps bool
	Keyfields        []Keyfield
	Resultfields     []Field
	Logtables        []Logtable
}

// Config is the validated in-memory form of the experiment document.
type Config struct {
	Database   Database
	NJobs      int
	Custom     map[string]string
	CodeCarbon map[string]string
}

// document mirrors the YAML layout. Keyfields, resultfields and logtables
// are kept as raw nodes so that document order survives decoding; Go maps
// would shuffle it.
type document struct {
	Gridsweep struct {
		Database struct {
			Provider string `yaml:"provider"`
			Database string `yaml:"database"`
			Table    struct {
				Name             string    `yaml:"name"`
				Keyfields        yaml.Node `yaml:"keyfields"`
				Resultfields     yaml.Node `yaml:"resultfields"`
				ResultTimestamps bool      `yaml:"result_timestamps"`
				Logtables        yaml.Node `yaml:"logtables"`
			} `yaml:"table"`
		} `yaml:"database"`
		NJobs      int               `yaml:"n_jobs"`
		Custom     map[string]string `yaml:"custom"`
		CodeCarbon map[string]string `yaml:"codecarbon"`
	} `yaml:"gridsweep"`
}

// Load reads, parses and validates the experiment configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoConfigFile, path)
		}

		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := &Config{
		NJobs:      doc.Gridsweep.NJobs,
		Custom:     doc.Gridsweep.Custom,
		CodeCarbon: doc.Gridsweep.CodeCarbon,
	}
	cfg.Database.Provider = doc.Gridsweep.Database.Provider
	cfg.Database.Database = doc.Gridsweep.Database.Database
	cfg.Database.Table = doc.Gridsweep.Database.Table.Name
	cfg.Database.ResultTimestamps = doc.Gridsweep.Database.Table.ResultTimestamps

	if cfg.NJobs == 0 {
		cfg.NJobs = defaultNJobs
	}

	if cfg.Database.Keyfields, err = decodeKeyfields(&doc.Gridsweep.Database.Table.Keyfields); err != nil {
		return nil, err
	}

	if cfg.Database.Resultfields, err = decodeFields(&doc.Gridsweep.Database.Table.Resultfields, "resultfields"); err != nil {
		return nil, err
	}

	if cfg.Database.Logtables, err = decodeLogtables(&doc.Gridsweep.Database.Table.Logtables); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks provider, table identity, field sets and n_jobs. The
// returned error names the offending option.
func (c *Config) Validate() error {
	switch c.Database.Provider {
	case ProviderSQLite, ProviderMySQL, ProviderPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, c.Database.Provider)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidConfig)
	}

	if c.Database.Table == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidConfig)
	}

	if len(c.Database.Keyfields) == 0 {
		return fmt.Errorf("%w: no keyfields declared", ErrInvalidConfig)
	}

	if c.NJobs <= 0 {
		return fmt.Errorf("%w: n_jobs must be a positive integer, got %d", ErrInvalidConfig, c.NJobs)
	}

	seen := make(map[string]struct{})

	for _, kf := range c.Database.Keyfields {
		if err := checkFieldName(kf.Name, seen); err != nil {
			return err
		}
	}

	for _, rf := range c.Database.Resultfields {
		if err := checkFieldName(rf.Name, seen); err != nil {
			return err
		}

		if c.Database.ResultTimestamps {
			if err := checkFieldName(rf.Name+"_timestamp", seen); err != nil {
				return err
			}
		}
	}

	for _, lt := range c.Database.Logtables {
		if lt.Name == "" {
			return fmt.Errorf("%w: logtable with empty name", ErrInvalidLogtable)
		}

		if len(lt.Columns) == 0 {
			return fmt.Errorf("%w: logtable %q has no columns", ErrInvalidLogtable, lt.Name)
		}

		cols := make(map[string]struct{})
		for _, col := range lt.Columns {
			if err := checkFieldName(col.Name, cols); err != nil {
				return fmt.Errorf("logtable %q: %w", lt.Name, err)
			}
		}
	}

	return nil
}

// KeyfieldNames returns the keyfield names in declaration order.
func (c *Config) KeyfieldNames() []string {
	names := make([]string, len(c.Database.Keyfields))
	for i, kf := range c.Database.Keyfields {
		names[i] = kf.Name
	}

	return names
}

// ResultfieldNames returns the resultfield names in declaration order,
// without timestamp siblings.
func (c *Config) ResultfieldNames() []string {
	names := make([]string, len(c.Database.Resultfields))
	for i, rf := range c.Database.Resultfields {
		names[i] = rf.Name
	}

	return names
}

// KeyfieldDomains returns the declared value domain per keyfield.
func (c *Config) KeyfieldDomains() map[string][]any {
	domains := make(map[string][]any, len(c.Database.Keyfields))
	for _, kf := range c.Database.Keyfields {
		domains[kf.Name] = kf.Values
	}

	return domains
}

func checkFieldName(name string, seen map[string]struct{}) error {
	if name == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidColumn)
	}

	if _, reserved := reservedColumns[name]; reserved {
		return fmt.Errorf("%w: %q is a reserved column name", ErrInvalidColumn, name)
	}

	if _, dup := seen[name]; dup {
		return fmt.Errorf("%w: duplicate field name %q", ErrInvalidColumn, name)
	}

	seen[name] = struct{}{}

	return nil
}

// valueRange is the {start, stop, step} form of a keyfield value domain.
// Semantics match a half-open integer range: start inclusive, stop
// exclusive, step defaults to 1.
type valueRange struct {
	Start *int `yaml:"start"`
	Stop  *int `yaml:"stop"`
	Step  int  `yaml:"step"`
}

func decodeKeyfields(node *yaml.Node) ([]Keyfield, error) {
	if node.Kind == 0 || node.IsZero() {
		return nil, nil
	}

	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: keyfields must be a mapping", ErrInvalidColumn)
	}

	keyfields := make([]Keyfield, 0, len(node.Content)/2)

	for i := 0; i < len(node.Content); i += 2 {
		nameNode, defNode := node.Content[i], node.Content[i+1]

		if nameNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%w: keyfield name must be a string", ErrInvalidColumn)
		}

		kf := Keyfield{Name: nameNode.Value, Type: DefaultFieldType}

		if defNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: keyfield %q must map to {type, values}", ErrInvalidColumn, kf.Name)
		}

		for j := 0; j < len(defNode.Content); j += 2 {
			key, value := defNode.Content[j], defNode.Content[j+1]

			switch key.Value {
			case "type":
				if err := value.Decode(&kf.Type); err != nil {
					return nil, fmt.Errorf("%w: keyfield %q type: %v", ErrInvalidColumn, kf.Name, err)
				}
			case "values":
				values, err := decodeValues(kf.Name, value)
				if err != nil {
					return nil, err
				}

				kf.Values = values
			default:
				return nil, fmt.Errorf("%w: keyfield %q has unknown option %q", ErrInvalidColumn, kf.Name, key.Value)
			}
		}

		keyfields = append(keyfields, kf)
	}

	return keyfields, nil
}

func decodeValues(keyfield string, node *yaml.Node) ([]any, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var values []any
		if err := node.Decode(&values); err != nil {
			return nil, fmt.Errorf("%w: keyfield %q values: %v", ErrInvalidColumn, keyfield, err)
		}

		return values, nil

	case yaml.MappingNode:
		var r valueRange
		if err := node.Decode(&r); err != nil {
			return nil, fmt.Errorf("%w: keyfield %q range: %v", ErrInvalidColumn, keyfield, err)
		}

		if r.Start == nil || r.Stop == nil {
			return nil, fmt.Errorf("%w: keyfield %q range needs start and stop", ErrInvalidColumn, keyfield)
		}

		if r.Step == 0 {
			r.Step = 1
		}

		return expandRange(*r.Start, *r.Stop, r.Step), nil

	default:
		return nil, fmt.Errorf("%w: keyfield %q values must be a list or a range", ErrInvalidColumn, keyfield)
	}
}

func expandRange(start, stop, step int) []any {
	var values []any

	if step > 0 {
		for v := start; v < stop; v += step {
			values = append(values, v)
		}
	} else {
		for v := start; v > stop; v += step {
			values = append(values, v)
		}
	}

	return values
}

func decodeFields(node *yaml.Node, section string) ([]Field, error) {
	if node.Kind == 0 || node.IsZero() {
		return nil, nil
	}

	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s must be a mapping of name to SQL type", ErrInvalidColumn, section)
	}

	fields := make([]Field, 0, len(node.Content)/2)

	for i := 0; i < len(node.Content); i += 2 {
		nameNode, typeNode := node.Content[i], node.Content[i+1]

		if nameNode.Kind != yaml.ScalarNode || typeNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%w: %s entries must be scalar name/type pairs", ErrInvalidColumn, section)
		}

		fieldType := typeNode.Value
		if fieldType == "" {
			fieldType = DefaultFieldType
		}

		fields = append(fields, Field{Name: nameNode.Value, Type: fieldType})
	}

	return fields, nil
}

func decodeLogtables(node *yaml.Node) ([]Logtable, error) {
	if node.Kind == 0 || node.IsZero() {
		return nil, nil
	}

	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: logtables must be a mapping", ErrInvalidLogtable)
	}

	logtables := make([]Logtable, 0, len(node.Content)/2)

	for i := 0; i < len(node.Content); i += 2 {
		nameNode, defNode := node.Content[i], node.Content[i+1]

		if nameNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%w: logtable name must be a string", ErrInvalidLogtable)
		}

		if defNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: logtable %q must map columns to SQL types", ErrInvalidLogtable, nameNode.Value)
		}

		columns, err := decodeFields(defNode, "logtable "+nameNode.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLogtable, err)
		}

		logtables = append(logtables, Logtable{Name: nameNode.Value, Columns: columns})
	}

	return logtables, nil
}
