package registry

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quarryql/quarryql/internal/errs"
)

// ColumnTest is a single declared test on a column, e.g. `not_null` or
// `accepted_values: {values: [...]}`.
type ColumnTest struct {
	Type   string
	Params map[string]any
}

// UnmarshalYAML accepts either a bare test name ("unique") or a single-key
// mapping carrying parameters ("accepted_values: {values: [...]}").
func (t *ColumnTest) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Type = value.Value
		t.Params = nil
		return nil
	}
	var m map[string]map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		t.Type = k
		t.Params = v
		break
	}
	return nil
}

// ColumnSchema is one column's declared documentation and tests.
type ColumnSchema struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Tests       []ColumnTest `yaml:"tests"`
}

// ModelDoc is a model's declared documentation: description, column schema
// and tests, and extra config keys a schema.yml contributes alongside a
// model's own `-- config:` pragma.
type ModelDoc struct {
	Description string            `yaml:"description"`
	Columns     []ColumnSchema    `yaml:"columns"`
	Config      map[string]string `yaml:"config"`
}

// schemaFile is the on-disk shape of a schema.yml: one file documents
// several sibling models.
type schemaFile struct {
	Models []struct {
		Name     string `yaml:"name"`
		ModelDoc `yaml:",inline"`
	} `yaml:"models"`
}

// LoadSchemaFiles walks modelsDir for every file named schema.yml and merges
// their `models:` entries into one name -> ModelDoc map. A model absent from
// every schema.yml simply has no entry; schema.yml is optional per model.
func LoadSchemaFiles(modelsDir string) (map[string]ModelDoc, error) {
	docs := make(map[string]ModelDoc)

	err := filepath.Walk(modelsDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || info.Name() != "schema.yml" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var f schemaFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return errs.NewConfigurationError(errs.Context{Operation: "registry.load_schema"}, path+": "+err.Error())
		}
		for _, m := range f.Models {
			docs[m.Name] = m.ModelDoc
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return docs, nil
		}
		return nil, errs.NewConfigurationError(errs.Context{Operation: "registry.load_schema"}, err.Error())
	}
	return docs, nil
}

// MergeConfig layers doc's Config under existing model pragma config: keys
// already present in config (from `-- config:`) always win, so schema.yml
// only fills gaps the pragma left open.
func (d ModelDoc) MergeConfig(config map[string]string) map[string]string {
	if config == nil {
		config = make(map[string]string, len(d.Config))
	}
	for k, v := range d.Config {
		if _, exists := config[k]; !exists {
			config[k] = v
		}
	}
	return config
}

// ColumnNames returns the documented column names, for quick membership
// checks without scanning Columns directly.
func (d ModelDoc) ColumnNames() []string {
	names := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		names = append(names, strings.TrimSpace(c.Name))
	}
	return names
}
