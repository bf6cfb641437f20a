// Package sources loads the sources catalogue:
// `sources.yml` enumerates groups, each mapping a logical table name to a
// physical database.schema.table identifier, feeding `{{ source(...) }}`
// resolution in internal/template.
package sources

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/quarryql/quarryql/internal/errs"
)

// file is the on-disk shape of sources.yml.
type file struct {
	Sources []struct {
		Name   string `yaml:"name"`
		Schema string `yaml:"schema"`
		Tables []struct {
			Name       string `yaml:"name"`
			Identifier string `yaml:"identifier"`
		} `yaml:"tables"`
	} `yaml:"sources"`
}

// Catalogue is the immutable, loaded sources.yml: group -> logical table ->
// physical identifier.
type Catalogue struct {
	groups map[string]map[string]string
}

// Load reads and parses a sources.yml file.
func Load(path string) (*Catalogue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewConfigurationError(errs.Context{Operation: "sources.load"}, err.Error())
	}
	return Parse(raw)
}

// Parse builds a Catalogue from raw YAML bytes.
func Parse(raw []byte) (*Catalogue, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errs.NewConfigurationError(errs.Context{Operation: "sources.parse"}, err.Error())
	}

	groups := make(map[string]map[string]string)
	for _, g := range f.Sources {
		if g.Name == "" {
			return nil, errs.NewConfigurationError(errs.Context{Operation: "sources.parse"}, "source group missing name")
		}
		tables := make(map[string]string, len(g.Tables))
		for _, tbl := range g.Tables {
			if tbl.Name == "" {
				return nil, errs.NewConfigurationError(errs.Context{Operation: "sources.parse"}, fmt.Sprintf("source group %q has a table with no name", g.Name))
			}
			identifier := tbl.Identifier
			if identifier == "" {
				// No explicit identifier: physical name defaults to
				// schema.table, or bare table name if the group omits schema.
				if g.Schema != "" {
					identifier = g.Schema + "." + tbl.Name
				} else {
					identifier = tbl.Name
				}
			}
			tables[tbl.Name] = identifier
		}
		groups[g.Name] = tables
	}

	return &Catalogue{groups: groups}, nil
}

// Resolve returns the physical identifier for source(group, table), or a
// ConfigurationError if the group/table isn't catalogued.
// Sources are immutable within a run, so this never changes mid-execution.
func (c *Catalogue) Resolve(group, table string) (string, error) {
	tables, ok := c.groups[group]
	if !ok {
		return "", errs.NewConfigurationError(errs.Context{Operation: "sources.resolve"}, fmt.Sprintf("unknown source group %q", group))
	}
	identifier, ok := tables[table]
	if !ok {
		return "", errs.NewConfigurationError(errs.Context{Operation: "sources.resolve"}, fmt.Sprintf("unknown source table %q in group %q", table, group))
	}
	return identifier, nil
}

// IsSource reports whether group.table is catalogued, without erroring.
func (c *Catalogue) IsSource(group, table string) bool {
	tables, ok := c.groups[group]
	if !ok {
		return false
	}
	_, ok = tables[table]
	return ok
}

// Groups returns the sorted list of catalogued group names.
func (c *Catalogue) Groups() []string {
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
