// Package registry owns parsed models: the authoritative map from a model's
// logical name to its compiled artefact.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/quarryql/quarryql/internal/errs"
	"github.com/quarryql/quarryql/internal/sqlast"
)

// Model is a logical transformation registered from a single source file.
// It is replaced wholesale on every re-registration, never mutated in place.
type Model struct {
	Name     string // dotted logical name, e.g. "silver.cleaned_orders"
	FilePath string

	RawSQL string // as read from disk, pre-expansion, pragmas stripped
	Config map[string]string

	Materialized        string // view | table | incremental | ephemeral | cdc
	UniqueKey           string
	IncrementalStrategy string   // append | time | unique_key; only meaningful when Materialized == "incremental"
	DependsOn           []string // explicit `-- depends_on:` extras

	// Description and Columns come from an optional sibling schema.yml;
	// both are zero-valued when the model has none.
	Description string
	Columns     []ColumnSchema

	Fingerprint string
}

// ParsedModel is the compiler's output for a Model: expanded SQL with resolved
// relation placeholders, dependency sets, and per-column lineage. It is
// recomputed whenever the underlying Model's fingerprint changes.
type ParsedModel struct {
	ModelName   string
	ExpandedSQL string
	ModelDeps   map[string]struct{}
	SourceRefs  map[string]struct{} // "group.table"
	Columns     []sqlast.ColumnLineage
	Relations   []sqlast.Relation
	Config      map[string]string

	// Stale is true when the Model's fingerprint has moved on since this
	// ParsedModel was computed; the compiler must recompute before use.
	Stale bool
}

// Registry is the single owner of Model and ParsedModel state. Safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	parsed map[string]*ParsedModel
	logger *slog.Logger
}

// New creates an empty Registry. A nil logger discards all log output.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		models: make(map[string]*Model),
		parsed: make(map[string]*ParsedModel),
		logger: logger,
	}
}

// Register upserts a Model built from path/text, plus doc's description and
// column schema declared for name by a sibling schema.yml (its zero value if
// the model has none). Registration recomputes the fingerprint and, if it
// differs from any cached ParsedModel, marks that cached entry stale. The
// replacement is atomic: the prior Model remains visible to concurrent
// readers until the new one is fully constructed.
func (r *Registry) Register(name, filePath, rawSQL string, config map[string]string, materialized, uniqueKey, incrementalStrategy string, dependsOn []string, doc ModelDoc) (*Model, error) {
	if name == "" {
		return nil, errs.NewConfigurationError(errs.Context{Operation: "registry.register"}, "model name must not be empty")
	}

	cfgCopy := make(map[string]string, len(config))
	for k, v := range config {
		cfgCopy[k] = v
	}

	m := &Model{
		Name:                name,
		FilePath:            filePath,
		RawSQL:              rawSQL,
		Config:              cfgCopy,
		Materialized:        materialized,
		UniqueKey:           uniqueKey,
		IncrementalStrategy: incrementalStrategy,
		DependsOn:           append([]string(nil), dependsOn...),
		Description:         doc.Description,
		Columns:             append([]ColumnSchema(nil), doc.Columns...),
		Fingerprint:         fingerprint(rawSQL, cfgCopy),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.parsed[name]; ok {
		if existing, exists := r.models[name]; !exists || existing.Fingerprint != m.Fingerprint {
			prev.Stale = true
		}
	}
	r.models[name] = m
	r.logger.Debug("model registered", "model", name, "fingerprint", m.Fingerprint)
	return m, nil
}

// Remove deletes a model and any cached parsed artefact. It is not an error
// to remove a name that was never registered.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, name)
	delete(r.parsed, name)
	r.logger.Debug("model removed", "model", name)
}

// Get returns the registered Model, or a MissingModelError.
func (r *Registry) Get(name string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, errs.NewMissingModelError(errs.Context{Operation: "registry.get"}, name)
	}
	return m, nil
}

// List returns all registered models, sorted by name for deterministic
// iteration order.
func (r *Registry) List() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted set of registered model names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for n := range r.models {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SetParsed caches the compiler's output for a model, overwriting any previous
// (possibly stale) entry.
func (r *Registry) SetParsed(name string, pm *ParsedModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm.Stale = false
	r.parsed[name] = pm
}

// GetParsed returns the cached ParsedModel for name and whether it is
// present and fresh (not Stale).
func (r *Registry) GetParsed(name string) (*ParsedModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pm, ok := r.parsed[name]
	if !ok || pm.Stale {
		return nil, false
	}
	return pm, true
}

// fingerprint hashes the raw SQL text together with the sorted config map,
// so that a config-only edit (e.g. changing materialized=view to table)
// also invalidates cached lineage. Truncated to 16 hex chars for readable
// logs.
func fingerprint(rawSQL string, config map[string]string) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(rawSQL)
	for _, k := range keys {
		b.WriteString("\x00")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(config[k])
	}

	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:8])
}
