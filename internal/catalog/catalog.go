// Package catalog keeps named model definitions created with CREATE MODEL and
// evaluates ML_PREDICT calls against them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/kennethnrk/sqlml/internal/model"
	"github.com/kennethnrk/sqlml/internal/spec"
	"github.com/kennethnrk/sqlml/internal/store"
	"github.com/kennethnrk/sqlml/internal/udf"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const keyPrefix = "catalog:"

// Definition is a persisted CREATE MODEL statement.
type Definition struct {
	Name      string         `json:"name" yaml:"name"`
	URI       string         `json:"uri" yaml:"uri"`
	Flavor    string         `json:"flavor,omitempty" yaml:"flavor,omitempty"`
	ModelType string         `json:"model_type,omitempty" yaml:"model_type,omitempty"`
	Returns   string         `json:"returns,omitempty" yaml:"returns,omitempty"`
	Options   map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

func (d Definition) reference() spec.Reference {
	return spec.Reference{
		Name:      d.Name,
		URI:       d.URI,
		Flavor:    d.Flavor,
		ModelType: d.ModelType,
		Schema:    d.Returns,
		Options:   spec.Options(d.Options),
	}
}

// Result is the outcome of a catalog statement. SHOW MODELS fills Columns and
// Rows, DESCRIBE MODEL fills Text.
type Result struct {
	Message string
	Columns []string
	Rows    [][]string
	Text    string
}

type entry struct {
	def    Definition
	spec   spec.ModelSpec
	schema string

	// mu serialises batches; a Transform is not safe for concurrent use.
	mu sync.Mutex
	tr *udf.Transform
}

// Catalog maps model names to resolved specs. Names are case-insensitive.
type Catalog struct {
	store    *store.Store
	loader   *model.Loader
	resolver spec.RegistryResolver

	mu      sync.RWMutex
	entries map[string]*entry
}

// New opens a catalog over st and replays the definitions stored there. A
// definition that no longer resolves is logged and skipped; it stays in the
// store so a later CREATE OR REPLACE or DROP can fix it.
func New(ctx context.Context, st *store.Store, loader *model.Loader, resolver spec.RegistryResolver) (*Catalog, error) {
	if st == nil {
		return nil, errors.New("catalog needs a store")
	}
	if loader == nil {
		return nil, errors.New("catalog needs a model loader")
	}
	c := &Catalog{store: st, loader: loader, resolver: resolver, entries: map[string]*entry{}}

	defs, err := listDefinitions(st)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		e, err := c.resolve(ctx, def)
		if err != nil {
			log.Warn().Err(err).Str("model", def.Name).Msg("skipping catalog definition that does not resolve")
			continue
		}
		c.entries[key(def.Name)] = e
	}
	log.Info().Int("models", len(c.entries)).Msg("catalog loaded")
	return c, nil
}

func key(name string) string { return strings.ToLower(name) }

func (c *Catalog) resolve(ctx context.Context, def Definition) (*entry, error) {
	s, err := spec.Resolve(ctx, def.reference(), c.resolver)
	if err != nil {
		return nil, err
	}
	tr, err := udf.New(s, c.loader)
	if err != nil {
		return nil, err
	}
	return &entry{def: def, spec: s, schema: c.loader.OutputSchema(s), tr: tr}, nil
}

// Exec runs one catalog statement.
func (c *Catalog) Exec(ctx context.Context, sql string) (*Result, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	switch st := stmt.(type) {
	case CreateModel:
		return c.create(ctx, st)
	case DropModel:
		return c.drop(st)
	case ShowModels:
		return c.show(), nil
	case DescribeModel:
		return c.describe(st.Name)
	}
	return nil, fmt.Errorf("unsupported statement %T", stmt)
}

func (c *Catalog) create(ctx context.Context, st CreateModel) (*Result, error) {
	def := Definition{
		Name:      st.Name,
		URI:       st.URI,
		Flavor:    st.Flavor,
		ModelType: st.ModelType,
		Returns:   st.Returns,
		Options:   st.Options,
		CreatedAt: time.Now().UTC(),
	}

	c.mu.RLock()
	_, exists := c.entries[key(st.Name)]
	c.mu.RUnlock()
	if exists && !st.OrReplace {
		return nil, fmt.Errorf("model '%s' already exists", st.Name)
	}

	// Resolve outside the lock; registry lookups and remote documents can be slow.
	e, err := c.resolve(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("create model '%s': %w", st.Name, err)
	}

	c.mu.Lock()
	old, exists := c.entries[key(st.Name)]
	if exists && !st.OrReplace {
		c.mu.Unlock()
		return nil, fmt.Errorf("model '%s' already exists", st.Name)
	}
	if err := putDefinition(c.store, def); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.entries[key(st.Name)] = e
	c.mu.Unlock()

	if old != nil {
		old.close()
	}
	log.Info().Str("model", def.Name).Str("uri", def.URI).Str("model_type", string(e.spec.ModelType())).Msg("model created")
	return &Result{Message: fmt.Sprintf("model '%s' created", def.Name)}, nil
}

func (c *Catalog) drop(st DropModel) (*Result, error) {
	c.mu.Lock()
	e, ok := c.entries[key(st.Name)]
	_, stored := c.store.Get(keyPrefix + key(st.Name))
	if !ok && !stored {
		c.mu.Unlock()
		if st.IfExists {
			return &Result{Message: fmt.Sprintf("model '%s' does not exist", st.Name)}, nil
		}
		return nil, fmt.Errorf("model '%s' not found", st.Name)
	}
	if err := deleteDefinition(c.store, st.Name); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	delete(c.entries, key(st.Name))
	c.mu.Unlock()

	if e != nil {
		e.close()
	}
	log.Info().Str("model", st.Name).Msg("model dropped")
	return &Result{Message: fmt.Sprintf("model '%s' dropped", st.Name)}, nil
}

func (c *Catalog) show() *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := &Result{Columns: []string{"name", "model_type", "uri", "schema"}}
	for _, e := range c.entries {
		res.Rows = append(res.Rows, []string{e.def.Name, string(e.spec.ModelType()), e.spec.ModelURI(), e.schema})
	}
	sort.Slice(res.Rows, func(i, j int) bool { return res.Rows[i][0] < res.Rows[j][0] })
	return res
}

type description struct {
	Definition Definition     `yaml:"definition"`
	Resolved   resolvedSpec   `yaml:"resolved"`
	Options    map[string]any `yaml:"effective_options,omitempty"`
}

type resolvedSpec struct {
	Name      string `yaml:"name"`
	ModelURI  string `yaml:"model_uri"`
	ModelType string `yaml:"model_type"`
	Flavor    string `yaml:"flavor,omitempty"`
	Schema    string `yaml:"schema"`
}

func (c *Catalog) describe(name string) (*Result, error) {
	e, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	b, err := yaml.Marshal(description{
		Definition: e.def,
		Resolved: resolvedSpec{
			Name:      e.spec.Name(),
			ModelURI:  e.spec.ModelURI(),
			ModelType: string(e.spec.ModelType()),
			Flavor:    e.spec.Flavor(),
			Schema:    e.schema,
		},
		Options: e.spec.Options(),
	})
	if err != nil {
		return nil, fmt.Errorf("render model '%s': %w", name, err)
	}
	return &Result{Text: string(b)}, nil
}

func (c *Catalog) lookup(name string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key(name)]
	if !ok {
		return nil, fmt.Errorf("model '%s' not found", name)
	}
	return e, nil
}

// Spec returns the resolved spec of a catalog model.
func (c *Catalog) Spec(name string) (spec.ModelSpec, error) {
	e, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.spec, nil
}

// Predict runs the named model over col and returns one prediction per row.
// The caller releases the result.
func (c *Catalog) Predict(ctx context.Context, name string, col arrow.Array) (arrow.Array, error) {
	e, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	schema := arrow.NewSchema([]arrow.Field{{Name: "input", Type: col.DataType(), Nullable: true}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{col}, int64(col.Len()))
	defer rec.Release()
	return e.predict(ctx, rec)
}

// EvalPredict evaluates an ML_PREDICT(model, column, ...) call over rec.
// Several columns are passed to the model as one struct column with fields
// named after them, which is how image data and uri columns are combined.
func (c *Catalog) EvalPredict(ctx context.Context, expr string, rec arrow.Record) (arrow.Array, error) {
	call, err := ParsePredict(expr)
	if err != nil {
		return nil, err
	}
	if _, err := c.lookup(call.Model); err != nil {
		return nil, err
	}

	cols := make([]arrow.Array, len(call.Columns))
	for i, name := range call.Columns {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("column '%s' not found", name)
		}
		cols[i] = rec.Column(idx[0])
	}
	if len(cols) == 1 {
		return c.Predict(ctx, call.Model, cols[0])
	}
	st, err := array.NewStructArray(cols, call.Columns)
	if err != nil {
		return nil, fmt.Errorf("combine columns %v: %w", call.Columns, err)
	}
	defer st.Release()
	return c.Predict(ctx, call.Model, st)
}

func (e *entry) predict(ctx context.Context, rec arrow.Record) (arrow.Array, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tr == nil {
		return nil, fmt.Errorf("model '%s' was dropped", e.def.Name)
	}
	out, err := e.tr.ProcessBatch(ctx, rec)
	if err != nil {
		return nil, err
	}
	defer out.Release()
	col := out.Column(0)
	col.Retain()
	return col, nil
}

func (e *entry) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tr == nil {
		return
	}
	if err := e.tr.Close(); err != nil {
		log.Warn().Err(err).Str("model", e.def.Name).Msg("closing model")
	}
	e.tr = nil
}

// Close releases every loaded model. The store is left open.
func (c *Catalog) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = map[string]*entry{}
	c.mu.Unlock()
	for _, e := range entries {
		e.close()
	}
}

func putDefinition(s *store.Store, def Definition) error {
	if err := s.PutJSON(keyPrefix+key(def.Name), def); err != nil {
		return fmt.Errorf("store model '%s': %w", def.Name, err)
	}
	return nil
}

func deleteDefinition(s *store.Store, name string) error {
	if err := s.Delete(keyPrefix + key(name)); err != nil {
		return fmt.Errorf("delete model '%s': %w", name, err)
	}
	return nil
}

func listDefinitions(s *store.Store) ([]Definition, error) {
	keys := s.Keys(keyPrefix)
	defs := make([]Definition, 0, len(keys))
	for _, k := range keys {
		var def Definition
		ok, err := s.GetJSON(k, &def)
		if err != nil {
			return nil, err
		}
		if ok {
			defs = append(defs, def)
		}
	}
	return defs, nil
}
