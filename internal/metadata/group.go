package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-set/v2"
	"github.com/tidwall/gjson"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/dialect"
)

// ContextURL is the @context value written to metadata documents.
const ContextURL = "http://www.w3.org/ns/csvw"

// TableGroup is a set of tables described by one metadata document. The
// json tags document the wire names; encoding goes through MarshalJSON.
type TableGroup struct {
	Context     json.RawMessage  `json:"@context,omitempty"`
	Tables      []*Table         `json:"tables" jsonschema:"required"`
	Dialect     *dialect.Dialect `json:"dialect,omitempty"`
	TableSchema *Schema          `json:"tableSchema,omitempty"`
	Notes       json.RawMessage  `json:"notes,omitempty"`
	Inherited

	Extra *Properties `json:"-"`

	source Source
	name   string // metadata document name, base for relative table urls
}

type groupJSON struct {
	Context     json.RawMessage `json:"@context,omitempty"`
	Tables      []*Table        `json:"tables"`
	Dialect     json.RawMessage `json:"dialect,omitempty"`
	TableSchema json.RawMessage `json:"tableSchema,omitempty"`
	Notes       json.RawMessage `json:"notes,omitempty"`
	Inherited
}

// UnmarshalJSON decodes a table group description.
func (g *TableGroup) UnmarshalJSON(data []byte) error {
	var raw groupJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra, err := extraProperties(data, groupKeys)
	if err != nil {
		return err
	}
	*g = TableGroup{Context: raw.Context, Tables: raw.Tables, Notes: raw.Notes, Inherited: raw.Inherited, Extra: extra}
	if len(raw.TableSchema) > 0 {
		s, err := decodeSchema(raw.TableSchema)
		if err != nil {
			return err
		}
		g.TableSchema = s
	}
	if len(raw.Dialect) > 0 {
		d, err := dialect.Parse(raw.Dialect)
		if err != nil {
			return err
		}
		g.Dialect = &d
	}
	return nil
}

// MarshalJSON encodes the group with @context first.
func (g TableGroup) MarshalJSON() ([]byte, error) {
	ctx := g.Context
	if len(ctx) == 0 {
		ctx = json.RawMessage(`"` + ContextURL + `"`)
	}
	out := struct {
		Context     json.RawMessage  `json:"@context"`
		Dialect     *dialect.Dialect `json:"dialect,omitempty"`
		TableSchema *Schema          `json:"tableSchema,omitempty"`
		Tables      []*Table         `json:"tables"`
		Notes       json.RawMessage  `json:"notes,omitempty"`
		Inherited
	}{ctx, g.Dialect, g.TableSchema, g.Tables, g.Notes, g.Inherited}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return withProperties(data, g.Extra)
}

// Parse decodes a metadata document. A document describing a single table
// is wrapped into a group of one. Schemas given by url are left unresolved;
// use Load to resolve them and compile the result.
func Parse(data []byte) (*TableGroup, error) {
	if !gjson.ValidBytes(data) {
		return nil, core.NewMetadataError("", "document is not valid json")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, core.NewMetadataError("", "document must be an object")
	}
	docContext := doc.Map()["@context"]
	if err := checkContext(docContext); err != nil {
		return nil, err
	}

	var g TableGroup
	switch {
	case doc.Get("tables").Exists():
		if !doc.Get("tables").IsArray() {
			return nil, core.NewMetadataError("tables", "must be a list")
		}
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, asMetadataError("", err)
		}
	case doc.Get("url").Exists():
		var t Table
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, asMetadataError("", err)
		}
		g = TableGroup{Context: json.RawMessage(docContext.Raw), Tables: []*Table{&t}}
	default:
		return nil, core.NewMetadataError("", "document describes neither a table nor a table group")
	}
	return &g, nil
}

func checkContext(c gjson.Result) error {
	if !c.Exists() {
		return nil
	}
	if c.IsArray() {
		c = c.Get("0")
	}
	if c.String() != ContextURL {
		return core.NewMetadataError("@context", "must be %q", ContextURL)
	}
	return nil
}

// asMetadataError keeps taxonomy errors and turns decoding failures into
// metadata errors.
func asMetadataError(path string, err error) error {
	var me *core.MetadataError
	var de *core.DialectError
	if errors.As(err, &me) || errors.As(err, &de) {
		return err
	}
	return core.NewMetadataError(path, "%v", err)
}

// Load reads the metadata document name from src, resolves schemas given by
// url and compiles the group. Table urls are resolved against name.
func Load(ctx context.Context, src Source, name string) (*TableGroup, error) {
	data, err := readAll(ctx, src, name)
	if err != nil {
		return nil, err
	}
	g, err := Parse(data)
	if err != nil {
		return nil, err
	}
	g.source, g.name = src, name
	if err := g.resolveSchemas(ctx); err != nil {
		return nil, err
	}
	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}

// New builds a compiled group from tables. Table urls are resolved against
// name when opened through src.
func New(src Source, name string, tables ...*Table) (*TableGroup, error) {
	g := &TableGroup{Tables: tables, source: src, name: name}
	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}

func readAll(ctx context.Context, src Source, name string) ([]byte, error) {
	rc, err := src.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	return data, nil
}

func (g *TableGroup) resolveSchemas(ctx context.Context) error {
	load := func(path string, s *Schema) error {
		if s == nil || s.ref == nil {
			return nil
		}
		data, err := readAll(ctx, g.source, ResolveRef(g.name, s.ref.ref))
		if err != nil {
			return err
		}
		var loaded Schema
		if err := json.Unmarshal(data, &loaded); err != nil {
			return core.NewMetadataError(path, "schema %s: %v", s.ref.ref, err)
		}
		loaded.ref = s.ref
		*s = loaded
		return nil
	}
	if err := load("tableSchema", g.TableSchema); err != nil {
		return err
	}
	for i, t := range g.Tables {
		if err := load(fmt.Sprintf("tables[%d].tableSchema", i), t.TableSchema); err != nil {
			return err
		}
	}
	return nil
}

// Compile links tables to the group, resolves inherited properties and
// checks schema consistency. It must be called again after the group is
// modified.
func (g *TableGroup) Compile() error {
	if len(g.Tables) == 0 {
		return core.NewMetadataError("tables", "must not be empty")
	}
	if g.TableSchema != nil {
		if g.TableSchema.ref != nil && g.TableSchema.Columns == nil {
			return core.NewMetadataError("tableSchema", "schema %s was not loaded", g.TableSchema.ref.ref)
		}
		if err := g.TableSchema.compile("tableSchema", &g.Inherited); err != nil {
			return err
		}
	}
	urls := set.New[string](len(g.Tables))
	for i, t := range g.Tables {
		if t == nil {
			return core.NewMetadataError(fmt.Sprintf("tables[%d]", i), "table must be an object")
		}
		t.group = g
		prefix := fmt.Sprintf("tables[%d]", i)
		if t.URL == "" {
			return core.NewMetadataError(prefix+".url", "table url is required")
		}
		if !urls.Insert(t.URL) {
			return core.NewMetadataError(prefix+".url", "duplicate table url %q", t.URL)
		}
		if t.TableSchema == nil {
			if g.TableSchema == nil {
				return core.NewMetadataError(prefix, "table has no tableSchema")
			}
			continue
		}
		if t.TableSchema.ref != nil && t.TableSchema.Columns == nil {
			return core.NewMetadataError(prefix+".tableSchema", "schema %s was not loaded", t.TableSchema.ref.ref)
		}
		if err := t.TableSchema.compile(prefix+".tableSchema", &t.Inherited, &g.Inherited); err != nil {
			return err
		}
	}
	for i, t := range g.Tables {
		for j, fk := range t.Schema().ForeignKeys {
			r := fk.Reference
			if r.Resource == "" {
				continue
			}
			path := fmt.Sprintf("tables[%d].tableSchema.foreignKeys[%d].reference", i, j)
			target := g.Table(r.Resource)
			if target == nil {
				return core.NewMetadataError(path+".resource", "unknown table %q", r.Resource)
			}
			if err := target.Schema().checkReference(path+".columnReference", r.ColumnReference); err != nil {
				return err
			}
		}
	}
	return nil
}

// Name returns the metadata document name the group was loaded from.
func (g *TableGroup) Name() string { return g.name }

// Source returns the source tables are read from.
func (g *TableGroup) Source() Source { return g.source }

// Table returns the table with the given url, or nil.
func (g *TableGroup) Table(url string) *Table {
	for _, t := range g.Tables {
		if t.URL == url || t.Location() == url {
			return t
		}
	}
	return nil
}

// Read reads every table in full, keyed by table url.
func (g *TableGroup) Read(ctx context.Context, opts ReadOptions) (map[string][]Record, error) {
	out := make(map[string][]Record, len(g.Tables))
	for _, t := range g.Tables {
		recs, err := t.ReadAll(ctx, opts)
		if err != nil {
			return nil, err
		}
		out[t.URL] = recs
	}
	return out, nil
}

// Save writes the metadata document to sink as 4-space indented JSON.
func (g *TableGroup) Save(ctx context.Context, sink Sink, name string) error {
	data, err := json.MarshalIndent(g, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encoding metadata")
	}
	return writeFile(ctx, sink, name, func(w io.Writer) error {
		_, err := w.Write(append(data, '\n'))
		return err
	})
}

// Write writes rows for every table next to the metadata document name,
// then the document itself. Tables without rows get a header-only file.
func (g *TableGroup) Write(ctx context.Context, sink Sink, name string, rows map[string][]*Values) error {
	for _, t := range g.Tables {
		err := writeFile(ctx, sink, ResolveRef(name, t.URL), func(w io.Writer) error {
			_, err := t.Write(w, rows[t.URL])
			return err
		})
		if err != nil {
			return err
		}
	}
	return g.Save(ctx, sink, name)
}

// Copy copies the data files and the metadata document to sink under name.
func (g *TableGroup) Copy(ctx context.Context, sink Sink, name string) error {
	if g.source == nil {
		return errors.New("table group has no source")
	}
	for _, t := range g.Tables {
		rc, err := g.source.Open(ctx, t.Location())
		if err != nil {
			return err
		}
		err = writeFile(ctx, sink, ResolveRef(name, t.URL), func(w io.Writer) error {
			_, err := io.Copy(w, rc)
			return err
		})
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "copying %s", t.URL)
		}
	}
	return g.Save(ctx, sink, name)
}

func writeFile(ctx context.Context, sink Sink, name string, fn func(io.Writer) error) error {
	wc, err := sink.Create(ctx, name)
	if err != nil {
		return err
	}
	if err := fn(wc); err != nil {
		wc.Close()
		return err
	}
	return errors.Wrapf(wc.Close(), "closing %s", name)
}

// targetKey identifies a referenced column tuple.
type targetKey struct {
	table string
	cols  string
}

// CheckReferentialIntegrity verifies every foreign key whose reference
// names a table of the group. Rows whose key is absent are not checked.
// Rows with datatype errors are skipped on both sides.
func (g *TableGroup) CheckReferentialIntegrity(ctx context.Context, log *slog.Logger) (core.Violations, error) {
	if log == nil {
		log = slog.Default()
	}
	targets := make(map[targetKey]*set.Set[string])
	var out core.Violations

	for _, t := range g.Tables {
		schema := t.Schema()
		for _, fk := range schema.ForeignKeys {
			if fk.Reference.SchemaReference != "" {
				log.Info("skipping foreign key to external schema",
					slog.String("table", t.URL),
					slog.String("schemaReference", fk.Reference.SchemaReference))
				continue
			}
			target := g.Table(fk.Reference.Resource)
			tk := targetKey{target.URL, fmt.Sprint([]string(fk.Reference.ColumnReference))}
			keys, ok := targets[tk]
			if !ok {
				var err error
				if keys, err = g.targetSet(ctx, target, fk.Reference.ColumnReference); err != nil {
					return nil, err
				}
				targets[tk] = keys
			}
			if fk.IsSelfReference(t.URL) {
				log.Debug("checking self-referencing foreign key", slog.String("table", t.URL))
			}
			cols := columns(schema, fk.ColumnReference)
			for rec, err := range t.Iter(ctx, ReadOptions{Collector: core.NewCollector(core.Collect), Logger: log}) {
				if err != nil {
					return nil, err
				}
				for _, k := range sourceKeys(rec.Values, cols) {
					if !keys.Contains(k.key) {
						out = append(out, core.Violation{URL: rec.URL, Line: rec.Line, Err: &core.KeyViolationError{
							Kind:      core.ForeignKey,
							URL:       rec.URL,
							Line:      rec.Line,
							Key:       k.display,
							Reference: target.URL,
						}})
					}
				}
			}
		}
	}
	return out, nil
}

func columns(s *Schema, ref ColumnReference) []*Column {
	cols := make([]*Column, len(ref))
	for i, name := range ref {
		cols[i] = s.Column(name)
	}
	return cols
}

func (g *TableGroup) targetSet(ctx context.Context, t *Table, ref ColumnReference) (*set.Set[string], error) {
	cols := columns(t.Schema(), ref)
	keys := set.New[string](0)
	for rec, err := range t.Iter(ctx, ReadOptions{Collector: core.NewCollector(core.Collect)}) {
		if err != nil {
			return nil, err
		}
		for _, k := range sourceKeys(rec.Values, cols) {
			keys.Insert(k.key)
		}
	}
	return keys, nil
}

type fkKey struct{ key, display string }

// sourceKeys returns the keys a record contributes. A single list-valued
// column contributes one key per item.
func sourceKeys(values *Values, cols []*Column) []fkKey {
	if len(cols) == 1 && cols[0].IsList() {
		v, _ := values.Get(cols[0].Header())
		items, _ := v.([]any)
		var out []fkKey
		for _, it := range items {
			if it == nil {
				continue
			}
			s, err := cols[0].FormatItem(it)
			if err != nil {
				continue
			}
			out = append(out, fkKey{s, s})
		}
		return out
	}
	key, display, ok := keyOf(values, cols)
	if !ok {
		return nil
	}
	return []fkKey{{key, display}}
}

// Validate reads every table and checks primary and foreign keys. Fatal
// problems (metadata, dialect, encoding, I/O) are returned as the error.
// In FailFast and Strict modes at most one violation is returned.
func (g *TableGroup) Validate(ctx context.Context, mode core.Mode, log *slog.Logger) (core.Violations, error) {
	coll := core.NewCollector(mode)
	for _, t := range g.Tables {
		for _, err := range t.Iter(ctx, ReadOptions{Collector: coll, Logger: log}) {
			if err == nil {
				continue
			}
			var v core.Violation
			if errors.As(err, &v) {
				return core.Violations{v}, nil
			}
			return nil, err
		}
	}
	fks, err := g.CheckReferentialIntegrity(ctx, log)
	if err != nil {
		return nil, err
	}
	out := append(coll.Violations(), fks...)
	if mode != core.Collect && len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

// Equal reports whether two groups describe the same tables. Sources and
// document names are ignored.
func (g *TableGroup) Equal(other *TableGroup) bool {
	a, err := json.Marshal(g)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	return err == nil && bytes.Equal(a, b)
}
