package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-set/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/dialect"
	"github.com/JonMunkholm/csvw/internal/dsv"
)

// Values is a record's field map in column order.
type Values = orderedmap.OrderedMap[string, any]

// NewValues builds Values from alternating keys and values.
func NewValues(kv ...any) *Values {
	v := orderedmap.New[string, any]()
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i].(string), kv[i+1])
	}
	return v
}

// Record is one typed row of a table.
type Record struct {
	URL    string // resolved data file name
	Line   int    // physical line the row started on
	Number int    // 1-based data row number
	Values *Values
}

// ReadOptions controls a table read.
type ReadOptions struct {
	// Collector applies the error mode. Nil means a FailFast collector.
	Collector *core.Collector
	Logger    *slog.Logger
}

func (o ReadOptions) collector() *core.Collector {
	if o.Collector == nil {
		return core.NewCollector(core.FailFast)
	}
	return o.Collector
}

func (o ReadOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Table describes one data file.
type Table struct {
	URL            string           `json:"url" jsonschema:"required"`
	TableSchema    *Schema          `json:"tableSchema,omitempty"`
	Dialect        *dialect.Dialect `json:"dialect,omitempty"`
	Notes          json.RawMessage  `json:"notes,omitempty"`
	TableDirection string           `json:"tableDirection,omitempty" jsonschema:"enum=ltr,enum=rtl,enum=auto"`
	SuppressOutput bool             `json:"suppressOutput,omitempty"`
	Inherited

	Extra *Properties `json:"-"`

	group *TableGroup // non-owning
}

type tableJSON struct {
	URL            string          `json:"url"`
	TableSchema    json.RawMessage `json:"tableSchema,omitempty"`
	Dialect        json.RawMessage `json:"dialect,omitempty"`
	Notes          json.RawMessage `json:"notes,omitempty"`
	TableDirection string          `json:"tableDirection,omitempty"`
	SuppressOutput bool            `json:"suppressOutput,omitempty"`
	Inherited
}

// UnmarshalJSON decodes a table description. A tableSchema given as a
// string is kept as a reference and resolved when the group is loaded.
func (t *Table) UnmarshalJSON(data []byte) error {
	var raw tableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Table{
		URL:            raw.URL,
		Notes:          raw.Notes,
		TableDirection: raw.TableDirection,
		SuppressOutput: raw.SuppressOutput,
		Inherited:      raw.Inherited,
	}
	extra, err := extraProperties(data, tableKeys)
	if err != nil {
		return err
	}
	t.Extra = extra
	if t.URL == "" {
		return core.NewMetadataError("url", "table url is required")
	}
	switch t.TableDirection {
	case "", "ltr", "rtl", "auto":
	default:
		return core.NewMetadataError("tableDirection", "invalid value %q", t.TableDirection)
	}
	if len(raw.TableSchema) > 0 {
		s, err := decodeSchema(raw.TableSchema)
		if err != nil {
			return err
		}
		t.TableSchema = s
	}
	if len(raw.Dialect) > 0 {
		d, err := dialect.Parse(raw.Dialect)
		if err != nil {
			return err
		}
		t.Dialect = &d
	}
	return nil
}

// MarshalJSON encodes the table description.
func (t Table) MarshalJSON() ([]byte, error) {
	out := struct {
		URL            string           `json:"url"`
		Dialect        *dialect.Dialect `json:"dialect,omitempty"`
		TableSchema    *Schema          `json:"tableSchema,omitempty"`
		Notes          json.RawMessage  `json:"notes,omitempty"`
		TableDirection string           `json:"tableDirection,omitempty"`
		SuppressOutput bool             `json:"suppressOutput,omitempty"`
		Inherited
	}{t.URL, t.Dialect, t.TableSchema, t.Notes, t.TableDirection, t.SuppressOutput, t.Inherited}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return withProperties(data, t.Extra)
}

// schemaRef marks a tableSchema given by reference.
type schemaRef struct{ ref string }

func decodeSchema(raw json.RawMessage) (*Schema, error) {
	var ref string
	if err := json.Unmarshal(raw, &ref); err == nil {
		return &Schema{ref: &schemaRef{ref}}, nil
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, core.NewMetadataError("tableSchema", "invalid json: %v", err)
	}
	return &s, nil
}

// Group returns the owning table group.
func (t *Table) Group() *TableGroup { return t.group }

// Schema returns the effective schema: the table's own or the group's.
func (t *Table) Schema() *Schema {
	if t.TableSchema == nil && t.group != nil {
		return t.group.TableSchema
	}
	return t.TableSchema
}

// EffectiveDialect returns the table dialect, else the group dialect, else
// the default.
func (t *Table) EffectiveDialect() dialect.Dialect {
	switch {
	case t.Dialect != nil:
		return *t.Dialect
	case t.group != nil && t.group.Dialect != nil:
		return *t.group.Dialect
	}
	return dialect.Default()
}

// Location returns the data file name resolved against the metadata document.
func (t *Table) Location() string {
	if t.group == nil {
		return t.URL
	}
	return ResolveRef(t.group.name, t.URL)
}

func (t *Table) source() (Source, error) {
	if t.group == nil || t.group.source == nil {
		return nil, errors.Newf("table %s has no source", t.URL)
	}
	return t.group.source, nil
}

// header maps physical cells to columns.
type header struct {
	cells []string  // header text per physical column
	cols  []*Column // matched column per physical column, nil when unmatched
}

func (t *Table) matchHeader(rows []dsv.Row) (header, error) {
	s := t.Schema()
	names := s.Headers()
	if len(rows) == 0 {
		cols := slices.DeleteFunc(slices.Clone(s.Columns), func(c *Column) bool { return c.Virtual })
		return header{cells: names, cols: cols}, nil
	}
	cells := slices.Clone(rows[0].Cells)
	h := header{cells: cells, cols: make([]*Column, len(cells))}
	if slices.Equal(cells, names) {
		cols := slices.DeleteFunc(slices.Clone(s.Columns), func(c *Column) bool { return c.Virtual })
		copy(h.cols, cols)
		return h, nil
	}
	used := set.New[*Column](len(cells))
	for j, cell := range cells {
		candidates := []string{cell}
		for _, r := range rows[1:] {
			if j < len(r.Cells) {
				candidates = append(candidates, r.Cells[j])
			}
		}
		for _, cand := range candidates {
			if c := s.Column(cand); c != nil && !c.Virtual && !used.Contains(c) {
				h.cols[j] = c
				used.Insert(c)
				break
			}
		}
	}
	var missing []string
	for _, c := range s.Columns {
		if c.IsRequired() && !c.Virtual && !used.Contains(c) {
			missing = append(missing, c.Header())
		}
	}
	if len(missing) > 0 {
		return h, core.NewMetadataError(t.URL, "%s is missing required columns %s", t.Location(), strings.Join(missing, ", "))
	}
	return h, nil
}

// Iter returns a lazy sequence of records. Each call re-opens the data
// file, so the sequence can be traversed again. Stopping early releases
// the file.
//
// Row errors go through the collector: in Collect mode the row is dropped
// and iteration continues, otherwise the error is yielded and iteration
// ends. Duplicate primary keys are row errors.
func (t *Table) Iter(ctx context.Context, opts ReadOptions) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := t.iterate(ctx, opts, yield); err != nil {
			yield(Record{}, err)
		}
	}
}

func (t *Table) iterate(ctx context.Context, opts ReadOptions, yield func(Record, error) bool) error {
	schema := t.Schema()
	if schema == nil {
		return core.NewMetadataError(t.URL, "table has no tableSchema")
	}
	src, err := t.source()
	if err != nil {
		return err
	}
	loc := t.Location()
	rc, err := src.Open(ctx, loc)
	if err != nil {
		return err
	}
	defer rc.Close()

	d := t.EffectiveDialect()
	log := opts.logger().With(slog.String("table", loc))
	counted := core.NewCountingReader(rc)
	rd, err := dsv.NewReader(counted, d, dsv.WithLogger(log))
	if err != nil {
		return err
	}
	hrows, err := rd.ReadHeader()
	if err != nil {
		return err
	}
	h, err := t.matchHeader(hrows)
	if err != nil {
		return err
	}

	coll := opts.collector()
	strict := coll.Mode == core.Strict
	pk := schema.PrimaryKeyColumns()
	seen := set.New[string](0)
	number := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := rd.Read()
		if err == io.EOF {
			log.Debug("table read", slog.Int("rows", number), slog.Int64("bytes", counted.BytesRead))
			return nil
		}
		if err != nil {
			return err
		}
		number++
		rec, ok, err := t.record(row, h, loc, number, strict, coll)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if len(pk) > 0 {
			key, display, ok := keyOf(rec.Values, pk)
			if ok && !seen.Insert(key) {
				kv := &core.KeyViolationError{Kind: core.PrimaryKey, URL: loc, Line: row.Line, Key: display}
				if err := coll.Report(core.Violation{URL: loc, Line: row.Line, Err: kv}); err != nil {
					return err
				}
				log.Debug("duplicate primary key", slog.Int("line", row.Line), slog.String("key", display))
				continue
			}
		}
		if !yield(rec, nil) {
			return nil
		}
	}
}

// record converts one physical row. Virtual columns with a valueUrl get the
// expanded template. ok is false when the row had errors that the collector
// absorbed.
func (t *Table) record(row dsv.Row, h header, loc string, number int, strict bool, coll *core.Collector) (Record, bool, error) {
	schema := t.Schema()
	values := orderedmap.New[string, any]()
	byCol := make(map[*Column]any, len(h.cols))
	present := make(map[*Column]bool, len(h.cols))
	failed := false

	for j, cell := range row.Cells {
		var col *Column
		if j < len(h.cols) {
			col = h.cols[j]
		}
		if col == nil {
			continue
		}
		present[col] = true
		v, err := col.Read(cell, strict)
		if err != nil {
			failed = true
			if rerr := coll.Report(core.Violation{URL: loc, Line: row.Line, Column: j + 1, Header: h.cells[j], Err: err}); rerr != nil {
				return Record{}, false, rerr
			}
			continue
		}
		byCol[col] = v
	}
	for j, col := range h.cols {
		if col != nil && col.IsRequired() && !present[col] {
			failed = true
			err := &core.DatatypeError{Column: col.Header(), Base: col.Type().Base().Name, Constraint: "required", Message: "required column value is missing"}
			if rerr := coll.Report(core.Violation{URL: loc, Line: row.Line, Column: j + 1, Header: h.cells[j], Err: err}); rerr != nil {
				return Record{}, false, rerr
			}
		}
	}
	if failed {
		return Record{}, false, nil
	}

	for _, c := range schema.Columns {
		if present[c] {
			values.Set(c.Header(), byCol[c])
		}
	}
	for j, cell := range row.Cells {
		if j < len(h.cols) && h.cols[j] != nil {
			continue
		}
		key := ""
		if j < len(h.cells) {
			key = h.cells[j]
		}
		if key == "" || schema.Column(key) != nil {
			key = positional(j + 1)
		}
		values.Set(key, cell)
	}
	for _, c := range schema.Columns {
		if !c.Virtual {
			continue
		}
		v, ok, err := c.expandValueURL(schema, values, number)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			values.Set(c.Header(), v)
		}
	}
	return Record{URL: loc, Line: row.Line, Number: number, Values: values}, true, nil
}

func positional(n int) string { return fmt.Sprintf("_col.%d", n) }

// keyOf formats the values of cols as a set key and a display form. Rows
// with a missing key component return ok false.
func keyOf(values *Values, cols []*Column) (key, display string, ok bool) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v, _ := values.Get(c.Header())
		if v == nil {
			return "", "", false
		}
		s, err := c.Write(v)
		if err != nil {
			return "", "", false
		}
		parts[i] = s
	}
	if len(parts) == 1 {
		return parts[0], parts[0], true
	}
	return strings.Join(parts, "\x1f"), "(" + strings.Join(parts, ", ") + ")", true
}

// ReadAll materializes every record.
func (t *Table) ReadAll(ctx context.Context, opts ReadOptions) ([]Record, error) {
	var out []Record
	for rec, err := range t.Iter(ctx, opts) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CheckPrimaryKey reads the whole table and returns one violation per row
// whose primary key repeats an earlier row. Rows with datatype errors are
// ignored.
func (t *Table) CheckPrimaryKey(ctx context.Context) (core.Violations, error) {
	coll := core.NewCollector(core.Collect)
	if _, err := t.ReadAll(ctx, ReadOptions{Collector: coll}); err != nil {
		return nil, err
	}
	return keyViolations(coll.Violations(), core.PrimaryKey), nil
}

func keyViolations(vs core.Violations, kind core.KeyKind) core.Violations {
	var out core.Violations
	for _, v := range vs {
		var kv *core.KeyViolationError
		if errors.As(v.Err, &kv) && kv.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// Write serializes rows to w: a header row when the dialect has one, then
// one row per record. Values are looked up by column header. It returns the
// number of data rows written.
func (t *Table) Write(w io.Writer, rows []*Values) (int, error) {
	schema := t.Schema()
	if schema == nil {
		return 0, core.NewMetadataError(t.URL, "table has no tableSchema")
	}
	d := t.EffectiveDialect()
	dw, err := dsv.NewWriter(w, d)
	if err != nil {
		return 0, err
	}
	cols := slices.DeleteFunc(slices.Clone(schema.Columns), func(c *Column) bool { return c.Virtual })
	if d.Header {
		if err := dw.Write(schema.Headers()); err != nil {
			return 0, err
		}
	}
	n := 0
	cells := make([]string, len(cols))
	for i, row := range rows {
		for j, c := range cols {
			v, _ := row.Get(c.Header())
			s, err := c.Write(v)
			if err != nil {
				return n, errors.Wrapf(err, "%s row %d", t.URL, i+1)
			}
			cells[j] = s
		}
		if err := dw.Write(cells); err != nil {
			return n, err
		}
		n++
	}
	return n, dw.Close()
}
