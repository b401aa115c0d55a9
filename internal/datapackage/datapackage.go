// Package datapackage converts the tabular resources of a Frictionless Data
// Package descriptor into a CSVW table group.
package datapackage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/datatype"
	"github.com/JonMunkholm/csvw/internal/dialect"
	"github.com/JonMunkholm/csvw/internal/metadata"
)

// MetadataName is the file name of the converted metadata document, placed
// next to the descriptor.
const MetadataName = "csvw-metadata.json"

// fieldTypes maps Table Schema field types to datatype bases.
var fieldTypes = map[string]string{
	"string":    "string",
	"number":    "number",
	"integer":   "integer",
	"boolean":   "boolean",
	"date":      "date",
	"time":      "time",
	"datetime":  "datetime",
	"year":      "gYear",
	"yearmonth": "gYearMonth",
	"duration":  "duration",
	"object":    "json",
	"array":     "json",
	"geojson":   "json",
	"geopoint":  "string",
	"any":       "string",
}

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.]*$`)

// Load reads the descriptor name from src and converts it. Table urls are
// relative to the descriptor's directory.
func Load(ctx context.Context, src metadata.Source, name string) (*metadata.TableGroup, error) {
	rc, err := src.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(rc).Decode(&raw); err != nil {
		return nil, core.NewMetadataError("", "invalid json in %s: %v", name, err)
	}
	return Convert(raw, src, ResolveMetadataName(name))
}

// ResolveMetadataName returns the metadata document name for a descriptor.
func ResolveMetadataName(descriptor string) string {
	return metadata.ResolveRef(descriptor, MetadataName)
}

// Convert builds a table group from a descriptor. Resources that are not
// local csv files are skipped. The descriptor itself is kept in the group
// notes under "dc:source".
func Convert(descriptor []byte, src metadata.Source, name string) (*metadata.TableGroup, error) {
	if !gjson.ValidBytes(descriptor) {
		return nil, core.NewMetadataError("", "descriptor is not valid json")
	}
	pkg := gjson.ParseBytes(descriptor)
	resources := pkg.Get("resources").Array()

	paths := make(map[string]string, len(resources))
	for _, r := range resources {
		paths[r.Get("name").String()] = resourcePath(r)
	}

	var tables []*metadata.Table
	for i, r := range resources {
		if !tabular(r) {
			continue
		}
		t, err := convertResource(r, paths)
		if err != nil {
			var me *core.MetadataError
			if errors.As(err, &me) {
				return nil, core.NewMetadataError(fmt.Sprintf("resources[%d].%s", i, me.Path), "%s", me.Message)
			}
			return nil, errors.Wrapf(err, "resources[%d]", i)
		}
		tables = append(tables, t)
	}
	if len(tables) == 0 {
		return nil, core.NewMetadataError("resources", "no tabular csv resource with a schema")
	}

	g, err := metadata.New(src, name, tables...)
	if err != nil {
		return nil, err
	}
	notes, err := json.Marshal([]map[string]string{{"dc:source": string(descriptor)}})
	if err != nil {
		return nil, err
	}
	g.Notes = notes
	return g, nil
}

func resourcePath(r gjson.Result) string {
	p := r.Get("path")
	if p.IsArray() {
		return p.Get("0").String()
	}
	return p.String()
}

// tabular reports whether r is a local csv resource with a schema.
func tabular(r gjson.Result) bool {
	if !r.Get("schema").IsObject() {
		return false
	}
	if p := r.Get("profile"); p.Exists() && p.String() != "tabular-data-resource" {
		return false
	}
	if s := r.Get("scheme"); s.Exists() && s.String() != "file" {
		return false
	}
	format := r.Get("format").String()
	if format == "" {
		format = strings.TrimPrefix(path.Ext(resourcePath(r)), ".")
	}
	return strings.EqualFold(format, "csv")
}

func convertResource(r gjson.Result, paths map[string]string) (*metadata.Table, error) {
	url := resourcePath(r)
	if url == "" {
		return nil, core.NewMetadataError("path", "resource has no path")
	}
	schema := r.Get("schema")

	cols := lo.Map(schema.Get("fields").Array(), func(f gjson.Result, _ int) *metadata.Column {
		return column(f)
	})
	s := &metadata.Schema{Columns: cols}
	if pk := schema.Get("primaryKey"); pk.Exists() {
		s.PrimaryKey = fieldList(pk)
	}
	for _, fk := range schema.Get("foreignKeys").Array() {
		target := fk.Get("reference.resource").String()
		resource := url
		if target != "" {
			resource = paths[target]
		}
		s.ForeignKeys = append(s.ForeignKeys, metadata.ForeignKey{
			ColumnReference: fieldList(fk.Get("fields")),
			Reference: metadata.Reference{
				Resource:        resource,
				ColumnReference: fieldList(fk.Get("reference.fields")),
			},
		})
	}

	t := &metadata.Table{URL: url, TableSchema: s}
	d := dialect.Default()
	if delim := r.Get("dialect.delimiter").String(); delim != "" {
		d.Delimiter = delim
	}
	if enc := r.Get("encoding").String(); enc != "" {
		d.Encoding = enc
	}
	if !r.Get("dialect.header").Bool() && r.Get("dialect.header").Exists() {
		d.Header = false
	}
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if !d.IsDefault() {
		t.Dialect = &d
	}
	return t, nil
}

func column(f gjson.Result) *metadata.Column {
	name := f.Get("name").String()
	c := &metadata.Column{}
	if nameRegex.MatchString(name) {
		c.Name = name
	} else {
		c.Titles = metadata.NewTitles(name)
	}
	base, ok := fieldTypes[f.Get("type").String()]
	if !ok {
		base = "string"
	}
	dt := &datatype.Description{Base: base}
	cons := f.Get("constraints")
	if cons.Get("required").Bool() {
		c.Required = null.BoolFrom(true)
	}
	if p := cons.Get("pattern"); p.Exists() {
		dt.Pattern = p.String()
	}
	if n := cons.Get("minLength"); n.Exists() {
		dt.MinLength = null.IntFrom(n.Int())
	}
	if n := cons.Get("maxLength"); n.Exists() {
		dt.MaxLength = null.IntFrom(n.Int())
	}
	if base != "string" && base != "json" {
		if m := cons.Get("minimum"); m.Exists() {
			dt.Minimum = json.RawMessage(m.Raw)
		}
		if m := cons.Get("maximum"); m.Exists() {
			dt.Maximum = json.RawMessage(m.Raw)
		}
	}
	// string enums become a format enumeration
	if e := cons.Get("enum"); base == "string" && e.IsArray() && dt.Pattern == "" {
		values := lo.Map(e.Array(), func(v gjson.Result, _ int) string { return regexp.QuoteMeta(v.String()) })
		if raw, err := json.Marshal(strings.Join(values, "|")); err == nil {
			dt.Format = raw
		}
	}
	c.Datatype = dt
	return c
}

func fieldList(r gjson.Result) metadata.ColumnReference {
	if r.IsArray() {
		return lo.Map(r.Array(), func(v gjson.Result, _ int) string { return v.String() })
	}
	return metadata.ColumnReference{r.String()}
}
