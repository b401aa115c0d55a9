// Package dbexport creates PostgreSQL tables for a table group and loads
// its rows.
//
// Every table becomes a CREATE TABLE statement. Facets that Postgres can
// enforce (minimum/maximum bounds, length limits) become CHECK constraints.
// A single-column foreign key on a list-valued column becomes an
// association table with one row per list item; its "context" column holds
// the name of the source column, so several list-valued keys between the
// same two tables can share one association table.
package dbexport

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"github.com/JonMunkholm/csvw/internal/datatype"
	"github.com/JonMunkholm/csvw/internal/metadata"
)

// ColumnSpec is a column of a generated table.
type ColumnSpec struct {
	Name    string
	SQLType string
	NotNull bool
	Check   string

	column *metadata.Column // nil for association table columns
}

// ForeignKeySpec is a generated FOREIGN KEY clause.
type ForeignKeySpec struct {
	Columns    []string
	Table      string
	RefColumns []string
}

// TableSpec is one generated table.
type TableSpec struct {
	Name        string
	Columns     []ColumnSpec
	PrimaryKey  []string
	ForeignKeys []ForeignKeySpec
	// ManyToMany maps a list-valued column to its association table.
	ManyToMany map[string]*TableSpec
	manyOrder  []string

	table *metadata.Table // nil for association tables
}

// TableName derives a table name from a table url: the base name without
// extension.
func TableName(url string) string {
	base := path.Base(url)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// SQLType returns the column type for a datatype.
func SQLType(dt *datatype.Datatype) string {
	b := dt.Base()
	switch b.Family {
	case datatype.FamilyBoolean:
		return "BOOLEAN"
	case datatype.FamilyDecimal:
		return "NUMERIC"
	case datatype.FamilyInteger:
		if b.Min != nil && b.Max != nil && b.Min.IsInt64() && b.Max.IsInt64() {
			if b.Max.Int64() <= 1<<31-1 && b.Min.Int64() >= -1<<31 {
				return "INTEGER"
			}
			return "BIGINT"
		}
		return "NUMERIC"
	case datatype.FamilyFloat:
		if b.Name == "float" {
			return "REAL"
		}
		return "DOUBLE PRECISION"
	case datatype.FamilyDate:
		return "DATE"
	case datatype.FamilyDateTime:
		if b.RequireZone {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	case datatype.FamilyTime:
		return "TIME"
	case datatype.FamilyDuration:
		return "INTERVAL"
	case datatype.FamilyBinary:
		return "BYTEA"
	case datatype.FamilyJSON:
		return "JSONB"
	}
	return "TEXT"
}

// Plan converts the group's tables into table specs, ordered so that every
// table comes after the tables it references. Self references are allowed;
// other cycles are an error.
func Plan(g *metadata.TableGroup) ([]*TableSpec, error) {
	names := make(map[string]string, len(g.Tables))
	for _, t := range g.Tables {
		names[t.URL] = TableName(t.URL)
	}

	var specs []*TableSpec
	for _, t := range g.Tables {
		spec, err := tableSpec(t, names)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
		for _, col := range spec.manyOrder {
			specs = append(specs, spec.ManyToMany[col])
		}
	}
	return order(lo.Uniq(specs))
}

func tableSpec(t *metadata.Table, names map[string]string) (*TableSpec, error) {
	s := t.Schema()
	spec := &TableSpec{
		Name:       names[t.URL],
		PrimaryKey: lo.Map(s.PrimaryKeyColumns(), func(c *metadata.Column, _ int) string { return c.Header() }),
		ManyToMany: make(map[string]*TableSpec),
		table:      t,
	}
	for _, fk := range s.ForeignKeys {
		if fk.Reference.SchemaReference != "" {
			continue
		}
		ref := fk.Reference.Resource
		target := t.Group().Table(ref)
		refCols := lo.Map(fk.Reference.ColumnReference, func(n string, _ int) *metadata.Column { return target.Schema().Column(n) })
		src := s.Column(fk.ColumnReference[0])
		if len(fk.ColumnReference) == 1 && src.IsList() {
			if len(spec.PrimaryKey) != 1 {
				return nil, errors.Newf("table %s with list-valued foreign key %s needs a single-column primary key", spec.Name, src.Header())
			}
			pk := s.Column(spec.PrimaryKey[0])
			at := association(spec.Name, pk, names[ref], refCols[0])
			for _, existing := range spec.ManyToMany {
				if existing.Name == at.Name {
					at = existing
				}
			}
			spec.ManyToMany[src.Header()] = at
			spec.manyOrder = append(spec.manyOrder, src.Header())
			continue
		}
		spec.ForeignKeys = append(spec.ForeignKeys, ForeignKeySpec{
			Columns:    lo.Map([]string(fk.ColumnReference), func(n string, _ int) string { return s.Column(n).Header() }),
			Table:      names[ref],
			RefColumns: lo.Map(refCols, func(c *metadata.Column, _ int) string { return c.Header() }),
		})
	}
	for _, c := range s.Columns {
		if c.Virtual {
			continue
		}
		if _, ok := spec.ManyToMany[c.Header()]; ok {
			continue
		}
		sqlType := SQLType(c.Type())
		if c.IsList() {
			sqlType = "TEXT"
		}
		spec.Columns = append(spec.Columns, ColumnSpec{
			Name:    c.Header(),
			SQLType: sqlType,
			NotNull: c.IsRequired(),
			Check:   check(c),
			column:  c,
		})
	}
	return spec, nil
}

func association(a string, apk *metadata.Column, b string, bpk *metadata.Column) *TableSpec {
	afk := a + "_" + apk.Header()
	bfk := b + "_" + bpk.Header()
	if afk == bfk {
		afk, bfk = afk+"_1", bfk+"_2"
	}
	return &TableSpec{
		Name: a + "_" + b,
		Columns: []ColumnSpec{
			{Name: afk, SQLType: SQLType(apk.Type())},
			{Name: bfk, SQLType: SQLType(bpk.Type())},
			{Name: "context", SQLType: "TEXT"},
		},
		ForeignKeys: []ForeignKeySpec{
			{Columns: []string{afk}, Table: a, RefColumns: []string{apk.Header()}},
			{Columns: []string{bfk}, Table: b, RefColumns: []string{bpk.Header()}},
		},
	}
}

// order sorts specs so referenced tables come first.
func order(specs []*TableSpec) ([]*TableSpec, error) {
	pending := lo.SliceToMap(specs, func(s *TableSpec) (string, *TableSpec) { return s.Name, s })
	done := make(map[string]bool, len(specs))
	out := make([]*TableSpec, 0, len(specs))
	for len(out) < len(specs) {
		progressed := false
		for _, s := range specs {
			if done[s.Name] {
				continue
			}
			ready := lo.EveryBy(s.ForeignKeys, func(fk ForeignKeySpec) bool {
				_, known := pending[fk.Table]
				return done[fk.Table] || fk.Table == s.Name || !known
			})
			if ready {
				done[s.Name] = true
				out = append(out, s)
				progressed = true
			}
		}
		if !progressed {
			rest := lo.FilterMap(specs, func(s *TableSpec, _ int) (string, bool) { return s.Name, !done[s.Name] })
			return nil, errors.Newf("cyclic foreign keys between tables %s", strings.Join(rest, ", "))
		}
	}
	return out, nil
}

// check builds the CHECK expression for the column's facets.
func check(c *metadata.Column) string {
	if c.IsList() {
		return ""
	}
	d := c.Type().Description()
	name := quote(c.Header())
	family := c.Type().Base().Family
	literal := func(raw json.RawMessage) string {
		s := lexical(raw)
		switch family {
		case datatype.FamilyDecimal, datatype.FamilyInteger, datatype.FamilyFloat:
			return s
		}
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}

	var parts []string
	bound := func(raw json.RawMessage, op string) {
		if len(raw) > 0 {
			parts = append(parts, fmt.Sprintf("%s %s %s", name, op, literal(raw)))
		}
	}
	bound(d.Minimum, ">=")
	bound(d.MinInclusive, ">=")
	bound(d.MinExclusive, ">")
	bound(d.Maximum, "<=")
	bound(d.MaxInclusive, "<=")
	bound(d.MaxExclusive, "<")

	length := "length"
	if family == datatype.FamilyBinary {
		length = "octet_length"
	}
	if d.Length.Valid {
		parts = append(parts, fmt.Sprintf("%s(%s) = %d", length, name, d.Length.Int64))
	}
	if d.MinLength.Valid {
		parts = append(parts, fmt.Sprintf("%s(%s) >= %d", length, name, d.MinLength.Int64))
	}
	if d.MaxLength.Valid {
		parts = append(parts, fmt.Sprintf("%s(%s) <= %d", length, name, d.MaxLength.Int64))
	}
	return strings.Join(parts, " AND ")
}

func lexical(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func quote(name string) string { return pgx.Identifier{name}.Sanitize() }

func quoteAll(names []string) string {
	return strings.Join(lo.Map(names, func(n string, _ int) string { return quote(n) }), ", ")
}

// SQL returns the CREATE TABLE statement for the spec.
func (s *TableSpec) SQL() string {
	var clauses []string
	for _, c := range s.Columns {
		clause := quote(c.Name) + " " + c.SQLType
		if c.NotNull {
			clause += " NOT NULL"
		}
		if c.Check != "" {
			clause += " CHECK (" + c.Check + ")"
		}
		clauses = append(clauses, clause)
	}
	if len(s.PrimaryKey) > 0 {
		clauses = append(clauses, "PRIMARY KEY ("+quoteAll(s.PrimaryKey)+")")
	}
	for _, fk := range s.ForeignKeys {
		clauses = append(clauses, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE CASCADE",
			quoteAll(fk.Columns), quote(fk.Table), quoteAll(fk.RefColumns)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", quote(s.Name), strings.Join(clauses, ",\n    "))
}

// DDL returns the statements for every spec, separated by blank lines.
func DDL(specs []*TableSpec) string {
	return strings.Join(lo.Map(specs, func(s *TableSpec, _ int) string { return s.SQL() + ";" }), "\n\n") + "\n"
}
