package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-set/v2"
	"github.com/samber/lo"

	"github.com/JonMunkholm/csvw/internal/core"
)

// ColumnReference names one or more columns. In JSON it is a string or a
// list of strings.
type ColumnReference []string

// UnmarshalJSON accepts a string or list.
func (r *ColumnReference) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = ColumnReference{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "columnReference must be a string or list of strings")
	}
	*r = list
	return nil
}

// MarshalJSON writes a single reference as a bare string.
func (r ColumnReference) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// Reference is the target side of a foreign key. Exactly one of Resource
// and SchemaReference is set.
type Reference struct {
	Resource        string          `json:"resource,omitempty"`
	SchemaReference string          `json:"schemaReference,omitempty"`
	ColumnReference ColumnReference `json:"columnReference"`
}

// ForeignKey links columns of one table to columns of another (or the same)
// table.
type ForeignKey struct {
	ColumnReference ColumnReference `json:"columnReference"`
	Reference       Reference       `json:"reference"`
}

// IsSelfReference reports whether the key points back at the table with
// the given url.
func (fk ForeignKey) IsSelfReference(tableURL string) bool {
	return fk.Reference.Resource != "" && fk.Reference.Resource == tableURL
}

// Schema is the tableSchema of a table.
type Schema struct {
	Columns     []*Column       `json:"columns"`
	PrimaryKey  ColumnReference `json:"primaryKey,omitempty"`
	ForeignKeys []ForeignKey    `json:"foreignKeys,omitempty"`
	Inherited

	Extra *Properties `json:"-"`

	byHeader map[string]*Column
	ref      *schemaRef // set when tableSchema was given as a url
}

// UnmarshalJSON decodes a schema object, keeping unmodelled properties in
// Extra.
func (s *Schema) UnmarshalJSON(data []byte) error {
	type plain Schema
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraProperties(data, schemaKeys)
	if err != nil {
		return err
	}
	*s = Schema(p)
	s.Extra = extra
	return nil
}

// MarshalJSON writes a referenced schema back as its url.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s.ref != nil {
		return json.Marshal(s.ref.ref)
	}
	type plain Schema
	data, err := json.Marshal((*plain)(s))
	if err != nil {
		return nil, err
	}
	return withProperties(data, s.Extra)
}

// Column finds a column by header, falling back to its titles.
func (s *Schema) Column(name string) *Column {
	if c, ok := s.byHeader[name]; ok {
		return c
	}
	for _, c := range s.Columns {
		if c.matches(name) {
			return c
		}
	}
	return nil
}

// Headers returns the headers of the non-virtual columns.
func (s *Schema) Headers() []string {
	return lo.FilterMap(s.Columns, func(c *Column, _ int) (string, bool) {
		return c.Header(), !c.Virtual
	})
}

// PrimaryKeyColumns resolves the primary key.
func (s *Schema) PrimaryKeyColumns() []*Column {
	return lo.Map(s.PrimaryKey, func(name string, _ int) *Column { return s.Column(name) })
}

func (s *Schema) compile(prefix string, parents ...*Inherited) error {
	chain := append([]*Inherited{&s.Inherited}, parents...)
	s.byHeader = make(map[string]*Column, len(s.Columns))
	virtual := false
	for i, c := range s.Columns {
		if c == nil {
			return core.NewMetadataError(fmt.Sprintf("%s.columns[%d]", prefix, i), "column must be an object")
		}
		if err := c.compile(i+1, chain...); err != nil {
			var me *core.MetadataError
			if errors.As(err, &me) {
				return core.NewMetadataError(prefix+"."+me.Path, "%s", me.Message)
			}
			return err
		}
		if c.Virtual {
			virtual = true
		} else if virtual {
			return core.NewMetadataError(c.pathIn(prefix), "non-virtual column %s after a virtual column", c.Header())
		}
		h := c.Header()
		if _, dup := s.byHeader[h]; dup {
			return core.NewMetadataError(c.pathIn(prefix), "duplicate column name %q", h)
		}
		s.byHeader[h] = c
	}
	if err := s.checkReference(prefix+".primaryKey", s.PrimaryKey); err != nil {
		return err
	}
	for i, fk := range s.ForeignKeys {
		p := fmt.Sprintf("%s.foreignKeys[%d]", prefix, i)
		if err := s.checkReference(p+".columnReference", fk.ColumnReference); err != nil {
			return err
		}
		r := fk.Reference
		if (r.Resource == "") == (r.SchemaReference == "") {
			return core.NewMetadataError(p+".reference", "exactly one of resource and schemaReference must be set")
		}
		if len(r.ColumnReference) == 0 {
			return core.NewMetadataError(p+".reference.columnReference", "must not be empty")
		}
		if len(r.ColumnReference) != len(fk.ColumnReference) {
			return core.NewMetadataError(p, "references %d columns with %d", len(r.ColumnReference), len(fk.ColumnReference))
		}
	}
	return nil
}

func (s *Schema) checkReference(path string, ref ColumnReference) error {
	seen := set.New[string](len(ref))
	for _, name := range ref {
		if s.Column(name) == nil {
			return core.NewMetadataError(path, "unknown column %q", name)
		}
		if !seen.Insert(name) {
			return core.NewMetadataError(path, "column %q listed twice", name)
		}
	}
	return nil
}

func (c *Column) pathIn(prefix string) string {
	return prefix + "." + c.path("name")
}
