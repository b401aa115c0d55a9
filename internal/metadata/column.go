package metadata

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/yosida95/uritemplate/v3"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/datatype"
)

// nameRegex is the URI template variable grammar column names must follow.
var nameRegex = regexp.MustCompile(`^(?:[A-Za-z0-9]|%[0-9A-Fa-f]{2})(?:[A-Za-z0-9_.]|%[0-9A-Fa-f]{2})*$`)

// Column describes one logical column of a table.
type Column struct {
	Name   string `json:"name,omitempty"`
	Titles Titles `json:"titles,omitzero"`
	Inherited
	Virtual        bool `json:"virtual,omitempty"`
	SuppressOutput bool `json:"suppressOutput,omitempty"`

	Extra *Properties `json:"-"`

	number   int // 1-based position in the schema
	eff      effective
	dt       *datatype.Datatype
	valueURL *uritemplate.Template
}

// UnmarshalJSON decodes a column description, keeping unmodelled
// properties in Extra.
func (c *Column) UnmarshalJSON(data []byte) error {
	type plain Column
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraProperties(data, columnKeys)
	if err != nil {
		return err
	}
	*c = Column(p)
	c.Extra = extra
	return nil
}

// MarshalJSON encodes the column followed by its extra properties.
func (c *Column) MarshalJSON() ([]byte, error) {
	type plain Column
	data, err := json.Marshal((*plain)(c))
	if err != nil {
		return nil, err
	}
	return withProperties(data, c.Extra)
}

// Header is the column's key in records: name, else first title, else a
// positional placeholder.
func (c *Column) Header() string {
	switch {
	case c.Name != "":
		return c.Name
	case !c.Titles.IsZero():
		return c.Titles.First()
	}
	return fmt.Sprintf("_col.%d", c.number)
}

// Number returns the 1-based schema position.
func (c *Column) Number() int { return c.number }

// Type returns the compiled datatype. Only valid after the owning table
// group has been compiled.
func (c *Column) Type() *datatype.Datatype { return c.dt }

// IsRequired reports the effective required flag.
func (c *Column) IsRequired() bool { return c.eff.required }

// IsList reports whether the column is list-valued.
func (c *Column) IsList() bool { return c.eff.hasSep }

// ListSeparator returns the effective separator.
func (c *Column) ListSeparator() string { return c.eff.separator }

// NullTokens returns the effective null values.
func (c *Column) NullTokens() []string { return c.eff.nulls }

// matches reports whether a header cell identifies the column.
func (c *Column) matches(cell string) bool {
	return c.Name == cell || c.Titles.Contains(cell)
}

func (c *Column) compile(number int, parents ...*Inherited) error {
	c.number = number
	if c.Name != "" && !nameRegex.MatchString(c.Name) {
		return core.NewMetadataError(c.path("name"), "invalid column name %q", c.Name)
	}
	c.eff = resolve(append([]*Inherited{&c.Inherited}, parents...)...)
	dt, err := datatype.New(c.eff.datatype)
	if err != nil {
		var me *core.MetadataError
		if errors.As(err, &me) {
			return core.NewMetadataError(c.path(me.Path), "%s", me.Message)
		}
		return err
	}
	c.dt = dt
	c.valueURL = nil
	for _, tpl := range []struct {
		prop string
		v    string
	}{{"aboutUrl", c.AboutURL.String}, {"propertyUrl", c.PropertyURL.String}, {"valueUrl", c.ValueURL.String}} {
		if tpl.v == "" {
			continue
		}
		t, err := uritemplate.New(tpl.v)
		if err != nil {
			return core.NewMetadataError(c.path(tpl.prop), "invalid uri template %q: %v", tpl.v, err)
		}
		if tpl.prop == "valueUrl" {
			c.valueURL = t
		}
	}
	return nil
}

// expandValueURL expands the column's valueUrl over a record. Variables are
// the lexical forms of the record's values plus _row, _column and _name.
// ok is false when the column has no valueUrl.
func (c *Column) expandValueURL(s *Schema, values *Values, row int) (string, bool, error) {
	if c.valueURL == nil {
		return "", false, nil
	}
	vars := uritemplate.Values{}
	for f := values.Oldest(); f != nil; f = f.Next() {
		if f.Value == nil {
			continue
		}
		col := s.Column(f.Key)
		if col == nil {
			if str, ok := f.Value.(string); ok {
				vars.Set(f.Key, uritemplate.String(str))
			}
			continue
		}
		if items, ok := f.Value.([]any); ok {
			list := make([]string, 0, len(items))
			for _, it := range items {
				if it == nil {
					continue
				}
				str, err := col.FormatItem(it)
				if err != nil {
					return "", false, err
				}
				list = append(list, str)
			}
			if len(list) > 0 {
				vars.Set(f.Key, uritemplate.List(list...))
			}
			continue
		}
		str, err := col.FormatItem(f.Value)
		if err != nil {
			return "", false, err
		}
		vars.Set(f.Key, uritemplate.String(str))
	}
	vars.Set("_row", uritemplate.String(strconv.Itoa(row)))
	vars.Set("_column", uritemplate.String(strconv.Itoa(c.number)))
	vars.Set("_name", uritemplate.String(c.Header()))
	out, err := c.valueURL.Expand(vars)
	if err != nil {
		return "", false, errors.Wrapf(err, "%s: expanding valueUrl", c.Header())
	}
	return out, true, nil
}

func (c *Column) path(prop string) string {
	return fmt.Sprintf("columns[%d].%s", c.number-1, prop)
}

func (c *Column) isNull(s string) bool { return slices.Contains(c.eff.nulls, s) }

// Read converts a raw cell into a value: nil when absent, []any for list
// columns, otherwise the datatype's value. Errors are *core.DatatypeError.
func (c *Column) Read(raw string, strict bool) (any, error) {
	v := raw
	if v == "" {
		v = c.eff.def
	}
	if c.eff.required && c.isNull(v) {
		return nil, &core.DatatypeError{
			Column:     c.Header(),
			Base:       c.dt.Base().Name,
			Value:      raw,
			Constraint: "required",
			Message:    "required column value is missing",
		}
	}
	if c.eff.hasSep {
		switch {
		case v == "":
			return []any{}, nil
		case c.isNull(v):
			return nil, nil
		}
		parts := strings.Split(v, c.eff.separator)
		out := make([]any, len(parts))
		for i, p := range parts {
			if p == "" {
				p = c.eff.def
			}
			if c.isNull(p) {
				continue
			}
			item, err := c.parse(p, strict)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	}
	if c.isNull(v) {
		return nil, nil
	}
	return c.parse(v, strict)
}

func (c *Column) parse(s string, strict bool) (any, error) {
	parse := c.dt.Parse
	if strict {
		parse = c.dt.ParseStrict
	}
	v, err := parse(s)
	if err != nil {
		var de *core.DatatypeError
		if errors.As(err, &de) {
			return nil, de.WithColumn(c.Header())
		}
		return nil, err
	}
	return v, nil
}

// Write formats a value as a raw cell: the first null token for nil, list
// items joined with the separator.
func (c *Column) Write(v any) (string, error) {
	if c.eff.hasSep {
		if v == nil {
			return c.nullToken(), nil
		}
		items, ok := v.([]any)
		if !ok {
			if s, isStrings := v.([]string); isStrings {
				items = make([]any, len(s))
				for i := range s {
					items[i] = s[i]
				}
			} else {
				return "", errors.Newf("%s: list column needs a slice, got %T", c.Header(), v)
			}
		}
		parts := make([]string, len(items))
		for i, it := range items {
			s, err := c.FormatItem(it)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, c.eff.separator), nil
	}
	return c.FormatItem(v)
}

// FormatItem formats a single (non-list) value.
func (c *Column) FormatItem(v any) (string, error) {
	if v == nil {
		return c.nullToken(), nil
	}
	if s, ok := v.(string); ok && c.dt.Base().Family != datatype.FamilyString {
		// Lexical input is parsed first so it is written canonically.
		parsed, err := c.dt.Parse(s)
		if err != nil {
			return "", err
		}
		v = parsed
	}
	s, err := c.dt.Format(v)
	if err != nil {
		return "", errors.Wrapf(err, "column %s", c.Header())
	}
	return s, nil
}

func (c *Column) nullToken() string {
	if len(c.eff.nulls) == 0 {
		return ""
	}
	return c.eff.nulls[0]
}
