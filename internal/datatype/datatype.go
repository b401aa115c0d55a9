// Package datatype parses, validates and formats cell values against the
// built-in type catalog and its facets.
//
// A [Datatype] is built once from a [Description] and is immutable after
// that. Every derived artifact (compiled patterns, bound values, number and
// date layouts, JSON schemas) is computed in [New], so a Datatype can be
// shared freely.
//
// Values produced by Parse use these Go types:
//
//	string family      string
//	boolean            bool
//	decimal            decimal.Decimal
//	integer family     *big.Int
//	float family       float64
//	date/time family   DateTime
//	duration family    Duration
//	binary family      []byte
//	json               json.RawMessage
package datatype

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/xeipuuv/gojsonschema"

	"github.com/JonMunkholm/csvw/internal/core"
)

// Description is the metadata form of a datatype. In JSON it is either a
// bare base name or an object.
type Description struct {
	Base         string          `json:"base,omitempty"`
	Format       json.RawMessage `json:"format,omitempty"`
	Pattern      string          `json:"pattern,omitempty"`
	Length       null.Int        `json:"length,omitzero"`
	MinLength    null.Int        `json:"minLength,omitzero"`
	MaxLength    null.Int        `json:"maxLength,omitzero"`
	Minimum      json.RawMessage `json:"minimum,omitempty"`
	Maximum      json.RawMessage `json:"maximum,omitempty"`
	MinInclusive json.RawMessage `json:"minInclusive,omitempty"`
	MaxInclusive json.RawMessage `json:"maxInclusive,omitempty"`
	MinExclusive json.RawMessage `json:"minExclusive,omitempty"`
	MaxExclusive json.RawMessage `json:"maxExclusive,omitempty"`
}

type descriptionFields Description

// UnmarshalJSON accepts a base name string or a description object.
func (d *Description) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var base string
		if err := json.Unmarshal(data, &base); err != nil {
			return err
		}
		*d = Description{Base: base}
		return nil
	}
	var f descriptionFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*d = Description(f)
	return nil
}

// MarshalJSON writes a bare base name when no facet is set.
func (d Description) MarshalJSON() ([]byte, error) {
	if d.onlyBase() {
		return json.Marshal(d.Base)
	}
	return json.Marshal(descriptionFields(d))
}

func (d Description) onlyBase() bool {
	return len(d.Format) == 0 && d.Pattern == "" && !d.Length.Valid && !d.MinLength.Valid &&
		!d.MaxLength.Valid && len(d.Minimum) == 0 && len(d.Maximum) == 0 &&
		len(d.MinInclusive) == 0 && len(d.MaxInclusive) == 0 &&
		len(d.MinExclusive) == 0 && len(d.MaxExclusive) == 0
}

// FormatString returns format when it is a JSON string.
func (d Description) FormatString() (string, bool) {
	if len(d.Format) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(d.Format, &s); err != nil {
		return "", false
	}
	return s, true
}

type bound struct {
	facet     string
	lexical   string
	value     any
	lower     bool
	inclusive bool
}

// Datatype is a validated base type plus facets.
type Datatype struct {
	desc Description
	base *Base

	length, minLength, maxLength int // -1 when unset
	bounds                       []bound
	pattern                      *regexp.Regexp

	// format-derived
	enum     []string
	regex    *regexp.Regexp
	trueTok  []string
	falseTok []string
	number   *numberFormat
	layout   *temporalLayout
	schema   *gojsonschema.Schema
}

// String returns an unconstrained string datatype.
func String() *Datatype {
	dt, _ := New(Description{Base: "string"})
	return dt
}

// MustNew is like New but panics on error. Intended for tests and constants.
func MustNew(d Description) *Datatype {
	dt, err := New(d)
	if err != nil {
		panic(err)
	}
	return dt
}

// New validates a description and compiles its facets.
func New(d Description) (*Datatype, error) {
	if d.Base == "" {
		d.Base = "string"
	}
	base, ok := Lookup(d.Base)
	if !ok {
		return nil, core.NewMetadataError("datatype.base", "unknown base %q", d.Base)
	}
	dt := &Datatype{desc: d, base: base, length: -1, minLength: -1, maxLength: -1}

	if err := dt.compileLength(); err != nil {
		return nil, err
	}
	if d.Pattern != "" {
		re, err := regexp.Compile(`^(?:` + d.Pattern + `)$`)
		if err != nil {
			return nil, core.NewMetadataError("datatype.pattern", "invalid regular expression %q: %v", d.Pattern, err)
		}
		dt.pattern = re
	}
	if err := dt.compileFormat(); err != nil {
		return nil, err
	}
	if err := dt.compileBounds(); err != nil {
		return nil, err
	}
	return dt, nil
}

func (dt *Datatype) compileLength() error {
	d := dt.desc
	set := d.Length.Valid || d.MinLength.Valid || d.MaxLength.Valid
	if !set {
		return nil
	}
	if !dt.base.Family.HasLength() {
		return core.NewMetadataError("datatype", "length facets are not allowed for %s", d.Base)
	}
	get := func(n null.Int, name string) (int, error) {
		if !n.Valid {
			return -1, nil
		}
		if n.Int64 < 0 {
			return -1, core.NewMetadataError("datatype."+name, "must not be negative")
		}
		return int(n.Int64), nil
	}
	var err error
	if dt.length, err = get(d.Length, "length"); err != nil {
		return err
	}
	if dt.minLength, err = get(d.MinLength, "minLength"); err != nil {
		return err
	}
	if dt.maxLength, err = get(d.MaxLength, "maxLength"); err != nil {
		return err
	}
	if dt.length >= 0 {
		if dt.minLength >= 0 && dt.length < dt.minLength {
			return core.NewMetadataError("datatype", "length %d is less than minLength %d", dt.length, dt.minLength)
		}
		if dt.maxLength >= 0 && dt.length > dt.maxLength {
			return core.NewMetadataError("datatype", "length %d is greater than maxLength %d", dt.length, dt.maxLength)
		}
	}
	if dt.minLength >= 0 && dt.maxLength >= 0 && dt.minLength > dt.maxLength {
		return core.NewMetadataError("datatype", "minLength %d is greater than maxLength %d", dt.minLength, dt.maxLength)
	}
	return nil
}

func (dt *Datatype) compileBounds() error {
	d := dt.desc
	specs := []struct {
		facet     string
		raw       json.RawMessage
		lower     bool
		inclusive bool
	}{
		{"minimum", d.Minimum, true, true},
		{"minInclusive", d.MinInclusive, true, true},
		{"minExclusive", d.MinExclusive, true, false},
		{"maximum", d.Maximum, false, true},
		{"maxInclusive", d.MaxInclusive, false, true},
		{"maxExclusive", d.MaxExclusive, false, false},
	}
	// Bounds use the base lexical space, not the column format.
	var plain *Datatype
	for _, s := range specs {
		if len(s.raw) == 0 {
			continue
		}
		if plain == nil {
			var err error
			if plain, err = New(Description{Base: d.Base}); err != nil {
				return err
			}
		}
		if !dt.base.Family.Ordered() {
			return core.NewMetadataError("datatype."+s.facet, "not allowed for %s", d.Base)
		}
		lex := rawLexical(s.raw)
		v, err := plain.parseValue(lex)
		if err != nil {
			return core.NewMetadataError("datatype."+s.facet, "invalid bound %q: %v", lex, err)
		}
		dt.bounds = append(dt.bounds, bound{
			facet: s.facet, lexical: lex, value: v, lower: s.lower, inclusive: s.inclusive,
		})
	}
	for _, lo := range dt.bounds {
		for _, hi := range dt.bounds {
			if !lo.lower || hi.lower {
				continue
			}
			c, ok := compare(lo.value, hi.value)
			if ok && (c > 0 || (c == 0 && !(lo.inclusive && hi.inclusive))) {
				return core.NewMetadataError("datatype", "%s %s excludes every value below %s %s",
					lo.facet, lo.lexical, hi.facet, hi.lexical)
			}
		}
	}
	return nil
}

// rawLexical turns a JSON number or string into its lexical form.
func rawLexical(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func (dt *Datatype) compileFormat() error {
	switch dt.base.Family {
	case FamilyString:
		return dt.compileStringFormat()
	case FamilyBoolean:
		return dt.compileBooleanFormat()
	case FamilyDecimal, FamilyInteger, FamilyFloat:
		nf, err := parseNumberFormat(dt.desc.Format)
		if err != nil {
			return err
		}
		dt.number = nf
	case FamilyDate, FamilyDateTime, FamilyTime:
		l, err := compileTemporal(dt.base, dt.desc.Format)
		if err != nil {
			return err
		}
		dt.layout = l
	case FamilyDuration:
		if s, ok := dt.desc.FormatString(); ok {
			re, err := regexp.Compile(`^(?:` + s + `)$`)
			if err != nil {
				return core.NewMetadataError("datatype.format", "invalid regular expression %q: %v", s, err)
			}
			dt.regex = re
		}
	case FamilyJSON:
		return dt.compileJSONFormat()
	}
	return nil
}

// Base returns the catalog entry.
func (dt *Datatype) Base() *Base { return dt.base }

// Description returns the metadata form.
func (dt *Datatype) Description() Description { return dt.desc }

// Parse converts a lexical value into a typed value and checks every facet.
func (dt *Datatype) Parse(s string) (any, error) {
	return dt.parse(s, false)
}

// ParseStrict is like Parse but additionally rejects lexical forms that are
// not the canonical representation of their value (for example "1" for a
// boolean or "+05" for an integer).
func (dt *Datatype) ParseStrict(s string) (any, error) {
	return dt.parse(s, true)
}

func (dt *Datatype) parse(s string, strict bool) (any, error) {
	if dt.pattern != nil && !dt.pattern.MatchString(s) {
		return nil, dt.fail(s, "pattern", "does not match "+dt.desc.Pattern)
	}
	v, err := dt.parseValue(s)
	if err != nil {
		return nil, err
	}
	if err := dt.Validate(v); err != nil {
		var de *core.DatatypeError
		if errors.As(err, &de) {
			de.Value = s
		}
		return nil, err
	}
	if strict && dt.canonicalChecked() {
		f, err := dt.Format(v)
		if err == nil && f != strings.TrimSpace(s) {
			return nil, dt.fail(s, "canonical", "canonical form is "+f)
		}
	}
	return v, nil
}

func (dt *Datatype) canonicalChecked() bool {
	switch dt.base.Family {
	case FamilyBoolean:
		return len(dt.desc.Format) == 0
	case FamilyInteger, FamilyDecimal:
		return dt.number == nil
	case FamilyBinary, FamilyDuration:
		return true
	case FamilyDate, FamilyDateTime, FamilyTime:
		return dt.layout.pattern == ""
	}
	return false
}

// parseValue handles the lexical grammar and format, without value facets.
func (dt *Datatype) parseValue(s string) (any, error) {
	switch dt.base.Family {
	case FamilyString:
		return dt.parseString(s)
	case FamilyBoolean:
		return dt.parseBoolean(s)
	case FamilyDecimal:
		return dt.parseDecimal(s)
	case FamilyInteger:
		return dt.parseInteger(s)
	case FamilyFloat:
		return dt.parseFloat(s)
	case FamilyDate, FamilyDateTime, FamilyTime:
		return dt.parseTemporal(s)
	case FamilyDuration:
		return dt.parseDuration(s)
	case FamilyBinary:
		return dt.parseBinary(s)
	case FamilyJSON:
		return dt.parseJSON(s)
	}
	return nil, dt.fail(s, "lexical", "unsupported base")
}

// Validate checks the value facets (length family and bounds) of a typed value.
func (dt *Datatype) Validate(v any) error {
	if v == nil {
		return nil
	}
	if dt.length >= 0 || dt.minLength >= 0 || dt.maxLength >= 0 {
		n, ok := valueLength(v)
		if ok {
			switch {
			case dt.length >= 0 && n != dt.length:
				return dt.failValue(v, "length", "length %d is not %d", n, dt.length)
			case dt.minLength >= 0 && n < dt.minLength:
				return dt.failValue(v, "minLength", "length %d is less than %d", n, dt.minLength)
			case dt.maxLength >= 0 && n > dt.maxLength:
				return dt.failValue(v, "maxLength", "length %d is greater than %d", n, dt.maxLength)
			}
		}
	}
	for _, b := range dt.bounds {
		c, ok := compare(v, b.value)
		if !ok {
			return dt.failValue(v, b.facet, "not comparable with %s", b.lexical)
		}
		switch {
		case b.lower && b.inclusive && c < 0:
			return dt.failValue(v, b.facet, "less than %s", b.lexical)
		case b.lower && !b.inclusive && c <= 0:
			return dt.failValue(v, b.facet, "not greater than %s", b.lexical)
		case !b.lower && b.inclusive && c > 0:
			return dt.failValue(v, b.facet, "greater than %s", b.lexical)
		case !b.lower && !b.inclusive && c >= 0:
			return dt.failValue(v, b.facet, "not less than %s", b.lexical)
		}
	}
	return nil
}

func valueLength(v any) (int, bool) {
	switch x := v.(type) {
	case string:
		return utf8.RuneCountInString(x), true
	case []byte:
		return len(x), true
	}
	return 0, false
}

// Format renders a typed value in its canonical lexical form, honoring format.
func (dt *Datatype) Format(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	switch dt.base.Family {
	case FamilyString:
		return dt.formatString(v)
	case FamilyBoolean:
		return dt.formatBoolean(v)
	case FamilyDecimal:
		return dt.formatDecimal(v)
	case FamilyInteger:
		return dt.formatInteger(v)
	case FamilyFloat:
		return dt.formatFloat(v)
	case FamilyDate, FamilyDateTime, FamilyTime:
		return dt.formatTemporal(v)
	case FamilyDuration:
		return dt.formatDuration(v)
	case FamilyBinary:
		return dt.formatBinary(v)
	case FamilyJSON:
		return dt.formatJSON(v)
	}
	return "", errors.Newf("cannot format %T as %s", v, dt.base.Name)
}

func (dt *Datatype) fail(value, constraint, message string) *core.DatatypeError {
	return &core.DatatypeError{Base: dt.base.Name, Value: value, Constraint: constraint, Message: message}
}

func (dt *Datatype) failValue(v any, constraint, format string, args ...any) *core.DatatypeError {
	lex, err := dt.Format(v)
	if err != nil {
		lex = ""
	}
	return &core.DatatypeError{
		Base:       dt.base.Name,
		Value:      lex,
		Constraint: constraint,
		Message:    fmt.Sprintf(format, args...),
	}
}

func errWrongType(v any, base string) error {
	return errors.Newf("cannot format %T as %s", v, base)
}
