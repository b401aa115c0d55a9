// Package dialect describes the physical format of a delimited text file.
//
// A Dialect is a plain value: build it with [Default] or [Parse], then call
// [Dialect.Validate] (Parse does this for you). Nothing mutates a Dialect
// after validation, so the derived accessors are always consistent.
package dialect

import (
	"encoding/json"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/guregu/null/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/JonMunkholm/csvw/internal/core"
)

// Trim controls whitespace trimming of cell values.
type Trim string

const (
	TrimNone  Trim = "false"
	TrimBoth  Trim = "true"
	TrimStart Trim = "start"
	TrimEnd   Trim = "end"
)

// UnmarshalJSON accepts a JSON boolean or one of the trim keywords.
func (t *Trim) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*t = TrimBoth
		} else {
			*t = TrimNone
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "trim must be a boolean or string")
	}
	*t = Trim(strings.ToLower(s))
	return nil
}

// Apply trims s according to t.
func (t Trim) Apply(s string) string {
	switch t {
	case TrimBoth:
		return strings.TrimSpace(s)
	case TrimStart:
		return strings.TrimLeftFunc(s, unicode.IsSpace)
	case TrimEnd:
		return strings.TrimRightFunc(s, unicode.IsSpace)
	default:
		return s
	}
}

// Terminators is the set of accepted line terminators. In JSON it may be a
// single string or a list of strings.
type Terminators []string

// UnmarshalJSON accepts a string or an array of strings.
func (ts *Terminators) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*ts = Terminators{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "lineTerminators must be a string or list of strings")
	}
	*ts = list
	return nil
}

// Dialect is the physical-format configuration of a delimited file.
type Dialect struct {
	Encoding         string      `json:"encoding" validate:"required"`
	LineTerminators  Terminators `json:"lineTerminators" validate:"min=1,dive,required"`
	QuoteChar        null.String `json:"quoteChar"`
	DoubleQuote      bool        `json:"doubleQuote"`
	EscapeChar       null.String `json:"escapeChar"`
	SkipRows         int         `json:"skipRows" validate:"gte=0"`
	CommentPrefix    null.String `json:"commentPrefix"`
	Header           bool        `json:"header"`
	HeaderRowCount   int         `json:"headerRowCount" validate:"gte=0"`
	Delimiter        string      `json:"delimiter" validate:"required"`
	SkipColumns      int         `json:"skipColumns" validate:"gte=0"`
	SkipBlankRows    bool        `json:"skipBlankRows"`
	SkipInitialSpace bool        `json:"skipInitialSpace"`
	Trim             Trim        `json:"trim" validate:"oneof=true false start end"`
}

// Default returns the dialect used when metadata declares none.
func Default() Dialect {
	return Dialect{
		Encoding:        core.DefaultEncoding,
		LineTerminators: Terminators{"\r\n", "\n"},
		QuoteChar:       null.StringFrom(`"`),
		DoubleQuote:     true,
		CommentPrefix:   null.StringFrom("#"),
		Header:          true,
		HeaderRowCount:  1,
		Delimiter:       ",",
		Trim:            TrimNone,
	}
}

// Parse reads a dialect description, filling unspecified properties with
// defaults, and validates the result.
func Parse(data []byte) (Dialect, error) {
	d := Default()
	if err := json.Unmarshal(data, &d); err != nil {
		return Dialect{}, core.NewDialectError("", "invalid json: %v", err)
	}
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return Dialect{}, err
	}
	return d, nil
}

// Normalize applies the rules that tie properties together: header=false
// forces headerRowCount to 0 and encoding aliases are canonicalized.
func (d Dialect) Normalize() Dialect {
	if !d.Header {
		d.HeaderRowCount = 0
	}
	d.Encoding = core.NormalizeEncoding(d.Encoding)
	// A JSON null leaves the previous string in place; clear it.
	for _, ns := range []*null.String{&d.QuoteChar, &d.EscapeChar, &d.CommentPrefix} {
		if !ns.Valid {
			*ns = null.String{}
		}
	}
	return d
}

var validate = validator.New()

// Validate checks the dialect for contradictory settings.
func (d Dialect) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return core.NewDialectError(lowerFirst(fe.Field()), "failed %q check (value %v)", fe.Tag(), fe.Value())
		}
		return errors.Wrap(err, "validate dialect")
	}
	if utf8.RuneCountInString(d.Delimiter) != 1 {
		return core.NewDialectError("delimiter", "must be a single character, got %q", d.Delimiter)
	}
	if d.QuoteChar.Valid {
		if utf8.RuneCountInString(d.QuoteChar.String) != 1 {
			return core.NewDialectError("quoteChar", "must be a single character, got %q", d.QuoteChar.String)
		}
		if d.QuoteChar.String == d.Delimiter {
			return core.NewDialectError("quoteChar", "must differ from the delimiter")
		}
	}
	if d.EscapeChar.Valid && utf8.RuneCountInString(d.EscapeChar.String) != 1 {
		return core.NewDialectError("escapeChar", "must be a single character, got %q", d.EscapeChar.String)
	}
	if d.EscapeChar.Valid && d.EscapeChar.String == d.Delimiter {
		return core.NewDialectError("escapeChar", "must differ from the delimiter")
	}
	if d.CommentPrefix.Valid && d.CommentPrefix.String == "" {
		return core.NewDialectError("commentPrefix", "must not be empty, use null to disable comments")
	}
	if !core.ValidEncoding(d.Encoding) {
		return core.NewDialectError("encoding", "unsupported encoding %q", d.Encoding)
	}
	for _, t := range d.LineTerminators {
		if strings.Contains(t, d.Delimiter) {
			return core.NewDialectError("lineTerminators", "terminator %q contains the delimiter", t)
		}
	}
	return nil
}

// DelimiterRune returns the delimiter as a rune.
func (d Dialect) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(d.Delimiter)
	return r
}

// Quote returns the quote character and whether quoting is enabled.
func (d Dialect) Quote() (rune, bool) {
	if !d.QuoteChar.Valid {
		return 0, false
	}
	r, _ := utf8.DecodeRuneInString(d.QuoteChar.String)
	return r, true
}

// Escape returns the effective escape character. Without an explicit
// escapeChar it is the quote character when doubleQuote is set, a backslash
// otherwise, and nothing at all when quoting is disabled.
func (d Dialect) Escape() (rune, bool) {
	q, ok := d.Quote()
	if !ok {
		return 0, false
	}
	if d.EscapeChar.Valid {
		r, _ := utf8.DecodeRuneInString(d.EscapeChar.String)
		return r, true
	}
	if d.DoubleQuote {
		return q, true
	}
	return '\\', true
}

// Terminator returns the terminator used when writing.
func (d Dialect) Terminator() string {
	if len(d.LineTerminators) == 0 {
		return "\r\n"
	}
	return d.LineTerminators[0]
}

// MarshalJSON writes only the properties that differ from the defaults, in
// declaration order.
func (d Dialect) MarshalJSON() ([]byte, error) {
	def := Default()
	om := orderedmap.New[string, any]()
	if d.Encoding != def.Encoding {
		om.Set("encoding", d.Encoding)
	}
	if !slices.Equal(d.LineTerminators, def.LineTerminators) {
		om.Set("lineTerminators", []string(d.LineTerminators))
	}
	if d.QuoteChar != def.QuoteChar {
		om.Set("quoteChar", d.QuoteChar)
	}
	if d.DoubleQuote != def.DoubleQuote {
		om.Set("doubleQuote", d.DoubleQuote)
	}
	if d.EscapeChar.Valid {
		om.Set("escapeChar", d.EscapeChar)
	}
	if d.SkipRows != def.SkipRows {
		om.Set("skipRows", d.SkipRows)
	}
	if d.CommentPrefix != def.CommentPrefix {
		om.Set("commentPrefix", d.CommentPrefix)
	}
	if d.Header != def.Header {
		om.Set("header", d.Header)
	}
	if d.Header && d.HeaderRowCount != def.HeaderRowCount {
		om.Set("headerRowCount", d.HeaderRowCount)
	}
	if d.Delimiter != def.Delimiter {
		om.Set("delimiter", d.Delimiter)
	}
	if d.SkipColumns != def.SkipColumns {
		om.Set("skipColumns", d.SkipColumns)
	}
	if d.SkipBlankRows != def.SkipBlankRows {
		om.Set("skipBlankRows", d.SkipBlankRows)
	}
	if d.SkipInitialSpace != def.SkipInitialSpace {
		om.Set("skipInitialSpace", d.SkipInitialSpace)
	}
	if d.Trim != def.Trim && d.Trim != "" {
		om.Set("trim", string(d.Trim))
	}
	return json.Marshal(om)
}

// IsDefault reports whether d is indistinguishable from Default().
func (d Dialect) IsDefault() bool {
	b, err := d.MarshalJSON()
	return err == nil && string(b) == "{}"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
