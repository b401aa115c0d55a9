package core

// errors.go defines the error taxonomy shared by every layer of the toolkit.
//
// Each kind is a concrete struct carrying the location of the problem plus a
// sentinel marker, so callers can use either errors.As to inspect details or
// errors.Is for a quick category test:
//
//	var dt *core.DatatypeError
//	if errors.As(err, &dt) { ... dt.Constraint ... }
//	if errors.Is(err, core.ErrKeyViolation) { ... }

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Category markers.
var (
	ErrMetadata     = errors.New("metadata error")
	ErrDialect      = errors.New("dialect error")
	ErrDatatype     = errors.New("datatype error")
	ErrKeyViolation = errors.New("key violation")
	ErrEncoding     = errors.New("encoding error")
)

// MetadataError reports a malformed or inconsistent metadata document.
type MetadataError struct {
	Path    string // JSON-ish path of the offending property, e.g. tables[0].tableSchema
	Message string
}

// NewMetadataError formats a MetadataError.
func NewMetadataError(path, format string, args ...any) *MetadataError {
	return &MetadataError{Path: path, Message: fmt.Sprintf(format, args...)}
}

func (e *MetadataError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid metadata at %s: %s", e.Path, e.Message)
	}
	return "invalid metadata: " + e.Message
}

func (e *MetadataError) Is(target error) bool { return target == ErrMetadata }

// DialectError reports contradictory or unsupported dialect settings.
type DialectError struct {
	Field   string
	Message string
}

// NewDialectError formats a DialectError.
func NewDialectError(field, format string, args ...any) *DialectError {
	return &DialectError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *DialectError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid dialect: %s: %s", e.Field, e.Message)
	}
	return "invalid dialect: " + e.Message
}

func (e *DialectError) Is(target error) bool { return target == ErrDialect }

// DatatypeError reports a lexical value that fails to parse or violates a facet.
type DatatypeError struct {
	Column     string // set by the column layer, empty inside the datatype engine
	Base       string
	Value      string
	Constraint string // facet name, or "lexical" for parse failures
	Message    string
}

func (e *DatatypeError) Error() string {
	var b strings.Builder
	if e.Column != "" {
		b.WriteString(e.Column)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "invalid value %q for %s", e.Value, e.Base)
	if e.Constraint != "" {
		fmt.Fprintf(&b, " (%s)", e.Constraint)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *DatatypeError) Is(target error) bool { return target == ErrDatatype }

// WithColumn returns a copy of e attributed to column.
func (e *DatatypeError) WithColumn(column string) *DatatypeError {
	c := *e
	c.Column = column
	return &c
}

// KeyKind distinguishes primary-key from foreign-key violations.
type KeyKind int

const (
	PrimaryKey KeyKind = iota
	ForeignKey
)

func (k KeyKind) String() string {
	if k == ForeignKey {
		return "foreign key"
	}
	return "primary key"
}

// KeyViolationError reports a duplicate primary key or an unresolved foreign key.
type KeyViolationError struct {
	Kind      KeyKind
	URL       string // table the offending row belongs to
	Line      int
	Key       string // formatted key tuple
	Reference string // referenced table url, foreign keys only
}

func (e *KeyViolationError) Error() string {
	if e.Kind == ForeignKey {
		return fmt.Sprintf("%s:%d Key %s not found in table %s", e.URL, e.Line, e.Key, e.Reference)
	}
	return fmt.Sprintf("%s:%d duplicate primary key: %s", e.URL, e.Line, e.Key)
}

func (e *KeyViolationError) Is(target error) bool { return target == ErrKeyViolation }

// EncodingError reports bytes that cannot be decoded under the declared encoding.
type EncodingError struct {
	Encoding string
	Offset   int64
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding error: invalid %s byte sequence at offset %d", e.Encoding, e.Offset)
}

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// IsFatal reports whether err belongs to a category that invalidates the
// whole description rather than a single row.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMetadata) || errors.Is(err, ErrDialect) || errors.Is(err, ErrEncoding)
}
