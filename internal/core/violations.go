package core

// violations.go provides row-level error policy for reading tables.
//
// Reading happens in one of three modes:
//  1. FailFast: the first row error aborts the read (default)
//  2. Strict: like FailFast, and datatypes additionally reject non-canonical lexical forms
//  3. Collect: every violation is accumulated and reported after a full pass
//
// The validation pathway uses Collect so a single run surfaces every problem.

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Mode selects how row-level errors are handled.
type Mode int

const (
	FailFast Mode = iota
	Strict
	Collect
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Collect:
		return "collect"
	default:
		return "failfast"
	}
}

// ParseMode parses a mode name as used in configuration and CLI flags.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "failfast", "fail-fast":
		return FailFast, nil
	case "strict":
		return Strict, nil
	case "collect":
		return Collect, nil
	}
	return FailFast, errors.Newf("unknown validation mode %q (valid: failfast, strict, collect)", s)
}

// Violation locates a single problem in a data file.
type Violation struct {
	URL    string // data file the row was read from
	Line   int    // physical line the row started on
	Column int    // 1-based physical column, 0 when not cell-specific
	Header string
	Err    error
}

func (v Violation) Error() string {
	var kv *KeyViolationError
	if errors.As(v.Err, &kv) {
		// key violations carry their own location
		return kv.Error()
	}
	if v.Column > 0 && v.Header != "" {
		return fmt.Sprintf("%s:%d:%d %s: %v", v.URL, v.Line, v.Column, v.Header, v.Err)
	}
	if v.Column > 0 {
		return fmt.Sprintf("%s:%d:%d %v", v.URL, v.Line, v.Column, v.Err)
	}
	if v.Line > 0 {
		return fmt.Sprintf("%s:%d %v", v.URL, v.Line, v.Err)
	}
	return fmt.Sprintf("%s %v", v.URL, v.Err)
}

func (v Violation) Unwrap() error { return v.Err }

// Violations is a list of problems reported together.
type Violations []Violation

func (vs Violations) Error() string {
	lines := make([]string, len(vs))
	for i, v := range vs {
		lines[i] = v.Error()
	}
	return strings.Join(lines, "\n")
}

// Err returns vs as an error, or nil when empty.
func (vs Violations) Err() error {
	if len(vs) == 0 {
		return nil
	}
	return vs
}

// Collector applies a Mode to reported violations.
type Collector struct {
	Mode       Mode
	violations Violations
}

// NewCollector creates a collector for the given mode.
func NewCollector(mode Mode) *Collector {
	return &Collector{Mode: mode}
}

// Report records v. In Collect mode it returns nil so reading continues;
// otherwise it returns v as the error that aborts reading.
func (c *Collector) Report(v Violation) error {
	if c.Mode == Collect {
		c.violations = append(c.violations, v)
		return nil
	}
	return v
}

// Violations returns everything collected so far.
func (c *Collector) Violations() Violations {
	return c.violations
}

// Len returns the number of collected violations.
func (c *Collector) Len() int {
	return len(c.violations)
}
