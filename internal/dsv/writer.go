package dsv

import (
	"bufio"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/dialect"
)

// Writer serializes rows under a dialect. Call Close to flush buffered
// output and any pending transcoding state.
type Writer struct {
	d      dialect.Dialect
	bw     *bufio.Writer
	closer io.Closer // transcoder, when the encoding is not UTF-8

	delim   string
	quote   string
	quoting bool
	esc     string
	hasEsc  bool
	special string // characters that force quoting
	rows    int
}

// NewWriter returns a Writer encoding output under the dialect's encoding.
func NewWriter(w io.Writer, d dialect.Dialect) (*Writer, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	enc, err := core.Encode(w, d.Encoding)
	if err != nil {
		return nil, err
	}
	wr := &Writer{d: d, bw: bufio.NewWriter(enc), delim: d.Delimiter}
	if c, ok := enc.(io.Closer); ok && enc != w {
		wr.closer = c
	}
	if q, ok := d.Quote(); ok {
		wr.quote, wr.quoting = string(q), true
	}
	if e, ok := d.Escape(); ok {
		wr.esc, wr.hasEsc = string(e), true
	}
	wr.special = wr.delim + wr.quote + "\r\n"
	if wr.hasEsc {
		wr.special += wr.esc
	}
	for _, t := range d.LineTerminators {
		wr.special += t
	}
	return wr, nil
}

// Rows returns the number of rows written.
func (w *Writer) Rows() int { return w.rows }

// Write writes one row followed by the dialect's first line terminator.
// A row whose first cell starts with the comment prefix is rejected, since
// reading it back would drop it as a comment.
func (w *Writer) Write(cells []string) error {
	if p := w.d.CommentPrefix; p.Valid && p.String != "" && len(cells) > 0 && strings.HasPrefix(cells[0], p.String) {
		return core.NewDialectError("commentPrefix",
			"value %q starts with the comment prefix and would be read back as a comment", cells[0])
	}
	for i, c := range cells {
		if i > 0 {
			if _, err := w.bw.WriteString(w.delim); err != nil {
				return errors.Wrap(err, "write delimiter")
			}
		}
		field, err := w.field(c, len(cells) == 1)
		if err != nil {
			return err
		}
		if _, err := w.bw.WriteString(field); err != nil {
			return errors.Wrap(err, "write field")
		}
	}
	if _, err := w.bw.WriteString(w.d.Terminator()); err != nil {
		return errors.Wrap(err, "write terminator")
	}
	w.rows++
	return nil
}

// WriteAll writes every row.
func (w *Writer) WriteAll(rows [][]string) error {
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.bw.Flush(), "flush")
}

// Close flushes and finalizes transcoding. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return errors.Wrap(w.closer.Close(), "finish encoding")
	}
	return nil
}

func (w *Writer) field(s string, only bool) (string, error) {
	needs := strings.ContainsAny(s, w.special) ||
		(w.d.SkipInitialSpace && strings.HasPrefix(s, " ")) ||
		(only && s == "")
	if !w.quoting {
		if needs && s != "" {
			return "", core.NewDialectError("quoteChar",
				"quoting is disabled but value %q contains the delimiter or a line terminator", s)
		}
		return s, nil
	}
	if !needs {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteString(w.quote)
	for _, c := range s {
		ch := string(c)
		switch {
		case ch == w.quote && w.hasEsc:
			b.WriteString(w.esc)
		case ch == w.esc && w.hasEsc && w.esc != w.quote:
			b.WriteString(w.esc)
		}
		b.WriteRune(c)
	}
	b.WriteString(w.quote)
	return b.String(), nil
}
