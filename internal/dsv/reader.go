// Package dsv reads and writes delimiter-separated text under a
// [dialect.Dialect].
//
// The Reader is pull-based: each call to Read tokenizes exactly one logical
// row, so memory stays bounded by the longest row. Quoted fields may span
// physical lines; a Row reports the line it started on.
package dsv

import (
	"bufio"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/dialect"
)

// Row is one logical row of cells.
type Row struct {
	Line   int // 1-based physical line the row starts on
	Number int // 1-based index among all tokenized rows, skipped ones included
	Cells  []string
}

// Comment is a row dropped because it was skipped or carried the comment prefix.
type Comment struct {
	Line int
	Text string
}

// Option configures a Reader or Writer.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for debug events. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Reader tokenizes rows from a decoded text stream.
type Reader struct {
	d      dialect.Dialect
	br     *bufio.Reader
	logger *slog.Logger

	delim     rune
	quote     rune
	quoting   bool
	esc       rune
	hasEsc    bool
	terms     []string // longest first
	termFirst string   // first bytes of every terminator

	line     int // physical line of the next unread character
	number   int
	header   bool
	comments []Comment
}

// NewReader decodes r under the dialect's encoding and returns a Reader.
func NewReader(r io.Reader, d dialect.Dialect, opts ...Option) (*Reader, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	decoded, err := core.Decode(r, d.Encoding)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	rd := &Reader{
		d:      d,
		br:     bufio.NewReaderSize(decoded, 64*1024),
		logger: o.logger,
		delim:  d.DelimiterRune(),
		line:   1,
	}
	rd.quote, rd.quoting = d.Quote()
	rd.esc, rd.hasEsc = d.Escape()
	rd.terms = slices.Clone([]string(d.LineTerminators))
	slices.SortStableFunc(rd.terms, func(a, b string) int { return len(b) - len(a) })
	for _, t := range rd.terms {
		rd.termFirst += t[:1]
	}
	return rd, nil
}

// Comments returns the comments collected so far.
func (r *Reader) Comments() []Comment { return r.comments }

// ReadHeader consumes the dialect's header rows. It must be called before
// the first Read; with header=false it returns nil.
func (r *Reader) ReadHeader() ([]Row, error) {
	if r.header {
		return nil, errors.New("header already read")
	}
	r.header = true
	var rows []Row
	for range r.d.HeaderRowCount {
		row, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Read returns the next data row, or io.EOF when the input is exhausted.
func (r *Reader) Read() (Row, error) {
	r.header = true
	return r.next()
}

// Rows returns an iterator over the remaining data rows. Iteration stops
// after the first error.
func (r *Reader) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for {
			row, err := r.Read()
			if err == io.EOF {
				return
			}
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

func (r *Reader) next() (Row, error) {
	d := r.d
	for {
		row, err := r.tokenize()
		if err != nil {
			return Row{}, err
		}
		r.number = row.Number

		if row.Number <= d.SkipRows {
			r.addComment(row, false)
			continue
		}
		if d.CommentPrefix.Valid && len(row.Cells) > 0 && strings.HasPrefix(row.Cells[0], d.CommentPrefix.String) {
			r.addComment(row, true)
			continue
		}
		if d.SkipBlankRows && blank(row.Cells) {
			continue
		}

		cells := row.Cells
		if d.SkipColumns > 0 {
			cells = cells[min(d.SkipColumns, len(cells)):]
		}
		for i, c := range cells {
			cells[i] = d.Trim.Apply(c)
		}
		row.Cells = cells
		return row, nil
	}
}

func (r *Reader) addComment(row Row, prefixed bool) {
	text := strings.Join(row.Cells, r.d.Delimiter)
	if prefixed {
		text = strings.TrimPrefix(text, r.d.CommentPrefix.String)
	}
	text = strings.TrimSpace(text)
	r.comments = append(r.comments, Comment{Line: row.Line, Text: text})
	r.logger.Debug("skipped row", slog.Int("line", row.Line), slog.Bool("comment", prefixed))
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}

// terminator consumes a line terminator at the current position, if any.
func (r *Reader) terminator() (string, bool, error) {
	b, err := r.br.Peek(1)
	if err != nil || !strings.ContainsRune(r.termFirst, rune(b[0])) {
		if err == io.EOF {
			err = nil
		}
		return "", false, err
	}
	for _, t := range r.terms {
		p, err := r.br.Peek(len(t))
		if err != nil && err != io.EOF {
			return "", false, err
		}
		if string(p) == t {
			_, _ = r.br.Discard(len(t))
			return t, true, nil
		}
	}
	return "", false, nil
}

// tokenize reads one logical row without applying skip rules.
func (r *Reader) tokenize() (Row, error) {
	row := Row{Line: r.line, Number: r.number + 1}
	var (
		cells    []string
		cur      strings.Builder
		inQuotes bool
		started  bool // anything consumed for this row, terminators included
		inField  bool // the current field has begun
		atStart  = true
	)
	endField := func() {
		cells = append(cells, cur.String())
		cur.Reset()
		atStart, inField = true, false
	}
	finish := func() (Row, error) {
		if inField || len(cells) > 0 {
			endField()
		}
		row.Cells = cells
		if row.Cells == nil {
			row.Cells = []string{}
		}
		return row, nil
	}
	unterminated := func() error {
		return core.NewDialectError("quoteChar", "unterminated quoted field starting at line %d", row.Line)
	}

	for {
		t, ok, err := r.terminator()
		if err != nil {
			return Row{}, err
		}
		if ok {
			r.line++
			started = true
			if inQuotes {
				cur.WriteString(t)
				continue
			}
			return finish()
		}

		c, _, err := r.br.ReadRune()
		if err == io.EOF {
			switch {
			case inQuotes:
				return Row{}, unterminated()
			case !started:
				return Row{}, io.EOF
			}
			return finish()
		}
		if err != nil {
			return Row{}, err
		}
		started, inField = true, true

		if inQuotes {
			switch {
			case r.hasEsc && c == r.esc && r.esc != r.quote:
				n, _, err := r.br.ReadRune()
				if err == io.EOF {
					return Row{}, unterminated()
				}
				if err != nil {
					return Row{}, err
				}
				cur.WriteRune(n)
			case c == r.quote:
				doubled := r.d.DoubleQuote || (r.hasEsc && r.esc == r.quote)
				if doubled && r.nextIs(r.quote) {
					_, _, _ = r.br.ReadRune()
					cur.WriteRune(r.quote)
					continue
				}
				inQuotes = false
			default:
				cur.WriteRune(c)
			}
			continue
		}

		switch {
		case c == r.delim:
			endField()
		case atStart && r.d.SkipInitialSpace && c == ' ':
		case atStart && r.quoting && c == r.quote:
			inQuotes, atStart = true, false
		case r.hasEsc && c == r.esc && r.esc != r.quote:
			n, _, err := r.br.ReadRune()
			if err != nil && err != io.EOF {
				return Row{}, err
			}
			if err == nil {
				cur.WriteRune(n)
			}
			atStart = false
		default:
			cur.WriteRune(c)
			atStart = false
		}
	}
}

// nextIs reports whether the next buffered rune is q.
func (r *Reader) nextIs(q rune) bool {
	enc := string(q)
	b, err := r.br.Peek(len(enc))
	return err == nil && string(b) == enc
}
