package dsv

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/dialect"
)

func readAll(t *testing.T, input string, d dialect.Dialect) ([]Row, *Reader) {
	t.Helper()
	r, err := NewReader(strings.NewReader(input), d)
	require.NoError(t, err)
	var rows []Row
	for row, err := range r.Rows() {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows, r
}

func cellsOf(rows []Row) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = r.Cells
	}
	return out
}

func TestReader_Basic(t *testing.T) {
	rows, _ := readAll(t, "a,b,c\r\n1,\"x,y\",3\n", dialect.Default())
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"1", "x,y", "3"}}, cellsOf(rows))
	assert.Equal(t, 1, rows[0].Line)
	assert.Equal(t, 2, rows[1].Line)
}

func TestReader_MultiLineQuotedField(t *testing.T) {
	input := "id,text\n1,\"line one\nline two\"\n2,plain\n"
	rows, _ := readAll(t, input, dialect.Default())
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"1", "line one\nline two"}, rows[1].Cells)
	assert.Equal(t, 2, rows[1].Line)
	assert.Equal(t, 4, rows[2].Line, "continuation lines are counted")
}

func TestReader_DoubledQuotes(t *testing.T) {
	rows, _ := readAll(t, `"say ""hi""",x`+"\n", dialect.Default())
	assert.Equal(t, []string{`say "hi"`, "x"}, rows[0].Cells)
}

func TestReader_BackslashEscape(t *testing.T) {
	d := dialect.Default()
	d.DoubleQuote = false
	rows, _ := readAll(t, `"a \"quoted\" \\ word",b`+"\n", d)
	assert.Equal(t, []string{`a "quoted" \ word`, "b"}, rows[0].Cells)
}

func TestReader_EscapeCharWithDoubleQuote(t *testing.T) {
	d := dialect.Default()
	d.EscapeChar = null.StringFrom(`\`)
	rows, _ := readAll(t, `"a""b",c`+"\n"+`"x\"y",z`+"\n", d)
	assert.Equal(t, [][]string{{`a"b`, "c"}, {`x"y`, "z"}}, cellsOf(rows))
}

func TestReader_EmptyFields(t *testing.T) {
	rows, _ := readAll(t, ",\n\"\"\n\na,\n", dialect.Default())
	assert.Equal(t, [][]string{{"", ""}, {""}, {}, {"a", ""}}, cellsOf(rows))
}

func TestReader_NoTrailingTerminator(t *testing.T) {
	rows, _ := readAll(t, "a,b\nc,d", dialect.Default())
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, cellsOf(rows))
}

func TestReader_Comments(t *testing.T) {
	d := dialect.Default()
	d.SkipRows = 1
	input := "title line\n# a comment\nh1,h2\n\"# quoted\",still a comment\n1,2\n"
	rows, r := readAll(t, input, d)
	assert.Equal(t, [][]string{{"h1", "h2"}, {"1", "2"}}, cellsOf(rows))
	assert.Equal(t, []Comment{
		{Line: 1, Text: "title line"},
		{Line: 2, Text: "a comment"},
		{Line: 4, Text: "quoted,still a comment"},
	}, r.Comments())
}

func TestReader_CommentsDisabled(t *testing.T) {
	d := dialect.Default()
	d.CommentPrefix = null.String{}
	rows, _ := readAll(t, "#x,y\n", d)
	assert.Equal(t, [][]string{{"#x", "y"}}, cellsOf(rows))
}

func TestReader_SkipBlankRowsTrimAndColumns(t *testing.T) {
	d := dialect.Default()
	d.SkipBlankRows = true
	d.SkipColumns = 1
	d.Trim = dialect.TrimBoth
	rows, _ := readAll(t, "x, a , b\n\n,,\ny,c,d\n", d)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, cellsOf(rows))
}

func TestReader_SkipInitialSpace(t *testing.T) {
	d := dialect.Default()
	d.SkipInitialSpace = true
	rows, _ := readAll(t, `a,  "b, c",  d`+"\n", d)
	assert.Equal(t, []string{"a", "b, c", "d"}, rows[0].Cells)
}

func TestReader_CustomDialect(t *testing.T) {
	d := dialect.Default()
	d.Delimiter = "\t"
	d.QuoteChar = null.StringFrom("'")
	d.LineTerminators = dialect.Terminators{"||"}
	rows, _ := readAll(t, "a\t'b\tc'||d\te||", d)
	assert.Equal(t, [][]string{{"a", "b\tc"}, {"d", "e"}}, cellsOf(rows))
}

func TestReader_Header(t *testing.T) {
	d := dialect.Default()
	d.HeaderRowCount = 2
	r, err := NewReader(strings.NewReader("h1,h2\nsub1,sub2\n1,2\n"), d)
	require.NoError(t, err)
	header, err := r.ReadHeader()
	require.NoError(t, err)
	require.Len(t, header, 2)
	assert.Equal(t, []string{"sub1", "sub2"}, header[1].Cells)
	row, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, 3, row.Line)
	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestReader_BOMAndEncoding(t *testing.T) {
	rows, _ := readAll(t, "\ufeffa,b\n", dialect.Default())
	assert.Equal(t, []string{"a", "b"}, rows[0].Cells)

	d := dialect.Default()
	d.Encoding = "latin1"
	rows, _ = readAll(t, "caf\xe9,x\n", d)
	assert.Equal(t, []string{"café", "x"}, rows[0].Cells)
}

func TestReader_Errors(t *testing.T) {
	r, err := NewReader(strings.NewReader("a,\"open\nnever closed"), dialect.Default())
	require.NoError(t, err)
	_, err = r.Read()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDialect))
	assert.Contains(t, err.Error(), "line 1")

	r, err = NewReader(strings.NewReader("ok\nbad\xff\n"), dialect.Default())
	require.NoError(t, err)
	_, err = r.Read()
	require.NoError(t, err)
	_, err = r.Read()
	assert.True(t, errors.Is(err, core.ErrEncoding), "got %v", err)
}

func TestWriter_RoundTrip(t *testing.T) {
	rows := [][]string{
		{"id", "text", "note"},
		{"1", "has,comma", `has "quote"`},
		{"2", "multi\nline", ""},
		{"3", `back\slash`, " lead"},
	}
	dialects := map[string]dialect.Dialect{
		"default": dialect.Default(),
		"backslash": func() dialect.Dialect {
			d := dialect.Default()
			d.DoubleQuote = false
			return d
		}(),
		"semicolon-lf": func() dialect.Dialect {
			d := dialect.Default()
			d.Delimiter = ";"
			d.LineTerminators = dialect.Terminators{"\n"}
			return d
		}(),
		"latin1": func() dialect.Dialect {
			d := dialect.Default()
			d.Encoding = "latin1"
			return d
		}(),
	}
	for name, d := range dialects {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, d)
			require.NoError(t, err)
			require.NoError(t, w.WriteAll(rows))
			require.NoError(t, w.Close())
			assert.Equal(t, len(rows), w.Rows())

			got, _ := readAll(t, buf.String(), d)
			assert.Equal(t, rows, cellsOf(got))
		})
	}
}

func TestWriter_Quoting(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, dialect.Default())
	require.NoError(t, err)
	require.NoError(t, w.Write([]string{"a", "b,c", `d"e`}))
	require.NoError(t, w.Write([]string{""}))
	require.NoError(t, w.Flush())
	assert.Equal(t, "a,\"b,c\",\"d\"\"e\"\r\n\"\"\r\n", buf.String())
}

func TestWriter_QuotingDisabled(t *testing.T) {
	d := dialect.Default()
	d.QuoteChar = null.String{}
	w, err := NewWriter(io.Discard, d)
	require.NoError(t, err)
	require.NoError(t, w.Write([]string{"plain", "text"}))
	err = w.Write([]string{"has,delimiter"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDialect))
	assert.Contains(t, err.Error(), "quoting is disabled")
}

func TestWriter_CommentPrefix(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, dialect.Default())
	require.NoError(t, err)
	require.NoError(t, w.Write([]string{"a#1", "#2"}))

	err = w.Write([]string{"#1 hit", "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDialect))
	assert.Equal(t, 1, w.Rows())

	d := dialect.Default()
	d.CommentPrefix = null.String{}
	w, err = NewWriter(&buf, d)
	require.NoError(t, err)
	assert.NoError(t, w.Write([]string{"#1 hit", "x"}))
}
