package metadata

import (
	"context"
	"io"

	"github.com/hashicorp/go-set/v2"
	"github.com/samber/lo"

	"github.com/JonMunkholm/csvw/internal/dialect"
	"github.com/JonMunkholm/csvw/internal/dsv"
)

// Describe infers a minimal metadata document for the delimited data in r:
// one string column per header cell, titled with the header text and named
// after it when the text is a valid column name. Without header rows the
// column count comes from the first data row.
func Describe(ctx context.Context, r io.Reader, url string, d dialect.Dialect) (*TableGroup, error) {
	rd, err := dsv.NewReader(r, d)
	if err != nil {
		return nil, err
	}
	header, err := rd.ReadHeader()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width := lo.Max(lo.Map(header, func(row dsv.Row, _ int) int { return len(row.Cells) }))
	if len(header) == 0 {
		row, err := rd.Read()
		if err != nil && err != io.EOF {
			return nil, err
		}
		width = len(row.Cells)
	}

	// A title already used by an earlier column is dropped, leaving the
	// column with a positional header.
	used := set.New[string](width)
	cols := make([]*Column, width)
	for i := range cols {
		c := &Column{}
		var titles []string
		for _, row := range header {
			if i < len(row.Cells) && row.Cells[i] != "" {
				titles = append(titles, row.Cells[i])
			}
		}
		if len(titles) > 0 && used.Insert(titles[0]) {
			c.Titles = NewTitles(titles...)
			if nameRegex.MatchString(titles[0]) {
				c.Name = titles[0]
			}
		}
		cols[i] = c
	}

	t := &Table{URL: url, TableSchema: &Schema{Columns: cols}}
	if !d.IsDefault() {
		t.Dialect = &d
	}
	return New(nil, "", t)
}
