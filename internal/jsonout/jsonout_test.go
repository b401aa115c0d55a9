package jsonout

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/datatype"
	"github.com/JonMunkholm/csvw/internal/metadata"
)

func setup(t *testing.T, files map[string]string) *metadata.TableGroup {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	g, err := metadata.Load(context.Background(), metadata.Dir(dir), "meta.json")
	require.NoError(t, err)
	return g
}

func encode(t *testing.T, g *metadata.TableGroup, opts Options) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, g, opts, ""))
	return buf.String()
}

func TestConvert_Standard(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": `{"url": "data.csv", "tableSchema": {"columns": [{"name": "id"}, {"name": "name"}]}}`,
		"data.csv":  "id,name\n1,a\n2,b\n",
	})
	got := encode(t, g, Options{})
	assert.JSONEq(t, `{"tables": [{"url": "data.csv", "row": [
		{"url": "data.csv#row=2", "rownum": 1, "describes": [{"id": "1", "name": "a"}]},
		{"url": "data.csv#row=3", "rownum": 2, "describes": [{"id": "2", "name": "b"}]}
	]}]}`, got)
}

func TestConvert_Minimal(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": `{"tables": [
			{"url": "a.csv", "tableSchema": {"columns": [{"name": "id"}]}},
			{"url": "b.csv", "tableSchema": {"columns": [{"name": "x"}]}}
		]}`,
		"a.csv": "id\n1\n",
		"b.csv": "x\ny\n",
	})
	assert.Equal(t, `[{"id":"1"},{"x":"y"}]`+"\n", encode(t, g, Options{Mode: Minimal}))
}

func TestConvert_Types(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": `{"url": "t.csv", "tableSchema": {"columns": [
			{"name": "n", "datatype": "integer"},
			{"name": "d", "datatype": "decimal"},
			{"name": "f", "datatype": "double"},
			{"name": "b", "datatype": "boolean"},
			{"name": "day", "datatype": {"base": "date", "format": "dd.MM.yyyy"}},
			{"name": "tags", "separator": " "},
			{"name": "secret", "suppressOutput": true},
			{"name": "opt", "datatype": "integer"}
		]}}`,
		"t.csv": "n,d,f,b,day,tags,secret,opt,extra\n7,1.50,INF,true,02.01.2024,a b,x,,e\n",
	})
	got := encode(t, g, Options{Mode: Minimal})
	assert.Equal(t, `[{"n":7,"d":1.5,"f":"INF","b":true,"day":"2024-01-02","tags":["a","b"],"opt":null,"extra":"e"}]`+"\n", got)
}

func TestConvert_VirtualColumns(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": `{"url": "c.csv", "tableSchema": {"columns": [
			{"name": "id", "datatype": "integer"},
			{"name": "link", "virtual": true, "valueUrl": "http://ex.org/city/{id}"},
			{"name": "hidden", "virtual": true, "suppressOutput": true, "valueUrl": "#{_row}"}
		]}}`,
		"c.csv": "id\n3\n",
	})
	got := encode(t, g, Options{Mode: Minimal})
	assert.Equal(t, `[{"id":3,"link":"http://ex.org/city/3"}]`+"\n", got)
}

func TestConvert_SuppressedTable(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": `{"tables": [
			{"url": "a.csv", "suppressOutput": true, "tableSchema": {"columns": [{"name": "id"}]}},
			{"url": "b.csv", "notes": [{"k": "v"}], "tableSchema": {"columns": [{"name": "id"}]}}
		]}`,
		"a.csv": "id\n1\n",
		"b.csv": "id\n",
	})
	assert.Equal(t, `{"tables":[{"url":"b.csv","notes":[{"k":"v"}],"row":[]}]}`+"\n", encode(t, g, Options{}))
}

func TestConvert_Errors(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": `{"url": "a.csv", "tableSchema": {"columns": [{"name": "n", "datatype": "integer"}]}}`,
		"a.csv":     "n\n1\nx\n3\n",
	})
	_, err := Convert(context.Background(), g, Options{})
	assert.ErrorIs(t, err, core.ErrDatatype)

	coll := core.NewCollector(core.Collect)
	out := encode(t, g, Options{Mode: Minimal, Collector: coll})
	assert.Equal(t, `[{"n":1},{"n":3}]`+"\n", out)
	assert.Equal(t, 1, coll.Len())
}

func TestValue(t *testing.T) {
	dt := datatype.MustNew(datatype.Description{Base: "double"})
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{math.NaN(), "NaN"},
		{math.Inf(-1), "-INF"},
		{2.5, 2.5},
		{decimal.RequireFromString("10.25"), json.Number("10.25")},
		{[]any{1.0, nil}, []any{1.0, nil}},
	}
	for _, tt := range tests {
		got, err := Value(tt.in, dt)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	dur := datatype.MustNew(datatype.Description{Base: "duration"})
	v, err := dur.Parse("P1DT2H")
	require.NoError(t, err)
	got, err := Value(v, dur)
	require.NoError(t, err)
	assert.Equal(t, "P1DT2H", got)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("minimal")
	require.NoError(t, err)
	assert.Equal(t, Minimal, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Standard, m)
	_, err = ParseMode("full")
	assert.Error(t, err)
}
