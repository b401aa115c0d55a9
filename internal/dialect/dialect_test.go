package dialect

import (
	"encoding/json"
	"testing"

	"github.com/guregu/null/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvw/internal/core"
)

func TestDefault(t *testing.T) {
	d := Default()
	require.NoError(t, d.Validate())
	assert.Equal(t, ",", d.Delimiter)
	assert.Equal(t, []string{"\r\n", "\n"}, []string(d.LineTerminators))
	assert.True(t, d.Header)
	assert.Equal(t, 1, d.HeaderRowCount)
	q, ok := d.Quote()
	assert.True(t, ok)
	assert.Equal(t, '"', q)
	e, ok := d.Escape()
	assert.True(t, ok)
	assert.Equal(t, '"', e)
	assert.True(t, d.IsDefault())
}

func TestParse(t *testing.T) {
	t.Run("header false forces zero header rows", func(t *testing.T) {
		d, err := Parse([]byte(`{"header": false, "headerRowCount": 3}`))
		require.NoError(t, err)
		assert.False(t, d.Header)
		assert.Equal(t, 0, d.HeaderRowCount)
	})

	t.Run("null quoteChar disables quoting and escaping", func(t *testing.T) {
		d, err := Parse([]byte(`{"quoteChar": null}`))
		require.NoError(t, err)
		_, ok := d.Quote()
		assert.False(t, ok)
		_, ok = d.Escape()
		assert.False(t, ok)
	})

	t.Run("doubleQuote false derives backslash escape", func(t *testing.T) {
		d, err := Parse([]byte(`{"doubleQuote": false}`))
		require.NoError(t, err)
		e, ok := d.Escape()
		assert.True(t, ok)
		assert.Equal(t, '\\', e)
	})

	t.Run("trim accepts booleans and keywords", func(t *testing.T) {
		d, err := Parse([]byte(`{"trim": true}`))
		require.NoError(t, err)
		assert.Equal(t, TrimBoth, d.Trim)
		d, err = Parse([]byte(`{"trim": "start"}`))
		require.NoError(t, err)
		assert.Equal(t, TrimStart, d.Trim)
	})

	t.Run("single line terminator string", func(t *testing.T) {
		d, err := Parse([]byte(`{"lineTerminators": "\n"}`))
		require.NoError(t, err)
		assert.Equal(t, "\n", d.Terminator())
	})

	t.Run("encoding alias", func(t *testing.T) {
		d, err := Parse([]byte(`{"encoding": "UTF-8-BOM"}`))
		require.NoError(t, err)
		assert.Equal(t, core.DefaultEncoding, d.Encoding)
	})
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"multi-char delimiter", `{"delimiter": "||"}`, "delimiter"},
		{"negative skipRows", `{"skipRows": -1}`, "skipRows"},
		{"bad trim", `{"trim": "middle"}`, "trim"},
		{"quote equals delimiter", `{"quoteChar": ","}`, "quoteChar"},
		{"unknown encoding", `{"encoding": "klingon"}`, "encoding"},
		{"empty comment prefix", `{"commentPrefix": ""}`, "commentPrefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			var de *core.DialectError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

func TestTrim_Apply(t *testing.T) {
	assert.Equal(t, " a ", TrimNone.Apply(" a "))
	assert.Equal(t, "a", TrimBoth.Apply(" a "))
	assert.Equal(t, "a ", TrimStart.Apply(" a "))
	assert.Equal(t, " a", TrimEnd.Apply(" a "))
}

func TestMarshalJSON_OmitsDefaults(t *testing.T) {
	d := Default()
	d.Delimiter = "\t"
	d.QuoteChar = null.String{}
	d.Header = false
	d = d.Normalize()

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"quoteChar": null, "header": false, "delimiter": "\t"}`, string(b))

	back, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, d, back)
}
