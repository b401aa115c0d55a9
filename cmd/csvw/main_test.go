package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const intMeta = `{
	"@context": "http://www.w3.org/ns/csvw",
	"url": "data.csv",
	"tableSchema": {"columns": [{"name": "id", "datatype": "integer"}], "primaryKey": "id"}
}`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

// run executes the command line and returns stdout and the exit status.
func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")
	t.Setenv("VALIDATION_MODE", "")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRoot()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), exitCode(err)
}

func TestValidate(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"meta.json": intMeta,
		"data.csv":  "id\n1\n2\n",
	})
	out, code := run(t, "validate", filepath.Join(dir, "meta.json"))
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "OK\n", out)
}

func TestValidate_Violations(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"meta.json": intMeta,
		"data.csv":  "id\n1\nx\n1\n",
	})
	meta := filepath.Join(dir, "meta.json")

	out, code := run(t, "validate", meta)
	assert.Equal(t, exitViolations, code)
	assert.Contains(t, out, "data.csv:3:1 id:")
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("\n")))

	out, code = run(t, "validate", "--mode", "collect", meta)
	assert.Equal(t, exitViolations, code)
	assert.Contains(t, out, "data.csv:3:1 id:")
	assert.Contains(t, out, "duplicate primary key")
}

func TestValidate_Fatal(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"meta.json": intMeta,
		"bad.json":  `{"url": "data.csv", "tableSchema": {"columns": [{"name": "id", "datatype": "nope"}]}}`,
	})

	tests := []struct {
		name string
		args []string
	}{
		{"missing metadata", []string{"validate", filepath.Join(dir, "missing.json")}},
		{"missing data", []string{"validate", filepath.Join(dir, "meta.json")}},
		{"bad metadata", []string{"validate", filepath.Join(dir, "bad.json")}},
		{"bad mode", []string{"validate", "--mode", "sloppy", filepath.Join(dir, "meta.json")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, code := run(t, tt.args...)
			assert.Equal(t, exitFatal, code)
		})
	}
}

func TestJSON(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"meta.json": intMeta,
		"data.csv":  "id\n1\n2\n",
	})
	meta := filepath.Join(dir, "meta.json")

	out, code := run(t, "json", "--minimal", "--indent", "", meta)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "[{\"id\":1},{\"id\":2}]\n", out)

	out, code = run(t, "json", meta)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "data.csv#row=3", gjson.Get(out, "tables.0.row.1.url").String())
	assert.Equal(t, int64(2), gjson.Get(out, "tables.0.row.1.describes.0.id").Int())
}

func TestJSON_CollectDropsRows(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"meta.json": intMeta,
		"data.csv":  "id\n1\nx\n3\n",
	})
	out, code := run(t, "json", "--minimal", "--indent", "", "--mode", "collect", filepath.Join(dir, "meta.json"))
	assert.Equal(t, exitViolations, code)
	assert.Equal(t, "[{\"id\":1},{\"id\":3}]\n", out)
}

func TestDescribe(t *testing.T) {
	dir := writeFiles(t, map[string]string{"raw.txt": "a;b\n1;2\n"})

	out, code := run(t, "describe", "-d", ";", filepath.Join(dir, "raw.txt"))
	require.Equal(t, exitOK, code)
	assert.Equal(t, `["a","b"]`, gjson.Get(out, "tables.0.tableSchema.columns.#.name").Raw)
	assert.Equal(t, "raw.txt", gjson.Get(out, "tables.0.url").String())
	assert.Equal(t, ";", gjson.Get(out, "tables.0.dialect.delimiter").String())

	meta := filepath.Join(dir, "raw-metadata.json")
	_, code = run(t, "describe", "-d", ";", "-o", meta, filepath.Join(dir, "raw.txt"))
	require.Equal(t, exitOK, code)
	out, code = run(t, "validate", meta)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "OK\n", out)
}

func TestDescribe_BadDialect(t *testing.T) {
	dir := writeFiles(t, map[string]string{"raw.txt": "a\n"})
	_, code := run(t, "describe", "-d", "", filepath.Join(dir, "raw.txt"))
	assert.Equal(t, 1, code)
}

func TestDataPackage(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"datapackage.json": `{"resources": [{"name": "data", "path": "data.csv",
			"schema": {"fields": [{"name": "id", "type": "integer"}]}}]}`,
		"data.csv": "id\n1\n",
	})
	descriptor := filepath.Join(dir, "datapackage.json")

	out, code := run(t, "datapackage", "-o", "-", descriptor)
	require.Equal(t, exitOK, code)
	assert.Equal(t, "integer", gjson.Get(out, "tables.0.tableSchema.columns.0.datatype").String())

	_, code = run(t, "datapackage", descriptor)
	require.Equal(t, exitOK, code)
	assert.FileExists(t, filepath.Join(dir, "csvw-metadata.json"))

	// Descriptors are accepted wherever metadata is.
	out, code = run(t, "validate", descriptor)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "OK\n", out)
}

func TestJSONSchema(t *testing.T) {
	out, code := run(t, "jsonschema")
	require.Equal(t, exitOK, code)
	require.True(t, gjson.Valid(out))
	assert.Equal(t, "array", gjson.Get(out, "properties.tables.type").String())
	assert.Equal(t, `["tables"]`, gjson.Get(out, "required").Raw)
}

func TestLoadDB_DDLOnly(t *testing.T) {
	dir := writeFiles(t, map[string]string{"meta.json": intMeta})
	out, code := run(t, "load-db", "--ddl-only", filepath.Join(dir, "meta.json"))
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `CREATE TABLE IF NOT EXISTS "data"`)
	assert.Contains(t, out, `PRIMARY KEY ("id")`)
}

func TestLoadDB_NoDatabaseURL(t *testing.T) {
	dir := writeFiles(t, map[string]string{"meta.json": intMeta, "data.csv": "id\n1\n"})
	_, code := run(t, "load-db", filepath.Join(dir, "meta.json"))
	assert.Equal(t, 1, code)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", io.EOF, 1},
		{"violations", &exitError{exitViolations, io.EOF}, exitViolations},
		{"fatal", &exitError{exitFatal, io.EOF}, exitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
