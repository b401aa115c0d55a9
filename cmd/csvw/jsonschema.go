package main

import (
	"encoding/json"
	"reflect"

	"github.com/guregu/null/v5"
	"github.com/invopop/jsonschema"

	"github.com/JonMunkholm/csvw/internal/datatype"
	"github.com/JonMunkholm/csvw/internal/dialect"
	"github.com/JonMunkholm/csvw/internal/metadata"
)

func metadataSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		ExpandedStruct:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
		Mapper:                     schemaFor,
	}
	s := r.Reflect(&metadata.TableGroup{})
	s.Title = "CSVW table group metadata"
	return s
}

func stringOrList() *jsonschema.Schema {
	return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{
		{Type: "string"},
		{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
	}}
}

// schemaFor covers the types whose JSON form differs from their Go shape.
func schemaFor(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeFor[null.String]():
		return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{{Type: "string"}, {Type: "null"}}}
	case reflect.TypeFor[null.Bool]():
		return &jsonschema.Schema{Type: "boolean"}
	case reflect.TypeFor[null.Int]():
		return &jsonschema.Schema{Type: "integer"}
	case reflect.TypeFor[json.RawMessage]():
		return &jsonschema.Schema{}
	case reflect.TypeFor[metadata.NullValues](),
		reflect.TypeFor[metadata.ColumnReference](),
		reflect.TypeFor[dialect.Terminators]():
		return stringOrList()
	case reflect.TypeFor[metadata.Titles]():
		s := stringOrList()
		s.AnyOf = append(s.AnyOf, &jsonschema.Schema{Type: "object"})
		return s
	case reflect.TypeFor[dialect.Trim]():
		return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{
			{Type: "boolean"},
			{Type: "string", Enum: []any{"true", "false", "start", "end"}},
		}}
	case reflect.TypeFor[datatype.Description]():
		return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{{Type: "string"}, {Type: "object"}}}
	}
	return nil
}
