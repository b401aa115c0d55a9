package metadata

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-set/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Properties holds the description properties that have no field of their
// own, such as common properties (dc:title) and @-properties, in document
// order. They are written back unchanged.
type Properties = orderedmap.OrderedMap[string, json.RawMessage]

// Known property names per description type.
var (
	groupKeys  = jsonKeys(reflect.TypeFor[groupJSON]())
	tableKeys  = jsonKeys(reflect.TypeFor[tableJSON](), "@context")
	schemaKeys = jsonKeys(reflect.TypeFor[Schema]())
	columnKeys = jsonKeys(reflect.TypeFor[Column]())
)

// jsonKeys collects the json names of t's fields, descending into embedded
// structs.
func jsonKeys(t reflect.Type, extra ...string) *set.Set[string] {
	keys := set.From(extra)
	var walk func(reflect.Type)
	walk = func(t reflect.Type) {
		for i := range t.NumField() {
			f := t.Field(i)
			tag := f.Tag.Get("json")
			if tag == "-" || !f.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(tag, ",")
			if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
				walk(f.Type)
				continue
			}
			if name == "" {
				name = f.Name
			}
			keys.Insert(name)
		}
	}
	walk(t)
	return keys
}

// extraProperties returns the members of the object data whose names are
// not in known, or nil when there are none.
func extraProperties(data []byte, known *set.Set[string]) (*Properties, error) {
	all := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, all); err != nil {
		return nil, err
	}
	var extra *Properties
	for p := all.Oldest(); p != nil; p = p.Next() {
		if known.Contains(p.Key) {
			continue
		}
		if extra == nil {
			extra = orderedmap.New[string, json.RawMessage]()
		}
		extra.Set(p.Key, p.Value)
	}
	return extra, nil
}

// withProperties appends extra to the encoded object data. Members already
// present in data win.
func withProperties(data []byte, extra *Properties) ([]byte, error) {
	if extra == nil || extra.Len() == 0 {
		return data, nil
	}
	obj := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, errors.Wrap(err, "merging properties")
	}
	for p := extra.Oldest(); p != nil; p = p.Next() {
		if _, ok := obj.Get(p.Key); !ok {
			obj.Set(p.Key, p.Value)
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, errors.Wrap(err, "merging properties")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
