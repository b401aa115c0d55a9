package metadata

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/cockroachdb/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const undetermined = "und"

// Titles is a natural-language property: titles grouped by language tag.
// Plain strings and lists are stored under "und".
type Titles struct {
	byLang *orderedmap.OrderedMap[string, []string]
}

// NewTitles returns titles without a language tag.
func NewTitles(values ...string) Titles {
	var t Titles
	for _, v := range values {
		t.Add(undetermined, v)
	}
	return t
}

// Add appends a title for lang.
func (t *Titles) Add(lang, value string) {
	if t.byLang == nil {
		t.byLang = orderedmap.New[string, []string]()
	}
	if lang == "" {
		lang = undetermined
	}
	cur, _ := t.byLang.Get(lang)
	t.byLang.Set(lang, append(cur, value))
}

// IsZero reports whether no title is set.
func (t Titles) IsZero() bool { return t.byLang == nil || t.byLang.Len() == 0 }

// First returns the first title of the first language.
func (t Titles) First() string {
	if t.IsZero() {
		return ""
	}
	for p := t.byLang.Oldest(); p != nil; p = p.Next() {
		if len(p.Value) > 0 {
			return p.Value[0]
		}
	}
	return ""
}

// Values returns every title in declaration order.
func (t Titles) Values() []string {
	if t.IsZero() {
		return nil
	}
	var out []string
	for p := t.byLang.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value...)
	}
	return out
}

// Contains reports whether s equals one of the titles exactly.
func (t Titles) Contains(s string) bool {
	return slices.Contains(t.Values(), s)
}

// UnmarshalJSON accepts a string, a list of strings, or an object mapping
// language tags to a string or list.
func (t *Titles) UnmarshalJSON(data []byte) error {
	*t = Titles{}
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t.Add(undetermined, s)
		return nil
	case data[0] == '[':
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return errors.Wrap(err, "titles")
		}
		for _, s := range list {
			t.Add(undetermined, s)
		}
		return nil
	}
	raw := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, raw); err != nil {
		return errors.Wrap(err, "titles must be a string, list or language map")
	}
	for p := raw.Oldest(); p != nil; p = p.Next() {
		var vals NullValues
		if err := json.Unmarshal(p.Value, &vals); err != nil {
			return errors.Wrapf(err, "titles.%s", p.Key)
		}
		for _, v := range vals {
			t.Add(p.Key, v)
		}
	}
	return nil
}

// MarshalJSON writes the most compact equivalent form.
func (t Titles) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	if t.byLang.Len() == 1 {
		if vals, ok := t.byLang.Get(undetermined); ok {
			if len(vals) == 1 {
				return json.Marshal(vals[0])
			}
			return json.Marshal(vals)
		}
	}
	out := orderedmap.New[string, any]()
	for p := t.byLang.Oldest(); p != nil; p = p.Next() {
		if len(p.Value) == 1 {
			out.Set(p.Key, p.Value[0])
		} else {
			out.Set(p.Key, p.Value)
		}
	}
	return json.Marshal(out)
}
