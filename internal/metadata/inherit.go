package metadata

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"

	"github.com/JonMunkholm/csvw/internal/datatype"
)

// NullValues lists the lexical values treated as absent. In JSON it is a
// single string or a list.
type NullValues []string

// UnmarshalJSON accepts a string or a list of strings.
func (n *NullValues) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = NullValues{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "null must be a string or list of strings")
	}
	if list == nil {
		list = NullValues{}
	}
	*n = list
	return nil
}

// MarshalJSON writes a single value as a bare string.
func (n NullValues) MarshalJSON() ([]byte, error) {
	if len(n) == 1 {
		return json.Marshal(n[0])
	}
	return json.Marshal([]string(n))
}

// Inherited holds the properties a column inherits from its schema, table
// and table group when it does not set them itself.
type Inherited struct {
	Datatype  *datatype.Description `json:"datatype,omitempty"`
	Required  null.Bool             `json:"required,omitzero"`
	Null      NullValues            `json:"null,omitempty"`
	Default   null.String           `json:"default,omitzero"`
	Separator null.String           `json:"separator,omitzero"`
	Ordered   null.Bool             `json:"ordered,omitzero"`
	Lang      string                `json:"lang,omitempty"`

	// URI templates (RFC 6570) over the row's values.
	AboutURL    null.String `json:"aboutUrl,omitzero"`
	PropertyURL null.String `json:"propertyUrl,omitzero"`
	ValueURL    null.String `json:"valueUrl,omitzero"`
}

// effective is the resolved form used when reading and writing cells.
type effective struct {
	datatype  datatype.Description
	required  bool
	nulls     []string
	def       string
	separator string
	hasSep    bool
	ordered   bool
}

// resolve walks chain from the most specific level outwards and takes the
// first value set for each property.
func resolve(chain ...*Inherited) effective {
	e := effective{datatype: datatype.Description{Base: "string"}, nulls: []string{""}}
	var dt, req, nul, def, sep, ord bool
	for _, in := range chain {
		if in == nil {
			continue
		}
		if !dt && in.Datatype != nil {
			e.datatype, dt = *in.Datatype, true
		}
		if !req && in.Required.Valid {
			e.required, req = in.Required.Bool, true
		}
		if !nul && in.Null != nil {
			e.nulls, nul = in.Null, true
		}
		if !def && in.Default.Valid {
			e.def, def = in.Default.String, true
		}
		if !sep && in.Separator.Valid {
			e.separator, e.hasSep, sep = in.Separator.String, true, true
		}
		if !ord && in.Ordered.Valid {
			e.ordered, ord = in.Ordered.Bool, true
		}
	}
	return e
}
