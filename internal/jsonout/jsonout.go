// Package jsonout projects a table group and its rows into the annotated
// JSON form.
//
// Standard mode mirrors the metadata document:
//
//	{"tables": [{"url": "data.csv", "row": [
//	    {"url": "data.csv#row=2", "rownum": 1, "describes": [{...}]}
//	]}]}
//
// Minimal mode emits only the list of field maps of every table.
package jsonout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/datatype"
	"github.com/JonMunkholm/csvw/internal/metadata"
)

// Mode selects the projection.
type Mode int

const (
	Standard Mode = iota
	Minimal
)

func (m Mode) String() string {
	if m == Minimal {
		return "minimal"
	}
	return "standard"
}

// ParseMode parses "standard" or "minimal". The empty string is Standard.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return Standard, nil
	case "minimal":
		return Minimal, nil
	}
	return Standard, errors.Newf("unknown json mode %q (valid: standard, minimal)", s)
}

// Object is a JSON object that keeps key order.
type Object = orderedmap.OrderedMap[string, any]

// Options controls a conversion.
type Options struct {
	Mode Mode
	// Collector applies the row error mode; nil means FailFast.
	Collector *core.Collector
	Logger    *slog.Logger
}

// Convert reads every table of g that is not suppressed and returns the
// projection: an *Object in standard mode, a []*Object in minimal mode.
func Convert(ctx context.Context, g *metadata.TableGroup, opts Options) (any, error) {
	var (
		tables []*Object
		rows   = []*Object{}
	)
	for _, t := range g.Tables {
		if t.SuppressOutput {
			continue
		}
		p := newProjector(t)
		var out []*Object
		for rec, err := range t.Iter(ctx, metadata.ReadOptions{Collector: opts.Collector, Logger: opts.Logger}) {
			if err != nil {
				return nil, err
			}
			fields, err := p.fields(rec)
			if err != nil {
				return nil, err
			}
			if opts.Mode == Minimal {
				rows = append(rows, fields)
				continue
			}
			out = append(out, wrap(t.URL, rec, fields))
		}
		if opts.Mode == Standard {
			tables = append(tables, tableObject(t, out))
		}
	}
	if opts.Mode == Minimal {
		return rows, nil
	}
	doc := orderedmap.New[string, any]()
	doc.Set("tables", orEmpty(tables))
	return doc, nil
}

// Write converts g and encodes the result to w. A non-empty indent
// pretty-prints.
func Write(ctx context.Context, w io.Writer, g *metadata.TableGroup, opts Options, indent string) error {
	v, err := Convert(ctx, g, opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return errors.Wrap(enc.Encode(v), "encoding json")
}

func tableObject(t *metadata.Table, rows []*Object) *Object {
	o := orderedmap.New[string, any]()
	o.Set("url", t.URL)
	if len(t.Notes) > 0 {
		o.Set("notes", t.Notes)
	}
	o.Set("row", orEmpty(rows))
	return o
}

func wrap(url string, rec metadata.Record, fields *Object) *Object {
	o := orderedmap.New[string, any]()
	o.Set("url", fmt.Sprintf("%s#row=%d", url, rec.Line))
	o.Set("rownum", rec.Number)
	o.Set("describes", []*Object{fields})
	return o
}

func orEmpty(s []*Object) []*Object {
	if s == nil {
		return []*Object{}
	}
	return s
}

// projector formats the records of one table.
type projector struct {
	schema    *metadata.Schema
	canonical map[*metadata.Column]*datatype.Datatype
}

func newProjector(t *metadata.Table) *projector {
	p := &projector{schema: t.Schema(), canonical: make(map[*metadata.Column]*datatype.Datatype)}
	for _, c := range p.schema.Columns {
		p.canonical[c] = datatype.MustNew(datatype.Description{Base: c.Type().Base().Name})
	}
	return p
}

func (p *projector) fields(rec metadata.Record) (*Object, error) {
	o := orderedmap.New[string, any]()
	for f := rec.Values.Oldest(); f != nil; f = f.Next() {
		c := p.schema.Column(f.Key)
		if c == nil {
			o.Set(f.Key, f.Value)
			continue
		}
		if c.SuppressOutput {
			continue
		}
		v, err := Value(f.Value, p.canonical[c])
		if err != nil {
			return nil, errors.Wrapf(err, "%s#row=%d column %s", rec.URL, rec.Line, f.Key)
		}
		o.Set(f.Key, v)
	}
	return o, nil
}

// Value converts a typed cell value to its JSON form: numbers stay numbers,
// non-finite floats become "NaN", "INF" or "-INF", lists convert item by
// item, and everything else uses the canonical lexical form of dt.
func Value(v any, dt *datatype.Datatype) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, json.RawMessage:
		return x, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			iv, err := Value(item, dt)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	case decimal.Decimal:
		return json.Number(x.String()), nil
	case *big.Int:
		return json.Number(x.String()), nil
	case float64:
		switch {
		case math.IsNaN(x):
			return "NaN", nil
		case math.IsInf(x, 1):
			return "INF", nil
		case math.IsInf(x, -1):
			return "-INF", nil
		}
		return x, nil
	}
	return dt.Format(v)
}
