package datatype

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"reflect"

	"github.com/shopspring/decimal"
)

// compare orders two values of the same family. The second result is false
// when the values are not comparable (NaN, mixed families, or durations
// whose month and second parts disagree).
func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case *big.Int:
		if y, ok := b.(*big.Int); ok {
			return x.Cmp(y), true
		}
	case float64:
		y, ok := b.(float64)
		if !ok || math.IsNaN(x) || math.IsNaN(y) {
			break
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case DateTime:
		if y, ok := b.(DateTime); ok {
			return x.Time.Compare(y.Time), true
		}
		return 0, false
	case Duration:
		y, ok := b.(Duration)
		if !ok {
			return 0, false
		}
		m := cmpInt(x.TotalMonths(), y.TotalMonths())
		s := x.TotalSeconds().Cmp(y.TotalSeconds())
		switch {
		case m == s, s == 0:
			return m, true
		case m == 0:
			return s, true
		}
		return 0, false
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	da, ok1 := toDecimal(a)
	db, ok2 := toDecimal(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	return da.Cmp(db), true
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports datatype equality: numbers by value, dates by instant and
// zone presence, JSON by compacted text, lists element-wise. NaN equals NaN.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case float64:
		if y, ok := b.(float64); ok && math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
	case DateTime:
		y, ok := b.(DateTime)
		return ok && x.Equal(y)
	case Duration:
		y, ok := b.(Duration)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case json.RawMessage:
		y, ok := b.(json.RawMessage)
		return ok && jsonEqual(x, y)
	case decimal.Decimal, *big.Int:
		c, ok := compare(a, b)
		return ok && c == 0
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

func jsonEqual(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}
