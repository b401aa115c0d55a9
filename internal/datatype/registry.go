package datatype

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
)

// Family groups base types that share parsing, formatting and facet rules.
type Family int

const (
	FamilyString Family = iota
	FamilyBoolean
	FamilyDecimal
	FamilyInteger
	FamilyFloat
	FamilyDate
	FamilyDateTime
	FamilyTime
	FamilyDuration
	FamilyBinary
	FamilyJSON
)

var familyNames = map[Family]string{
	FamilyString:   "string",
	FamilyBoolean:  "boolean",
	FamilyDecimal:  "decimal",
	FamilyInteger:  "integer",
	FamilyFloat:    "float",
	FamilyDate:     "date",
	FamilyDateTime: "dateTime",
	FamilyTime:     "time",
	FamilyDuration: "duration",
	FamilyBinary:   "binary",
	FamilyJSON:     "json",
}

func (f Family) String() string { return familyNames[f] }

// Ordered reports whether values of the family support minimum/maximum facets.
func (f Family) Ordered() bool {
	switch f {
	case FamilyDecimal, FamilyInteger, FamilyFloat, FamilyDate, FamilyDateTime, FamilyTime:
		return true
	}
	return false
}

// HasLength reports whether the family supports the length facets.
func (f Family) HasLength() bool {
	return f == FamilyString || f == FamilyBinary
}

// Base describes one entry of the built-in type catalog.
type Base struct {
	Name   string
	Family Family
	// Canonical is the catalog name this base is an alias of, if any.
	Canonical string
	// Min and Max bound integer subtypes; nil means unbounded.
	Min, Max *big.Int
	// RequireZone is set for dateTimeStamp.
	RequireZone bool
	// Example is a valid lexical value, used by describe and tests.
	Example string
}

var (
	registry   = make(map[string]*Base)
	registryMu sync.RWMutex
)

// register adds a base to the catalog.
// Panics if a base with the same name is already registered.
func register(b Base) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[b.Name]; exists {
		panic(fmt.Sprintf("datatype already registered: %s", b.Name))
	}
	if b.Canonical == "" {
		b.Canonical = b.Name
	}
	registry[b.Name] = &b
}

// Lookup returns the catalog entry for a base name or alias.
// Returns false if not found.
func Lookup(name string) (*Base, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	b, ok := registry[name]
	return b, ok
}

// Names returns every registered base name, aliases included.
// Sorted alphabetically.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByFamily returns the bases belonging to a family.
// Sorted by name for consistent ordering.
func ByFamily(f Family) []*Base {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var result []*Base
	for _, b := range registry {
		if b.Family == f {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func bigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad integer constant " + s)
	}
	return n
}

func init() {
	for _, b := range []Base{
		{Name: "string", Family: FamilyString, Example: "x"},
		{Name: "normalizedString", Family: FamilyString, Example: "x"},
		{Name: "token", Family: FamilyString, Example: "x"},
		{Name: "language", Family: FamilyString, Example: "en"},
		{Name: "Name", Family: FamilyString, Example: "x"},
		{Name: "NMTOKEN", Family: FamilyString, Example: "x"},
		{Name: "QName", Family: FamilyString, Example: "ns:x"},
		{Name: "anyURI", Family: FamilyString, Example: "http://example.org/"},
		{Name: "xml", Family: FamilyString, Example: "<a/>"},
		{Name: "html", Family: FamilyString, Example: "<p>x</p>"},
		{Name: "gDay", Family: FamilyString, Example: "---05"},
		{Name: "gMonth", Family: FamilyString, Example: "--05"},
		{Name: "gMonthDay", Family: FamilyString, Example: "--05-01"},
		{Name: "gYear", Family: FamilyString, Example: "2020"},
		{Name: "gYearMonth", Family: FamilyString, Example: "2020-05"},

		{Name: "boolean", Family: FamilyBoolean, Example: "false"},

		{Name: "decimal", Family: FamilyDecimal, Example: "5"},
		{Name: "integer", Family: FamilyInteger, Example: "5"},
		{Name: "int", Family: FamilyInteger, Example: "5",
			Min: big.NewInt(math.MinInt32), Max: big.NewInt(math.MaxInt32)},
		{Name: "long", Family: FamilyInteger, Example: "5",
			Min: big.NewInt(math.MinInt64), Max: big.NewInt(math.MaxInt64)},
		{Name: "short", Family: FamilyInteger, Example: "5",
			Min: big.NewInt(math.MinInt16), Max: big.NewInt(math.MaxInt16)},
		{Name: "byte", Family: FamilyInteger, Example: "5",
			Min: big.NewInt(math.MinInt8), Max: big.NewInt(math.MaxInt8)},
		{Name: "unsignedLong", Family: FamilyInteger, Example: "5",
			Min: big.NewInt(0), Max: bigInt("18446744073709551615")},
		{Name: "unsignedInt", Family: FamilyInteger, Example: "5",
			Min: big.NewInt(0), Max: big.NewInt(math.MaxUint32)},
		{Name: "unsignedShort", Family: FamilyInteger, Example: "5",
			Min: big.NewInt(0), Max: big.NewInt(math.MaxUint16)},
		{Name: "unsignedByte", Family: FamilyInteger, Example: "5",
			Min: big.NewInt(0), Max: big.NewInt(math.MaxUint8)},
		{Name: "nonNegativeInteger", Family: FamilyInteger, Example: "5", Min: big.NewInt(0)},
		{Name: "positiveInteger", Family: FamilyInteger, Example: "5", Min: big.NewInt(1)},
		{Name: "nonPositiveInteger", Family: FamilyInteger, Example: "-5", Max: big.NewInt(0)},
		{Name: "negativeInteger", Family: FamilyInteger, Example: "-5", Max: big.NewInt(-1)},

		{Name: "double", Family: FamilyFloat, Example: "5.3"},
		{Name: "float", Family: FamilyFloat, Example: "5.3"},
		{Name: "number", Family: FamilyFloat, Canonical: "double", Example: "5.3"},

		{Name: "date", Family: FamilyDate, Example: "2018-12-10"},
		{Name: "dateTime", Family: FamilyDateTime, Example: "2018-12-10T20:20:20"},
		{Name: "datetime", Family: FamilyDateTime, Canonical: "dateTime", Example: "2018-12-10T20:20:20"},
		{Name: "dateTimeStamp", Family: FamilyDateTime, RequireZone: true, Example: "2018-12-10T20:20:20Z"},
		{Name: "time", Family: FamilyTime, Example: "20:20:20"},

		{Name: "duration", Family: FamilyDuration, Example: "P3Y6M4DT12H30M5S"},
		{Name: "dayTimeDuration", Family: FamilyDuration, Example: "P4DT12H30M5S"},
		{Name: "yearMonthDuration", Family: FamilyDuration, Example: "P3Y6M"},

		{Name: "base64Binary", Family: FamilyBinary, Example: "YWJj"},
		{Name: "binary", Family: FamilyBinary, Canonical: "base64Binary", Example: "YWJj"},
		{Name: "hexBinary", Family: FamilyBinary, Example: "AB"},

		{Name: "json", Family: FamilyJSON, Example: `{"a":[1,2]}`},
	} {
		register(b)
	}
}
