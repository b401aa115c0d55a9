package datatype

import (
	"encoding/json"
	"testing"
)

// ============================================================================
// Parse Benchmarks
// ============================================================================

// BenchmarkParseDecimal covers the hot path for numeric columns.
func BenchmarkParseDecimal(b *testing.B) {
	dt := MustNew(Description{Base: "decimal"})
	testCases := []string{"123", "-456.78", "0.000001", "99999999999999.99", "+1.0"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, tc := range testCases {
			_, _ = dt.Parse(tc)
		}
	}
}

func BenchmarkParseDecimal_Pattern(b *testing.B) {
	dt := MustNew(Description{Base: "decimal", Format: json.RawMessage(`{"pattern": "#,##0.00", "groupChar": ",", "decimalChar": "."}`)})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dt.Parse("1,234,567.89")
	}
}

func BenchmarkParseInteger_Bounded(b *testing.B) {
	dt := MustNew(Description{Base: "integer", Minimum: json.RawMessage("0"), Maximum: json.RawMessage("1000000")})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dt.Parse("424242")
	}
}

func BenchmarkParseDate_ISO(b *testing.B) {
	dt := MustNew(Description{Base: "date"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dt.Parse("2024-01-15")
	}
}

func BenchmarkParseDate_US(b *testing.B) {
	dt := MustNew(Description{Base: "date", Format: json.RawMessage(`"M/d/yyyy"`)})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dt.Parse("1/15/2024")
	}
}

func BenchmarkParseBoolean(b *testing.B) {
	dt := MustNew(Description{Base: "boolean"})
	testCases := []string{"true", "false", "1", "0"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, tc := range testCases {
			_, _ = dt.Parse(tc)
		}
	}
}

func BenchmarkParseString_Pattern(b *testing.B) {
	dt := MustNew(Description{Base: "string", Pattern: `[A-Z]{2}[0-9]{4}`, MaxLength: nullInt(6)})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dt.Parse("AB1234")
	}
}

// ============================================================================
// Format Benchmarks
// ============================================================================

func BenchmarkFormatDecimal(b *testing.B) {
	dt := MustNew(Description{Base: "decimal"})
	v, err := dt.Parse("-456.78")
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dt.Format(v)
	}
}

// BenchmarkParseParallel checks a shared Datatype under concurrent use.
func BenchmarkParseParallel(b *testing.B) {
	dt := MustNew(Description{Base: "dateTime"})
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = dt.Parse("2024-01-15T10:30:00Z")
		}
	})
}
