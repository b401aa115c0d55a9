package datatype

// numeric.go implements the decimal, integer and float families, including
// number format patterns with custom group and decimal characters.

import (
	"encoding/json"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/csvw/internal/core"
)

// decimalRegex is the lexical space of xs:decimal after group/decimal
// characters are normalized: no exponent allowed.
var decimalRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

// floatRegex additionally allows scientific notation.
var floatRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

var (
	percent  = decimal.New(1, -2)
	perMille = decimal.New(1, -3)
)

// numberFormat is the format property of numeric datatypes.
type numberFormat struct {
	Pattern     string `json:"pattern,omitempty"`
	GroupChar   string `json:"groupChar,omitempty"`
	DecimalChar string `json:"decimalChar,omitempty"`

	parsed *numberPattern
}

func parseNumberFormat(raw json.RawMessage) (*numberFormat, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var nf numberFormat
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		nf.Pattern = s
	} else if err := json.Unmarshal(raw, &nf); err != nil {
		return nil, core.NewMetadataError("datatype.format", "numeric format must be a pattern string or object")
	}
	if nf.Pattern != "" {
		p, err := parseNumberPattern(nf.Pattern)
		if err != nil {
			return nil, err
		}
		nf.parsed = p
	}
	if nf.GroupChar != "" && nf.GroupChar == nf.DecimalChar {
		return nil, core.NewMetadataError("datatype.format", "groupChar and decimalChar must differ")
	}
	return &nf, nil
}

func (nf *numberFormat) group() string {
	if nf == nil {
		return ""
	}
	if nf.GroupChar == "" && nf.parsed != nil && nf.parsed.primaryGroup > 0 {
		return ","
	}
	return nf.GroupChar
}

func (nf *numberFormat) decimalChar() string {
	if nf == nil || nf.DecimalChar == "" {
		return "."
	}
	return nf.DecimalChar
}

// normalize maps a formatted number onto the plain lexical space, returning
// the scaling factor for percent and per-mille suffixes.
func (dt *Datatype) normalizeNumber(s string) (string, decimal.Decimal, error) {
	factor := decimal.NewFromInt(1)
	nf := dt.number
	g := nf.group()
	if g != "" && strings.Contains(s, g+g) {
		return "", factor, dt.fail(s, "format", "repeated group character")
	}
	if nf != nil && nf.parsed != nil {
		canon := s
		if g != "" {
			canon = strings.ReplaceAll(canon, g, "\x00")
		}
		canon = strings.ReplaceAll(canon, nf.decimalChar(), ".")
		canon = strings.ReplaceAll(canon, "\x00", ",")
		if !nf.parsed.valid(canon) {
			return "", factor, dt.fail(s, "format", "does not match pattern "+nf.Pattern)
		}
	}
	v := s
	if g != "" {
		v = strings.ReplaceAll(v, g, "")
	}
	if dc := nf.decimalChar(); dc != "." {
		v = strings.ReplaceAll(v, dc, ".")
	}
	switch {
	case strings.HasSuffix(v, "%"):
		v, factor = strings.TrimSuffix(v, "%"), percent
	case strings.HasSuffix(v, "‰"):
		v, factor = strings.TrimSuffix(v, "‰"), perMille
	}
	return v, factor, nil
}

func (dt *Datatype) parseDecimal(s string) (any, error) {
	if strings.ContainsAny(s, "eE") {
		return nil, dt.fail(s, "lexical", "scientific notation is not allowed")
	}
	v, factor, err := dt.normalizeNumber(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if !decimalRegex.MatchString(v) {
		return nil, dt.fail(s, "lexical", "not a decimal number")
	}
	d, err := decimal.NewFromString(strings.TrimPrefix(v, "+"))
	if err != nil {
		return nil, dt.fail(s, "lexical", err.Error())
	}
	return d.Mul(factor), nil
}

func (dt *Datatype) parseInteger(s string) (any, error) {
	v, err := dt.parseDecimal(s)
	if err != nil {
		return nil, err
	}
	d := v.(decimal.Decimal)
	if !d.Equal(d.Truncate(0)) {
		return nil, dt.fail(s, "lexical", "not an integer")
	}
	n := d.BigInt()
	if b := dt.base; b.Min != nil && n.Cmp(b.Min) < 0 || b.Max != nil && n.Cmp(b.Max) > 0 {
		return nil, dt.fail(s, "range", rangeMessage(b))
	}
	return n, nil
}

func rangeMessage(b *Base) string {
	lo, hi := "-inf", "inf"
	if b.Min != nil {
		lo = b.Min.String()
	}
	if b.Max != nil {
		hi = b.Max.String()
	}
	return b.Name + " must be between " + lo + " and " + hi
}

func (dt *Datatype) parseFloat(s string) (any, error) {
	t := strings.TrimSpace(s)
	switch t {
	case "INF", "+INF":
		return math.Inf(1), nil
	case "-INF":
		return math.Inf(-1), nil
	case "NaN":
		return math.NaN(), nil
	}
	v, factor, err := dt.normalizeNumber(t)
	if err != nil {
		return nil, err
	}
	if !floatRegex.MatchString(v) {
		return nil, dt.fail(s, "lexical", "not a floating point number")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, dt.fail(s, "lexical", err.Error())
	}
	if !factor.Equal(decimal.NewFromInt(1)) {
		f *= factor.InexactFloat64()
	}
	return f, nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case *big.Int:
		return decimal.NewFromBigInt(x, 0), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0), true
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(x), true
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func (dt *Datatype) formatDecimal(v any) (string, error) {
	d, ok := toDecimal(v)
	if !ok {
		return "", errWrongType(v, dt.base.Name)
	}
	return dt.renderNumber(d), nil
}

func (dt *Datatype) formatInteger(v any) (string, error) {
	d, ok := toDecimal(v)
	if !ok || !d.Equal(d.Truncate(0)) {
		return "", errWrongType(v, dt.base.Name)
	}
	return dt.renderNumber(d), nil
}

func (dt *Datatype) formatFloat(v any) (string, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	default:
		return "", errWrongType(v, dt.base.Name)
	}
	switch {
	case math.IsNaN(f):
		return "NaN", nil
	case math.IsInf(f, 1):
		return "INF", nil
	case math.IsInf(f, -1):
		return "-INF", nil
	}
	if dt.number == nil {
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	return dt.renderNumber(decimal.NewFromFloat(f)), nil
}

// renderNumber writes d without scientific notation, applying the number
// format's grouping, decimal character, fraction digits and suffix.
func (dt *Datatype) renderNumber(d decimal.Decimal) string {
	nf := dt.number
	if nf == nil {
		return d.String()
	}
	p := nf.parsed
	suffix := ""
	if p != nil {
		switch {
		case p.percent:
			d, suffix = d.Div(percent), "%"
		case p.perMille:
			d, suffix = d.Div(perMille), "‰"
		}
		if p.maxFraction >= 0 {
			d = d.Round(int32(p.maxFraction))
		}
	}
	s := d.String()
	if p != nil && p.minFraction > 0 {
		if _, f, _ := strings.Cut(s, "."); len(f) < p.minFraction {
			s = d.StringFixed(int32(p.minFraction))
		}
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, frac, hasFrac := strings.Cut(s, ".")

	if p != nil && p.minInt > len(intPart) {
		intPart = strings.Repeat("0", p.minInt-len(intPart)) + intPart
	}
	if g := nf.group(); g != "" {
		primary, secondary := 3, 3
		if p != nil && p.primaryGroup > 0 {
			primary, secondary = p.primaryGroup, p.secondaryGroup
		}
		intPart = groupDigits(intPart, g, primary, secondary)
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(intPart)
	if hasFrac {
		b.WriteString(nf.decimalChar())
		b.WriteString(frac)
	}
	b.WriteString(suffix)
	return b.String()
}

func groupDigits(digits, sep string, primary, secondary int) string {
	if primary <= 0 || len(digits) <= primary {
		return digits
	}
	if secondary <= 0 {
		secondary = primary
	}
	var groups []string
	rest := digits
	groups = append(groups, rest[len(rest)-primary:])
	rest = rest[:len(rest)-primary]
	for len(rest) > secondary {
		groups = append(groups, rest[len(rest)-secondary:])
		rest = rest[:len(rest)-secondary]
	}
	if rest != "" {
		groups = append(groups, rest)
	}
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	return strings.Join(groups, sep)
}
