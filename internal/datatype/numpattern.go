package datatype

import (
	"strings"

	"github.com/JonMunkholm/csvw/internal/core"
)

// numberPattern is a compiled LDML-style number pattern such as "#,##0.00"
// or "0.0#E+0". Group and decimal characters in a pattern are always ','
// and '.'; values are mapped onto them before validation.
type numberPattern struct {
	sign           byte // '+', '-' or 0
	minInt         int
	primaryGroup   int
	secondaryGroup int
	minFraction    int
	maxFraction    int
	exponent       bool
	minExponent    int
	percent        bool
	perMille       bool
}

func parseNumberPattern(pat string) (*numberPattern, error) {
	bad := func(msg string) error {
		return core.NewMetadataError("datatype.format", "invalid number pattern %q: %s", pat, msg)
	}
	p := &numberPattern{}
	s := pat
	if s != "" && (s[0] == '+' || s[0] == '-') {
		p.sign = s[0]
		s = s[1:]
	}
	switch {
	case strings.HasSuffix(s, "%"):
		p.percent, s = true, strings.TrimSuffix(s, "%")
	case strings.HasSuffix(s, "‰"):
		p.perMille, s = true, strings.TrimSuffix(s, "‰")
	}
	if i := strings.IndexAny(s, "Ee"); i >= 0 {
		exp := strings.TrimPrefix(s[i+1:], "+")
		if exp == "" || strings.Trim(exp, "0") != "" {
			return nil, bad("exponent must be zeros")
		}
		p.exponent, p.minExponent = true, len(exp)
		s = s[:i]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	if intPart == "" && !hasFrac {
		return nil, bad("no digits")
	}

	seenZero := false
	for _, c := range intPart {
		switch c {
		case '#':
			if seenZero {
				return nil, bad("'#' after '0' in integer part")
			}
		case '0':
			seenZero = true
			p.minInt++
		case ',':
		default:
			return nil, bad("unexpected character " + string(c))
		}
	}
	if strings.Contains(intPart, ",") {
		groups := strings.Split(intPart, ",")
		for _, g := range groups[1:] {
			if g == "" {
				return nil, bad("empty group")
			}
		}
		p.primaryGroup = len(groups[len(groups)-1])
		p.secondaryGroup = p.primaryGroup
		if len(groups) > 2 {
			p.secondaryGroup = len(groups[len(groups)-2])
		}
	}

	seenHash := false
	for _, c := range frac {
		switch c {
		case '0':
			if seenHash {
				return nil, bad("'0' after '#' in fraction part")
			}
			p.minFraction++
		case '#':
			seenHash = true
		default:
			return nil, bad("unexpected character " + string(c))
		}
	}
	p.maxFraction = len(frac)
	return p, nil
}

// valid reports whether s, already mapped to ',' grouping and '.' decimal,
// matches the pattern.
func (p *numberPattern) valid(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '+', '-':
		if p.sign == '-' && s[0] == '+' {
			return false
		}
		s = s[1:]
	default:
		if p.sign == '+' {
			return false
		}
	}
	hasPercent, hasPerMille := strings.HasSuffix(s, "%"), strings.HasSuffix(s, "‰")
	if hasPercent != p.percent || hasPerMille != p.perMille {
		return false
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "%"), "‰")

	if i := strings.IndexAny(s, "Ee"); i >= 0 {
		if !p.exponent {
			return false
		}
		exp := strings.TrimLeft(s[i+1:], "+-")
		if len(exp) < p.minExponent || !allDigits(exp) {
			return false
		}
		s = s[:i]
	}

	intPart, frac, _ := strings.Cut(s, ".")
	if len(frac) < p.minFraction || len(frac) > p.maxFraction || !allDigits(frac) {
		return false
	}
	if intPart == "" && frac == "" {
		return false
	}
	return p.validInteger(intPart)
}

func (p *numberPattern) validInteger(s string) bool {
	if p.primaryGroup == 0 {
		return !strings.Contains(s, ",") && allDigits(s) && len(s) >= p.minInt
	}
	groups := strings.Split(s, ",")
	digits := 0
	for i, g := range groups {
		if !allDigits(g) || g == "" && len(groups) > 1 {
			return false
		}
		digits += len(g)
		last := i == len(groups)-1
		switch {
		case last && len(groups) > 1 && len(g) != p.primaryGroup:
			return false
		case !last && i > 0 && len(g) != p.secondaryGroup:
			return false
		case i == 0 && len(groups) > 1 && len(g) > p.secondaryGroup:
			return false
		}
	}
	if len(groups) == 1 && len(s) > p.primaryGroup {
		return false
	}
	return digits >= p.minInt
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
