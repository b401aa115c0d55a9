package datatype

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Duration is an ISO 8601 duration. Components are kept separately because
// months and days have no fixed length in seconds.
type Duration struct {
	Negative bool
	Years    int64
	Months   int64
	Days     int64
	Hours    int64
	Minutes  int64
	Seconds  decimal.Decimal
}

var durationRegex = regexp.MustCompile(
	`^(-)?P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// TotalMonths returns the signed year-month part in months.
func (d Duration) TotalMonths() int64 {
	n := d.Years*12 + d.Months
	if d.Negative {
		return -n
	}
	return n
}

// TotalSeconds returns the signed day-time part in seconds.
func (d Duration) TotalSeconds() decimal.Decimal {
	s := decimal.NewFromInt(d.Days*86400 + d.Hours*3600 + d.Minutes*60).Add(d.Seconds)
	if d.Negative {
		return s.Neg()
	}
	return s
}

// Equal compares durations by their month and second totals, so PT60S
// equals PT1M.
func (d Duration) Equal(o Duration) bool {
	return d.TotalMonths() == o.TotalMonths() && d.TotalSeconds().Equal(o.TotalSeconds())
}

func (dt *Datatype) parseDuration(s string) (any, error) {
	v := strings.TrimSpace(s)
	if dt.regex != nil && !dt.regex.MatchString(v) {
		return nil, dt.fail(s, "format", "does not match "+dt.regex.String())
	}
	m := durationRegex.FindStringSubmatch(v)
	if m == nil || strings.HasSuffix(v, "P") || strings.HasSuffix(v, "T") {
		return nil, dt.fail(s, "lexical", "not an ISO 8601 duration")
	}
	hasYM := m[2] != "" || m[3] != ""
	hasDT := m[4] != "" || m[5] != "" || m[6] != "" || m[7] != ""
	switch dt.base.Name {
	case "dayTimeDuration":
		if hasYM {
			return nil, dt.fail(s, "lexical", "years and months are not allowed")
		}
	case "yearMonthDuration":
		if hasDT {
			return nil, dt.fail(s, "lexical", "only years and months are allowed")
		}
	}
	var parts [5]int64
	for i, x := range m[2:7] {
		if x == "" {
			continue
		}
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil, dt.fail(s, "lexical", "component "+x+" is out of range")
		}
		parts[i] = n
	}
	d := Duration{
		Negative: m[1] == "-",
		Years:    parts[0],
		Months:   parts[1],
		Days:     parts[2],
		Hours:    parts[3],
		Minutes:  parts[4],
	}
	if m[7] != "" {
		sec, err := decimal.NewFromString(m[7])
		if err != nil {
			return nil, dt.fail(s, "lexical", err.Error())
		}
		d.Seconds = sec
	}
	return d, nil
}

func (dt *Datatype) formatDuration(v any) (string, error) {
	d, ok := v.(Duration)
	if !ok {
		return "", errWrongType(v, dt.base.Name)
	}
	return d.String(), nil
}

// String returns the ISO 8601 form with zero components omitted.
func (d Duration) String() string {
	var b strings.Builder
	if d.Negative {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	part := func(n int64, unit byte) {
		if n != 0 {
			b.WriteString(strconv.FormatInt(n, 10))
			b.WriteByte(unit)
		}
	}
	part(d.Years, 'Y')
	part(d.Months, 'M')
	part(d.Days, 'D')
	if d.Hours != 0 || d.Minutes != 0 || !d.Seconds.IsZero() {
		b.WriteByte('T')
		part(d.Hours, 'H')
		part(d.Minutes, 'M')
		if !d.Seconds.IsZero() {
			b.WriteString(d.Seconds.String())
			b.WriteByte('S')
		}
	}
	if b.Len() == 1 || b.String() == "-P" {
		return "PT0S"
	}
	return b.String()
}
