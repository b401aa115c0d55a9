package datatype

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/csvw/internal/core"
)

// DateTime is the value of the date, dateTime and time families. Values
// without a timezone are held in UTC with HasZone false so they can be
// written back without inventing an offset.
type DateTime struct {
	Time    time.Time
	HasZone bool
}

// Equal reports whether two values denote the same instant with the same
// zone presence.
func (d DateTime) Equal(o DateTime) bool {
	return d.HasZone == o.HasZone && d.Time.Equal(o.Time)
}

var datePatterns = map[string]bool{
	"yyyy-MM-dd": true, "yyyyMMdd": true,
	"dd-MM-yyyy": true, "d-M-yyyy": true, "MM-dd-yyyy": true, "M-d-yyyy": true,
	"dd/MM/yyyy": true, "d/M/yyyy": true, "MM/dd/yyyy": true, "M/d/yyyy": true,
	"dd.MM.yyyy": true, "d.M.yyyy": true, "MM.dd.yyyy": true, "M.d.yyyy": true,
}

var timePatterns = map[string]bool{"HH:mm:ss": true, "HHmmss": true, "HH:mm": true, "HHmm": true}

var fieldRegex = map[string]string{
	"yyyy": `(?P<year>\d{4})`,
	"MM":   `(?P<month>\d{2})`,
	"dd":   `(?P<day>\d{2})`,
	"M":    `(?P<month>\d{1,2})`,
	"d":    `(?P<day>\d{1,2})`,
	"HH":   `(?P<hour>\d{2})`,
	"mm":   `(?P<minute>\d{2})`,
	"ss":   `(?P<second>\d{2})`,
}

const zoneRegex = `(?P<tz>Z|[+-]\d{2}:\d{2})`

var tzMarkerRegex = regexp.MustCompile(` ?[xX]{1,3}$`)

// temporalLayout is a compiled date/time grammar. pattern is empty for the
// default ISO 8601 grammar of the base.
type temporalLayout struct {
	pattern string
	regex   *regexp.Regexp
	tokens  []string // field names and literals, in output order
	frac    int      // max fraction digits, 0 when the layout has none
	tz      string   // marker such as "X", " xxx"; empty when no marker
}

func compileTemporal(base *Base, format json.RawMessage) (*temporalLayout, error) {
	pat := ""
	if len(format) > 0 {
		var obj struct {
			Pattern string `json:"pattern"`
		}
		if err := json.Unmarshal(format, &pat); err != nil {
			if err := json.Unmarshal(format, &obj); err != nil {
				return nil, core.NewMetadataError("datatype.format", "date/time format must be a pattern string")
			}
			pat = obj.Pattern
		}
	}
	if pat == "" {
		return defaultLayout(base), nil
	}
	l, err := parseTemporalPattern(pat, base.Family)
	if err != nil {
		return nil, err
	}
	if base.RequireZone && l.tz == "" {
		return nil, core.NewMetadataError("datatype.format", "%s format %q has no timezone marker", base.Name, pat)
	}
	return l, nil
}

func defaultLayout(base *Base) *temporalLayout {
	zone := zoneRegex + "?"
	if base.RequireZone {
		zone = zoneRegex
	}
	const (
		date = `(?P<year>-?\d{4,})-(?P<month>\d{2})-(?P<day>\d{2})`
		tod  = `(?P<hour>\d{2}):(?P<minute>\d{2}):(?P<second>\d{2})(?:\.(?P<frac>\d+))?`
	)
	var expr string
	switch base.Family {
	case FamilyDate:
		expr = date
	case FamilyTime:
		expr = tod
	default:
		expr = date + "T" + tod
	}
	return &temporalLayout{regex: regexp.MustCompile(`^` + expr + zone + `$`)}
}

func parseTemporalPattern(pat string, fam Family) (*temporalLayout, error) {
	bad := func() error {
		return core.NewMetadataError("datatype.format", "unsupported date/time pattern %q", pat)
	}
	l := &temporalLayout{pattern: pat}
	rest := pat
	if m := tzMarkerRegex.FindString(rest); m != "" {
		marker := strings.TrimSpace(m)
		if strings.Trim(marker, marker[:1]) != "" {
			return nil, bad()
		}
		l.tz = m
		rest = strings.TrimSuffix(rest, m)
	}

	var dfmt, tfmt, sep string
	switch {
	case strings.Contains(rest, "T"):
		sep = "T"
	case strings.Contains(rest, " "):
		sep = " "
	}
	switch {
	case sep != "":
		var ok bool
		if dfmt, tfmt, ok = strings.Cut(rest, sep); !ok || strings.Contains(tfmt, sep) {
			return nil, bad()
		}
	case fam == FamilyTime:
		tfmt = rest
	default:
		dfmt = rest
	}
	if fam == FamilyTime && dfmt != "" || fam == FamilyDate && tfmt != "" {
		return nil, bad()
	}
	if t, s, ok := strings.Cut(tfmt, "."); ok {
		if s == "" || strings.Trim(s, "S") != "" {
			return nil, bad()
		}
		tfmt, l.frac = t, len(s)
	}
	if dfmt != "" && !datePatterns[dfmt] || tfmt != "" && !timePatterns[tfmt] {
		return nil, bad()
	}

	var re strings.Builder
	re.WriteByte('^')
	emit := func(field string) {
		re.WriteString(fieldRegex[field])
		l.tokens = append(l.tokens, field)
	}
	literal := func(s string) {
		re.WriteString(regexp.QuoteMeta(s))
		l.tokens = append(l.tokens, "'"+s)
	}
	split := func(f string, seps string) {
		for _, c := range seps {
			if strings.ContainsRune(f, c) {
				for i, part := range strings.Split(f, string(c)) {
					if i > 0 {
						literal(string(c))
					}
					emit(part)
				}
				return
			}
		}
		for len(f) > 0 {
			n := 1
			for n < len(f) && f[n] == f[0] {
				n++
			}
			emit(f[:n])
			f = f[n:]
		}
	}
	if dfmt != "" {
		split(dfmt, ".-/")
	}
	if sep != "" {
		literal(sep)
	}
	if tfmt != "" {
		split(tfmt, ":")
	}
	if l.frac > 0 {
		fmt.Fprintf(&re, `(?:\.(?P<frac>\d{1,%d}))?`, l.frac)
	}
	if l.tz != "" {
		re.WriteString(zoneMarkerRegex(l.tz))
	}
	re.WriteByte('$')
	l.regex = regexp.MustCompile(re.String())
	return l, nil
}

func zoneMarkerRegex(marker string) string {
	space := ""
	if strings.HasPrefix(marker, " ") {
		space = " "
	}
	m := strings.TrimSpace(marker)
	var off string
	switch len(m) {
	case 1:
		off = `[+-]\d{2}(?:\d{2})?`
	case 2:
		off = `[+-]\d{4}`
	default:
		off = `[+-]\d{2}:\d{2}`
	}
	if m[0] == 'X' {
		off = `Z|` + off
	}
	return space + `(?P<tz>` + off + `)`
}

func (dt *Datatype) parseTemporal(s string) (any, error) {
	v := strings.TrimSpace(s)
	l := dt.layout
	m := l.regex.FindStringSubmatch(v)
	if m == nil {
		expect := l.pattern
		if expect == "" {
			expect = "ISO 8601 " + dt.base.Family.String()
		}
		return nil, dt.fail(s, "lexical", "does not match "+expect)
	}
	get := func(name string, def int) (int, bool) {
		i := l.regex.SubexpIndex(name)
		if i < 0 || m[i] == "" {
			return def, true
		}
		n, err := strconv.Atoi(m[i])
		return n, err == nil
	}
	year, ok1 := get("year", 0)
	month, ok2 := get("month", 1)
	day, ok3 := get("day", 1)
	hour, ok4 := get("hour", 0)
	minute, ok5 := get("minute", 0)
	second, ok6 := get("second", 0)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, dt.fail(s, "lexical", "invalid number")
	}
	if dt.base.Family == FamilyTime {
		year = 0
	}
	nanos := 0
	if i := l.regex.SubexpIndex("frac"); i >= 0 && m[i] != "" {
		f := m[i]
		if len(f) > 9 {
			f = f[:9]
		}
		nanos, _ = strconv.Atoi(f + strings.Repeat("0", 9-len(f)))
	}

	loc := time.UTC
	hasZone := false
	if i := l.regex.SubexpIndex("tz"); i >= 0 && m[i] != "" {
		z, err := parseZone(m[i])
		if err != nil {
			return nil, dt.fail(s, "lexical", err.Error())
		}
		loc, hasZone = z, true
	}
	if dt.base.RequireZone && !hasZone {
		return nil, dt.fail(s, "lexical", "timezone is required")
	}
	if hour > 23 || minute > 59 || second > 59 {
		return nil, dt.fail(s, "lexical", "time of day out of range")
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, nanos, loc)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return nil, dt.fail(s, "lexical", "no such date")
	}
	return DateTime{Time: t, HasZone: hasZone}, nil
}

func parseZone(z string) (*time.Location, error) {
	if z == "Z" {
		return time.UTC, nil
	}
	sign := 1
	if z[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(z[1:], ":", "")
	if len(digits) == 2 {
		digits += "00"
	}
	h, err1 := strconv.Atoi(digits[:2])
	mm, err2 := strconv.Atoi(digits[2:])
	if err1 != nil || err2 != nil || mm > 59 || h*60+mm > 14*60 {
		return nil, errors.Newf("invalid timezone %q", z)
	}
	off := sign * (h*3600 + mm*60)
	if off == 0 {
		return time.UTC, nil
	}
	return time.FixedZone(z, off), nil
}

func (dt *Datatype) formatTemporal(v any) (string, error) {
	var d DateTime
	switch x := v.(type) {
	case DateTime:
		d = x
	case time.Time:
		d = DateTime{Time: x, HasZone: true}
	default:
		return "", errWrongType(v, dt.base.Name)
	}
	if dt.layout == nil || dt.layout.pattern == "" {
		return formatISO(d, dt.base.Family), nil
	}
	return dt.layout.render(d), nil
}

func formatISO(d DateTime, fam Family) string {
	t := d.Time
	var b strings.Builder
	if fam != FamilyTime {
		writeYear(&b, t.Year())
		fmt.Fprintf(&b, "-%02d-%02d", t.Month(), t.Day())
	}
	if fam == FamilyDateTime {
		b.WriteByte('T')
	}
	if fam != FamilyDate {
		fmt.Fprintf(&b, "%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
		if f := fraction(t, 9); f != "" {
			b.WriteString("." + f)
		}
	}
	if d.HasZone {
		b.WriteString(zoneString(t, "XXX"))
	}
	return b.String()
}

func writeYear(b *strings.Builder, y int) {
	if y < 0 {
		fmt.Fprintf(b, "-%04d", -y)
		return
	}
	fmt.Fprintf(b, "%04d", y)
}

// fraction returns up to n fractional second digits without trailing zeros.
func fraction(t time.Time, n int) string {
	f := fmt.Sprintf("%09d", t.Nanosecond())[:n]
	return strings.TrimRight(f, "0")
}

func zoneString(t time.Time, marker string) string {
	_, off := t.Zone()
	m := strings.TrimSpace(marker)
	space := ""
	if strings.HasPrefix(marker, " ") {
		space = " "
	}
	if off == 0 && m[0] == 'X' {
		return space + "Z"
	}
	sign := '+'
	if off < 0 {
		sign, off = '-', -off
	}
	h, mm := off/3600, off%3600/60
	switch len(m) {
	case 1:
		if mm == 0 {
			return fmt.Sprintf("%s%c%02d", space, sign, h)
		}
		return fmt.Sprintf("%s%c%02d%02d", space, sign, h, mm)
	case 2:
		return fmt.Sprintf("%s%c%02d%02d", space, sign, h, mm)
	}
	return fmt.Sprintf("%s%c%02d:%02d", space, sign, h, mm)
}

func (l *temporalLayout) render(d DateTime) string {
	t := d.Time
	var b strings.Builder
	for _, tok := range l.tokens {
		switch tok {
		case "yyyy":
			writeYear(&b, t.Year())
		case "MM":
			fmt.Fprintf(&b, "%02d", t.Month())
		case "M":
			fmt.Fprintf(&b, "%d", t.Month())
		case "dd":
			fmt.Fprintf(&b, "%02d", t.Day())
		case "d":
			fmt.Fprintf(&b, "%d", t.Day())
		case "HH":
			fmt.Fprintf(&b, "%02d", t.Hour())
		case "mm":
			fmt.Fprintf(&b, "%02d", t.Minute())
		case "ss":
			fmt.Fprintf(&b, "%02d", t.Second())
		default:
			b.WriteString(strings.TrimPrefix(tok, "'"))
		}
	}
	if l.frac > 0 {
		if f := fraction(t, l.frac); f != "" {
			b.WriteString("." + f)
		}
	}
	if l.tz != "" && d.HasZone {
		b.WriteString(zoneString(t, l.tz))
	}
	return b.String()
}
