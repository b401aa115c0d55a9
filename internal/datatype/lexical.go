package datatype

// lexical.go implements the string, boolean, binary and json families.

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/JonMunkholm/csvw/internal/core"
)

var (
	nmtokenRegex  = regexp.MustCompile(`^[\w.:-]*$`)
	nameRegex     = regexp.MustCompile(`^[\p{L}_:][\w.:-]*$`)
	qnameRegex    = regexp.MustCompile(`^(?:[\p{L}_][\w.-]*:)?[\p{L}_][\w.-]*$`)
	languageRegex = regexp.MustCompile(`^[a-zA-Z]{1,8}(?:-[a-zA-Z0-9]{1,8})*$`)

	tzSuffix        = `(?:Z|[+-](?:0\d|1[0-4]):[0-5]\d)?`
	gDayRegex       = regexp.MustCompile(`^---(?:0[1-9]|[12]\d|3[01])` + tzSuffix + `$`)
	gMonthRegex     = regexp.MustCompile(`^--(?:0[1-9]|1[0-2])` + tzSuffix + `$`)
	gMonthDayRegex  = regexp.MustCompile(`^--(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])` + tzSuffix + `$`)
	gYearRegex      = regexp.MustCompile(`^-?(?:[1-9]\d{4,}|\d{4})` + tzSuffix + `$`)
	gYearMonthRegex = regexp.MustCompile(`^-?(?:[1-9]\d{4,}|\d{4})-(?:0[1-9]|1[0-2])` + tzSuffix + `$`)
)

var regexMeta = regexp.MustCompile(`[\\.+*?()\[\]{}^$]`)

func (dt *Datatype) compileStringFormat() error {
	f, ok := dt.desc.FormatString()
	if !ok {
		if len(dt.desc.Format) > 0 {
			return core.NewMetadataError("datatype.format", "format for %s must be a string", dt.base.Name)
		}
		return nil
	}
	// A plain "a|b|c" list is a closed choice of literals; anything else is a regex.
	if !regexMeta.MatchString(f) {
		dt.enum = strings.Split(f, "|")
		return nil
	}
	re, err := regexp.Compile(`^(?:` + f + `)$`)
	if err != nil {
		return core.NewMetadataError("datatype.format", "invalid regular expression %q: %v", f, err)
	}
	dt.regex = re
	return nil
}

func (dt *Datatype) parseString(s string) (any, error) {
	switch dt.base.Name {
	case "normalizedString":
		s = normalizeSpace(s)
	case "token", "language", "Name", "NMTOKEN", "QName":
		s = strings.Join(strings.Fields(normalizeSpace(s)), " ")
	}

	if err := dt.checkStringLexical(s); err != nil {
		return nil, err
	}
	if dt.enum != nil {
		found := false
		for _, e := range dt.enum {
			if e == s {
				found = true
				break
			}
		}
		if !found {
			return nil, dt.fail(s, "format", "not one of "+strings.Join(dt.enum, "|"))
		}
	}
	if dt.regex != nil && !dt.regex.MatchString(s) {
		return nil, dt.fail(s, "format", "does not match "+dt.regex.String())
	}
	return s, nil
}

// normalizeSpace replaces CR, LF and TAB with spaces and trims the result.
func normalizeSpace(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == '\t' {
			return ' '
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func (dt *Datatype) checkStringLexical(s string) error {
	var re *regexp.Regexp
	switch dt.base.Name {
	case "NMTOKEN":
		re = nmtokenRegex
	case "Name":
		re = nameRegex
	case "QName":
		re = qnameRegex
	case "language":
		re = languageRegex
	case "gDay":
		re = gDayRegex
	case "gMonth":
		re = gMonthRegex
	case "gMonthDay":
		re = gMonthDayRegex
	case "gYear":
		re = gYearRegex
	case "gYearMonth":
		re = gYearMonthRegex
	case "anyURI":
		return dt.checkURI(s)
	case "xml":
		return dt.checkXML(s)
	}
	if re != nil && !re.MatchString(s) {
		return dt.fail(s, "lexical", "not a valid "+dt.base.Name)
	}
	return nil
}

func (dt *Datatype) checkURI(s string) error {
	if strings.IndexFunc(s, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return dt.fail(s, "lexical", "URI contains whitespace")
	}
	if _, err := url.Parse(s); err != nil {
		return dt.fail(s, "lexical", err.Error())
	}
	return nil
}

// checkXML verifies well-formedness. Fragments are accepted by wrapping the
// value in a synthetic root element.
func (dt *Datatype) checkXML(s string) error {
	dec := xml.NewDecoder(strings.NewReader("<_>" + s + "</_>"))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return dt.fail(s, "lexical", "not well-formed xml: "+err.Error())
		}
	}
}

func (dt *Datatype) formatString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case *url.URL:
		return x.String(), nil
	}
	return "", errWrongType(v, dt.base.Name)
}

func (dt *Datatype) compileBooleanFormat() error {
	dt.trueTok, dt.falseTok = []string{"true", "1"}, []string{"false", "0"}
	if len(dt.desc.Format) == 0 {
		return nil
	}
	f, ok := dt.desc.FormatString()
	if !ok || strings.Count(f, "|") != 1 {
		return core.NewMetadataError("datatype.format", "boolean format must look like \"Y|N\"")
	}
	parts := strings.SplitN(f, "|", 2)
	if parts[0] == "" || parts[1] == "" || parts[0] == parts[1] {
		return core.NewMetadataError("datatype.format", "boolean format %q needs two distinct tokens", f)
	}
	dt.trueTok, dt.falseTok = []string{parts[0]}, []string{parts[1]}
	return nil
}

func (dt *Datatype) parseBoolean(s string) (any, error) {
	for _, t := range dt.trueTok {
		if s == t {
			return true, nil
		}
	}
	for _, f := range dt.falseTok {
		if s == f {
			return false, nil
		}
	}
	return nil, dt.fail(s, "lexical", "expected "+dt.trueTok[0]+" or "+dt.falseTok[0])
}

func (dt *Datatype) formatBoolean(v any) (string, error) {
	b, ok := v.(bool)
	if !ok {
		return "", errWrongType(v, dt.base.Name)
	}
	if b {
		return dt.trueTok[0], nil
	}
	return dt.falseTok[0], nil
}

func (dt *Datatype) parseBinary(s string) (any, error) {
	if dt.base.Name == "hexBinary" {
		b, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, dt.fail(s, "lexical", "invalid hexBinary encoding")
		}
		return b, nil
	}
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	b, err := base64.StdEncoding.Strict().DecodeString(compact)
	if err != nil {
		return nil, dt.fail(s, "lexical", "invalid base64 encoding")
	}
	return b, nil
}

func (dt *Datatype) formatBinary(v any) (string, error) {
	b, ok := v.([]byte)
	if !ok {
		return "", errWrongType(v, dt.base.Name)
	}
	if dt.base.Name == "hexBinary" {
		return strings.ToUpper(hex.EncodeToString(b)), nil
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (dt *Datatype) compileJSONFormat() error {
	f, ok := dt.desc.FormatString()
	if !ok {
		if len(dt.desc.Format) == 0 {
			return nil
		}
		// An inline schema object is accepted as well as its string form.
		f = string(dt.desc.Format)
	}
	if !gjson.Valid(f) {
		// Not a schema document; ignored like any other unknown format.
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(f))
	if err != nil {
		return core.NewMetadataError("datatype.format", "invalid JSON schema: %v", err)
	}
	dt.schema = schema
	return nil
}

func (dt *Datatype) parseJSON(s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	if !gjson.Valid(trimmed) {
		return nil, dt.fail(s, "lexical", "invalid json")
	}
	if dt.schema != nil {
		res, err := dt.schema.Validate(gojsonschema.NewStringLoader(trimmed))
		if err != nil {
			return nil, dt.fail(s, "format", err.Error())
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, dt.fail(s, "format", strings.Join(msgs, "; "))
		}
	}
	return json.RawMessage(trimmed), nil
}

func (dt *Datatype) formatJSON(v any) (string, error) {
	switch x := v.(type) {
	case json.RawMessage:
		return string(x), nil
	case []byte:
		return string(x), nil
	case string:
		if gjson.Valid(x) {
			return x, nil
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", errWrongType(v, dt.base.Name)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
