package address

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// placeholders in evaluation order. G and S both resolve to the surname.
var placeholders = []string{"G", "S", "O", "C"}

// Rule is a reversible template such as "{S}.{O}@{C}.example" that renders an
// Address as an RFC822 address and parses one back.
type Rule struct {
	template string
	used     []string
	pattern  *regexp.Regexp
}

// NewRule compiles template into a rule.
func NewRule(template string) (*Rule, error) {
	r := &Rule{template: template}

	quoted := regexp.QuoteMeta(template)
	for _, p := range placeholders {
		token := "{" + p + "}"
		if !strings.Contains(template, token) {
			continue
		}
		r.used = append(r.used, p)
		quoted = strings.ReplaceAll(quoted, regexp.QuoteMeta(token), "(?P<"+p+">[a-z0-9-]+)")
	}

	pattern, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return nil, fmt.Errorf("compiling rule %q: %w", template, err)
	}
	r.pattern = pattern
	return r, nil
}

// MustRule is like NewRule but panics if the template cannot be compiled.
func MustRule(template string) *Rule {
	r, err := NewRule(template)
	if err != nil {
		panic(err)
	}
	return r
}

// Template returns the source template.
func (r *Rule) Template() string {
	return r.template
}

// Apply renders addr through the template. It reports false when a
// placeholder is left unresolved; a partial rendering is never returned.
func (r *Rule) Apply(addr Address) (string, bool) {
	rendered := r.template
	for _, p := range r.used {
		rendered = strings.ReplaceAll(rendered, "{"+p+"}", sanitize(value(p, addr)))
	}
	if strings.Contains(rendered, "{") {
		return "", false
	}
	return rendered, true
}

// Invert parses email back into an Address. Inversion is lossy: only
// Apply(Invert(Apply(a))) == Apply(a) holds.
func (r *Rule) Invert(email string) (Address, bool) {
	m := r.pattern.FindStringSubmatch(email)
	if m == nil {
		return Address{}, false
	}
	group := func(name string) (string, bool) {
		idx := r.pattern.SubexpIndex(name)
		if idx < 0 {
			return "", false
		}
		return m[idx], true
	}

	addr := Address{
		Country:      DefaultCountry,
		Organization: DefaultOrganization,
		Surname:      DefaultSurname,
	}
	if v, ok := group("C"); ok {
		addr.Country = unsanitize(v)
	}
	if v, ok := group("O"); ok {
		addr.Organization = unsanitize(v)
	}
	if v, ok := group("S"); ok {
		addr.Surname = unsanitize(v)
	} else if v, ok := group("G"); ok {
		addr.Surname = unsanitize(v)
	}
	return addr, true
}

func value(placeholder string, addr Address) string {
	switch placeholder {
	case "C":
		return addr.Country
	case "O":
		return addr.Organization
	default:
		return addr.Surname
	}
}

// sanitize reduces s to the [a-z0-9-] alphabet: NFKD decomposition, non-ASCII
// dropped, lowercased, every other character replaced by '-'.
func sanitize(s string) string {
	var b strings.Builder
	for _, c := range norm.NFKD.String(s) {
		if c > unicode.MaxASCII {
			continue
		}
		c = unicode.ToLower(c)
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// unsanitize turns "jean-pierre" into "Jean Pierre".
func unsanitize(s string) string {
	words := strings.FieldsFunc(s, func(c rune) bool { return c == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
