package address

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

var (
	// ErrNoMatch indicates that neither an alias nor a rule could translate the address.
	ErrNoMatch = errors.New("no mapping rule matched address")

	// ErrAliasMissing indicates that an alias points at an O/R string that does not parse.
	ErrAliasMissing = errors.New("alias not found")
)

// Mapper translates addresses between the X.400 and SMTP worlds. Aliases take
// precedence over rules in both directions; rules are tried in order and the
// first match wins.
//
// A Mapper is immutable after construction and safe for concurrent use.
type Mapper struct {
	rules        []*Rule
	aliases      map[string]string
	aliasReverse map[string]string
}

// NewMapper builds a mapper from ordered rules and an alias table keyed by
// canonical O/R string.
func NewMapper(rules []*Rule, aliases map[string]string) *Mapper {
	m := &Mapper{
		rules:        append([]*Rule(nil), rules...),
		aliases:      make(map[string]string, len(aliases)),
		aliasReverse: make(map[string]string, len(aliases)),
	}
	for or, email := range aliases {
		m.aliases[or] = email
		m.aliasReverse[strings.ToLower(email)] = or
	}
	return m
}

// NewMapperFromTemplates compiles templates in order and builds a mapper.
func NewMapperFromTemplates(templates []string, aliases map[string]string) (*Mapper, error) {
	rules := make([]*Rule, 0, len(templates))
	for _, t := range templates {
		r, err := NewRule(t)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewMapper(rules, aliases), nil
}

// Rules returns the rule templates in evaluation order.
func (m *Mapper) Rules() []string {
	out := make([]string, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.Template()
	}
	return out
}

// MapORToRFC822 renders addr as an RFC822 address. An alias is returned
// verbatim, bypassing sanitization.
func (m *Mapper) MapORToRFC822(addr Address) (string, error) {
	if email, ok := m.aliases[addr.ORString()]; ok {
		return email, nil
	}
	for _, r := range m.rules {
		if email, ok := r.Apply(addr); ok && email != "" {
			return email, nil
		}
	}
	slog.Debug("no rule matched O/R address", "or_address", addr.ORString())
	return "", ErrNoMatch
}

// Alias returns the alias configured for addr, if any.
func (m *Mapper) Alias(addr Address) (string, bool) {
	email, ok := m.aliases[addr.ORString()]
	return email, ok
}

// MapRFC822ToOR recovers the O/R address behind email.
func (m *Mapper) MapRFC822ToOR(email string) (Address, error) {
	if or, ok := m.aliasReverse[strings.ToLower(email)]; ok {
		addr, err := ParseORString(or)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %s -> %v", ErrAliasMissing, email, err)
		}
		return addr, nil
	}
	for _, r := range m.rules {
		if addr, ok := r.Invert(email); ok {
			return addr, nil
		}
	}
	slog.Debug("no rule matched RFC822 address", "email", email)
	return Address{}, ErrNoMatch
}

// AliasWarnings reports alias entries that only resolve thanks to a default
// value or do not resolve at all. The defaults themselves are kept.
func (m *Mapper) AliasWarnings() []string {
	var warnings []string
	for or, email := range m.aliases {
		addr, err := ParseORString(or)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("alias %s for %s is unusable: %v", or, email, err))
			continue
		}
		if addr.Organization == DefaultOrganization && !strings.Contains(strings.ToUpper(or), "O="+DefaultOrganization) {
			warnings = append(warnings, fmt.Sprintf("alias %s for %s has no organization, defaulting to %s", or, email, DefaultOrganization))
		}
	}
	sort.Strings(warnings)
	return warnings
}
