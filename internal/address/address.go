// Package address translates X.400 originator/recipient addresses to RFC822
// mailboxes and back, using an operator alias table and ordered rule templates.
package address

import (
	"fmt"
	"strings"
)

// Defaults substituted for attributes a template or an alias does not carry.
const (
	DefaultCountry      = "XX"
	DefaultOrganization = "UNKNOWN"
	DefaultSurname      = "User"
)

// Address holds the O/R attributes the mapping engine understands.
// Given name and surname are collapsed into Surname.
type Address struct {
	Country      string `json:"country" yaml:"country"`
	Organization string `json:"organization" yaml:"organization"`
	Surname      string `json:"surname" yaml:"surname"`
}

// ORString renders the canonical alias key "C=<country>;O=<organization>;S=<surname>".
func (a Address) ORString() string {
	return fmt.Sprintf("C=%s;O=%s;S=%s", a.Country, a.Organization, a.Surname)
}

func (a Address) String() string {
	return a.ORString()
}

// ParseORString parses an O/R string such as "C=DE;O=Bundespost;S=Mueller".
// Keys are matched case-insensitively and unknown keys are ignored.
// A blank organization defaults to DefaultOrganization; a missing country or
// surname is an error.
func ParseORString(value string) (Address, error) {
	var addr Address
	for _, part := range strings.Split(value, ";") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Address{}, fmt.Errorf("malformed O/R attribute %q", part)
		}
		val = strings.TrimSpace(val)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "C":
			addr.Country = val
		case "O":
			addr.Organization = val
		case "S":
			addr.Surname = val
		}
	}
	if addr.Country == "" {
		return Address{}, fmt.Errorf("O/R string %q has no country", value)
	}
	if addr.Surname == "" {
		return Address{}, fmt.Errorf("O/R string %q has no surname", value)
	}
	if addr.Organization == "" {
		addr.Organization = DefaultOrganization
	}
	return addr, nil
}
