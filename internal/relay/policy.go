package relay

import (
	"log/slog"
	"strings"

	"github.com/akapranchikova/x.400/internal/email"
)

// Policy is the outbound gate shared by every relay: mandatory TLS and a
// recipient domain allow-list. It is immutable and safe for concurrent use.
type Policy struct {
	tlsEnabled bool
	allowed    map[string]struct{}
}

// NewPolicy builds a policy. Allow-list entries are matched case-insensitively.
func NewPolicy(tlsEnabled bool, allowList []string) *Policy {
	p := &Policy{
		tlsEnabled: tlsEnabled,
		allowed:    make(map[string]struct{}, len(allowList)),
	}
	for _, d := range allowList {
		p.allowed[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return p
}

// Check returns ErrTLSRequired when TLS is disabled, regardless of the
// recipients, and otherwise a *DomainNotAllowedError for the first recipient
// outside the allow-list. A recipient without '@' has no domain to check.
func (p *Policy) Check(msg *email.Message) error {
	if !p.tlsEnabled {
		slog.Warn("relay rejected message: TLS disabled", "message_id", msg.ID)
		return ErrTLSRequired
	}
	for _, rcpt := range msg.To {
		at := strings.LastIndexByte(rcpt, '@')
		if at < 0 {
			continue
		}
		domain := strings.ToLower(rcpt[at+1:])
		if _, ok := p.allowed[domain]; !ok {
			slog.Warn("relay rejected recipient domain",
				"message_id", msg.ID,
				"domain", domain,
			)
			return &DomainNotAllowedError{Domain: domain}
		}
	}
	return nil
}

// AllowList returns the normalized allow-list.
func (p *Policy) AllowList() []string {
	out := make([]string, 0, len(p.allowed))
	for d := range p.allowed {
		out = append(out, d)
	}
	return out
}
