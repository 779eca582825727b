package gateway

import (
	"errors"
	"fmt"

	"github.com/akapranchikova/x.400/internal/address"
	"github.com/akapranchikova/x.400/internal/relay"
	"github.com/akapranchikova/x.400/internal/report"
)

// Kind classifies a gateway failure.
type Kind string

// Error kinds. The string values are stable and safe to expose to callers.
const (
	KindNoMatch          Kind = "no_match"
	KindAliasMissing     Kind = "alias_missing"
	KindTLSRequired      Kind = "tls_required"
	KindDomainNotAllowed Kind = "domain_not_allowed"
	KindRateLimited      Kind = "rate_limited"
	KindNotReport        Kind = "not_report"
	KindTransport        Kind = "transport"
	KindInternal         Kind = "internal"
)

// Error is returned by every failing Adapter operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the stable code of err, or an empty string for a nil error.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return string(ge.Kind)
	}
	return string(classify(err, KindInternal))
}

func wrap(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: classify(err, fallback), Err: err}
}

func classify(err error, fallback Kind) Kind {
	var te *relay.TransportError
	switch {
	case errors.Is(err, address.ErrAliasMissing):
		return KindAliasMissing
	case errors.Is(err, address.ErrNoMatch):
		return KindNoMatch
	case errors.Is(err, relay.ErrTLSRequired):
		return KindTLSRequired
	case errors.Is(err, relay.ErrDomainNotAllowed):
		return KindDomainNotAllowed
	case errors.Is(err, relay.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, report.ErrNotReport):
		return KindNotReport
	case errors.As(err, &te):
		return KindTransport
	default:
		return fallback
	}
}
