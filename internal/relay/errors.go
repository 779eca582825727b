package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrTLSRequired indicates that the relay is configured without TLS.
	ErrTLSRequired = errors.New("TLS is required for outbound relay")

	// ErrDomainNotAllowed indicates that a recipient domain is not on the allow-list.
	ErrDomainNotAllowed = errors.New("recipient domain not allowed")

	// ErrRateLimited indicates that the delivery history is at capacity.
	ErrRateLimited = errors.New("relay rate limit reached")
)

// DomainNotAllowedError carries the first rejected recipient domain.
type DomainNotAllowedError struct {
	Domain string
}

func (e *DomainNotAllowedError) Error() string {
	return fmt.Sprintf("recipient domain %q not allowed", e.Domain)
}

func (e *DomainNotAllowedError) Unwrap() error {
	return ErrDomainNotAllowed
}

// TransportError wraps a delivery failure of a network transport.
// Permanent failures (5xx SMTP replies, rejected API input) should not be
// retried; temporary ones (4xx replies, network errors) may be.
type TransportError struct {
	Err       error
	Permanent bool
}

func (e *TransportError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a permanent transport failure.
func IsPermanent(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Permanent
}
