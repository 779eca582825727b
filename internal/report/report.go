// Package report converts delivery and disposition notifications (DSN/MDN)
// into the gateway's internal delivery report.
package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/akapranchikova/x.400/internal/parser"
)

// Report statuses derived from an MDN.
const (
	StatusRead      = "read"
	StatusProcessed = "processed"
	StatusUnknown   = "unknown"
)

// Status classes. A well-formed DSN status (RFC 3463) is classed by its
// leading digit; anything else is StatusOther.
const (
	ClassSuccess   = "2"
	ClassTransient = "4"
	ClassPermanent = "5"
	StatusOther    = "other"
)

// ErrNotReport indicates that a message carries neither a DSN nor an MDN part.
var ErrNotReport = errors.New("message is not a delivery or disposition report")

// DeliveryReport is the gateway's representation of a DSN or MDN.
type DeliveryReport struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Detail        string `json:"detail"`
}

// Mapper translates DSN/MDN payloads. It holds no state.
type Mapper struct{}

// FromDSN converts a delivery status notification. The status is the first
// "Status:" line of the payload.
func (Mapper) FromDSN(payload, correlationID string) DeliveryReport {
	status := StatusUnknown
	for _, line := range strings.Split(payload, "\n") {
		if rest, ok := strings.CutPrefix(line, "Status:"); ok {
			status = strings.TrimSpace(rest)
			break
		}
	}
	return DeliveryReport{
		CorrelationID: correlationID,
		Status:        status,
		Detail:        payload,
	}
}

// FromMDN converts a message disposition notification into a read report.
func (Mapper) FromMDN(payload, correlationID string) DeliveryReport {
	status := StatusProcessed
	if strings.Contains(payload, "displayed") {
		status = StatusRead
	}
	return DeliveryReport{
		CorrelationID: correlationID,
		Status:        status,
		Detail:        payload,
	}
}

// ToDSN renders the two fields the rest of the system relies on. It is not a
// MIME encoder.
func (Mapper) ToDSN(r DeliveryReport) string {
	return fmt.Sprintf("Status: %s\nCorrelation-ID: %s", r.Status, r.CorrelationID)
}

// FromMessage converts a complete multipart/report message. When
// correlationID is empty it is taken from the report's Original-Envelope-Id
// (DSN) or Original-Message-ID (MDN) field.
func (m Mapper) FromMessage(raw []byte, correlationID string) (DeliveryReport, error) {
	msg, err := parser.Parse(raw)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("parsing report: %w", err)
	}

	switch {
	case msg.DeliveryStatus != "":
		if correlationID == "" {
			correlationID = parser.ReportField(msg.DeliveryStatus, "Original-Envelope-Id")
		}
		return m.FromDSN(normalizeLines(msg.DeliveryStatus), correlationID), nil
	case msg.Disposition != "":
		if correlationID == "" {
			correlationID = strings.Trim(parser.ReportField(msg.Disposition, "Original-Message-ID"), "<>")
		}
		return m.FromMDN(normalizeLines(msg.Disposition), correlationID), nil
	default:
		return DeliveryReport{}, ErrNotReport
	}
}

// StatusClass reduces a report status to a bounded set of values: the class
// digit of an RFC 3463 status code, one of the MDN statuses, or StatusOther.
func StatusClass(status string) string {
	switch status {
	case StatusRead, StatusProcessed, StatusUnknown:
		return status
	}
	parts := strings.Split(status, ".")
	if len(parts) != 3 {
		return StatusOther
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 || strings.Trim(p, "0123456789") != "" {
			return StatusOther
		}
	}
	switch parts[0] {
	case ClassSuccess, ClassTransient, ClassPermanent:
		return parts[0]
	}
	return StatusOther
}

// normalizeLines converts CRLF line endings so the line scanner sees bare
// field names and values.
func normalizeLines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
