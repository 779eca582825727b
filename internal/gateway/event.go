package gateway

import (
	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/report"
)

// Result describes an outbound message accepted by the relay.
type Result struct {
	MessageID  string   `json:"message_id"`
	Recipients []string `json:"recipients"`
	Accepted   bool     `json:"accepted"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Event is emitted by the adapter as it processes traffic. The set of
// implementations is closed: OutboundQueued, InboundReady and ReportMapped.
type Event interface {
	event()
}

// OutboundQueued reports an outbound message handed to the relay.
type OutboundQueued struct {
	Result Result
}

// InboundReady carries messages fetched from the mailbox.
type InboundReady struct {
	Messages []email.InboundMessage
}

// ReportMapped carries a translated delivery or disposition report.
type ReportMapped struct {
	Report report.DeliveryReport
}

func (OutboundQueued) event() {}
func (InboundReady) event()   {}
func (ReportMapped) event()   {}
