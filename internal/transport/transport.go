// Package transport defines the capability interfaces the gateway adapter
// uses to reach mail systems.
package transport

import (
	"context"

	"github.com/akapranchikova/x.400/internal/email"
)

// Relay is the interface that outbound delivery backends must implement.
// The in-memory policy relay and the SMTP and SES transports all satisfy it,
// so the adapter never branches on which one it was given.
type Relay interface {
	// Send delivers a message. It returns an error if a policy gate rejects
	// the message or the delivery fails.
	Send(ctx context.Context, msg *email.Message) (*email.SendOutcome, error)

	// Delivered returns a snapshot of the messages accepted so far.
	Delivered() []email.Message

	// Name returns the human-readable name of this relay.
	Name() string
}

// Mailbox is the interface that inbound retrieval backends must implement.
type Mailbox interface {
	// Enqueue adds a message to the mailbox.
	Enqueue(ctx context.Context, msg email.InboundMessage) error

	// Fetch removes and returns up to limit messages, oldest first. A message
	// is returned by at most one call.
	Fetch(ctx context.Context, limit int) ([]email.InboundMessage, error)

	// Name returns the human-readable name of this mailbox.
	Name() string
}
