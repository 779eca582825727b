// Package relay implements the outbound side of the gateway: the policy gate
// every relay enforces, the bounded delivery history, the in-memory relay
// client and the RFC 5322 rendering used by network transports.
package relay

import (
	"context"
	"log/slog"

	"github.com/akapranchikova/x.400/internal/config"
	"github.com/akapranchikova/x.400/internal/email"
)

// Gate runs the policy checks and reserves a history slot for a message.
type Gate struct {
	Policy  *Policy
	History *History
}

// NewGate creates a gate with a history of HistoryCapacity entries labelled name.
func NewGate(name string, tlsEnabled bool, allowList []string) *Gate {
	return &Gate{
		Policy:  NewPolicy(tlsEnabled, allowList),
		History: NewHistory(name, HistoryCapacity),
	}
}

// Admit checks msg against the policy and records it, returning the slot to
// release if delivery fails. Nothing is recorded when an error is returned.
func (g *Gate) Admit(msg *email.Message) (Slot, error) {
	if err := g.Policy.Check(msg); err != nil {
		return 0, err
	}
	slot, ok := g.History.TryAppend(msg)
	if !ok {
		slog.Warn("relay rejected message: history full",
			"message_id", msg.ID,
			"capacity", HistoryCapacity,
		)
		return 0, ErrRateLimited
	}
	return slot, nil
}

// Client is the in-memory relay. It enforces the full outbound policy and
// records accepted messages without opening any connection.
type Client struct {
	cfg  config.SMTPConfig
	gate *Gate
}

// NewClient creates an in-memory relay for cfg and the given domain allow-list.
func NewClient(cfg config.SMTPConfig, allowList []string) *Client {
	return &Client{
		cfg:  cfg,
		gate: NewGate("memory", cfg.TLS, allowList),
	}
}

// Send accepts msg if it passes the policy and the history has room.
func (c *Client) Send(_ context.Context, msg *email.Message) (*email.SendOutcome, error) {
	if _, err := c.gate.Admit(msg); err != nil {
		return nil, err
	}

	slog.Info("message accepted by relay",
		"relay", c.Name(),
		"message_id", msg.ID,
		"recipients", len(msg.To),
	)

	return &email.SendOutcome{
		Accepted:  true,
		MessageID: msg.ID,
	}, nil
}

// Delivered returns a snapshot of the accepted messages.
func (c *Client) Delivered() []email.Message {
	return c.gate.History.Snapshot()
}

// Name returns the relay name.
func (c *Client) Name() string {
	return "memory"
}

// Config returns the relay configuration.
func (c *Client) Config() config.SMTPConfig {
	return c.cfg
}
