// Package mailbox implements the inbound side of the gateway: an in-memory
// mailbox that stands in for IMAP retrieval.
package mailbox

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/akapranchikova/x.400/internal/config"
	"github.com/akapranchikova/x.400/internal/email"
)

// Client is an in-memory mailbox. Messages are fetched oldest first and
// every message is handed out at most once.
type Client struct {
	cfg config.IMAPConfig

	mu     sync.Mutex
	buffer []email.InboundMessage
}

// NewClient creates an empty mailbox for cfg.
func NewClient(cfg config.IMAPConfig) *Client {
	return &Client{cfg: cfg}
}

// Enqueue appends msg to the mailbox. A message without a UID is given one.
func (c *Client) Enqueue(_ context.Context, msg email.InboundMessage) error {
	if msg.UID == "" {
		msg.UID = uuid.NewString()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, msg)
	size := len(c.buffer)
	c.mu.Unlock()

	slog.Debug("message enqueued", "mailbox", c.cfg.Mailbox, "uid", msg.UID, "size", size)
	return nil
}

// Fetch removes up to limit messages from the head of the mailbox.
func (c *Client) Fetch(_ context.Context, limit int) ([]email.InboundMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(limit, len(c.buffer))
	out := make([]email.InboundMessage, n)
	copy(out, c.buffer[:n])
	// Shift instead of reslicing so fetched messages are not pinned.
	remaining := copy(c.buffer, c.buffer[n:])
	clear(c.buffer[remaining:])
	c.buffer = c.buffer[:remaining]
	return out, nil
}

// Len returns the number of messages waiting in the mailbox.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Name returns the mailbox name.
func (c *Client) Name() string {
	return "memory"
}

// Config returns the mailbox configuration.
func (c *Client) Config() config.IMAPConfig {
	return c.cfg
}
