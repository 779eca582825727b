// Package smtp implements a relay that submits messages to a real SMTP server.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/metrics"
	"github.com/akapranchikova/x.400/internal/relay"
)

// Options holds the settings for creating a Transport.
type Options struct {
	// Addr is the relay's host:port.
	Addr string
	// Sender is the envelope and header originator used when a message has none.
	Sender   string
	Username string
	Password string
	// TLSEnabled must be true for any message to be accepted. When StartTLS
	// is set the connection is upgraded, otherwise TLS is used from the start.
	TLSEnabled bool
	StartTLS   bool
	TLSConfig  *tls.Config
	AllowList  []string
	// Signer adds a DKIM signature when set.
	Signer *relay.Signer
}

type dialFunc func(addr string, tlsConfig *tls.Config) (*gosmtp.Client, error)

// Transport delivers messages over SMTP after the same policy checks the
// in-memory relay applies.
type Transport struct {
	opts Options
	gate *relay.Gate
	dial dialFunc
	now  func() time.Time
}

// New creates an SMTP transport.
func New(opts Options) *Transport {
	dial := gosmtp.DialTLS
	if opts.StartTLS {
		dial = gosmtp.DialStartTLS
	}
	return &Transport{
		opts: opts,
		gate: relay.NewGate("smtp", opts.TLSEnabled, opts.AllowList),
		dial: dial,
		now:  time.Now,
	}
}

// Send reserves a history slot, then submits the message. A failed
// submission releases the slot and returns a *relay.TransportError.
func (t *Transport) Send(ctx context.Context, msg *email.Message) (*email.SendOutcome, error) {
	slot, err := t.gate.Admit(msg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = t.deliver(ctx, msg)
	metrics.RelaySendDuration.WithLabelValues(t.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		t.gate.History.Release(slot)
		slog.Warn("SMTP delivery failed",
			"message_id", msg.ID,
			"addr", t.opts.Addr,
			"permanent", relay.IsPermanent(err),
			"error", err,
		)
		return nil, err
	}

	slog.Info("message relayed",
		"relay", t.Name(),
		"message_id", msg.ID,
		"recipients", len(msg.To),
	)
	return &email.SendOutcome{Accepted: true, MessageID: msg.ID}, nil
}

// Delivered returns a snapshot of the messages submitted successfully.
func (t *Transport) Delivered() []email.Message {
	return t.gate.History.Snapshot()
}

// Name returns the relay name.
func (t *Transport) Name() string {
	return "smtp"
}

func (t *Transport) deliver(ctx context.Context, msg *email.Message) error {
	if err := ctx.Err(); err != nil {
		return &relay.TransportError{Err: err}
	}

	raw, err := relay.Render(msg, t.opts.Sender, t.now())
	if err != nil {
		return &relay.TransportError{Err: err, Permanent: true}
	}
	if t.opts.Signer != nil {
		if raw, err = t.opts.Signer.Sign(raw); err != nil {
			return &relay.TransportError{Err: err, Permanent: true}
		}
	}

	c, err := t.dial(t.opts.Addr, t.opts.TLSConfig)
	if err != nil {
		// Connection errors are temporary (network issue, server down)
		return &relay.TransportError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if t.opts.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.opts.Username, t.opts.Password)); err != nil {
			return &relay.TransportError{Err: fmt.Errorf("failed to authenticate: %w", err), Permanent: isPermanent(err)}
		}
	}

	from := msg.From
	if from == "" {
		from = t.opts.Sender
	}
	if err := c.Mail(from, nil); err != nil {
		return &relay.TransportError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: isPermanent(err)}
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &relay.TransportError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: isPermanent(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &relay.TransportError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: isPermanent(err)}
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return &relay.TransportError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &relay.TransportError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: isPermanent(err)}
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted at this point.
		slog.Warn("failed to send QUIT", "addr", t.opts.Addr, "error", err)
	}
	return nil
}

// isPermanent reports whether err is a 5xx SMTP reply.
func isPermanent(err error) bool {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}
