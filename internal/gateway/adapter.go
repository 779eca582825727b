// Package gateway coordinates address mapping, relay delivery, mailbox
// retrieval and report translation between X.400 and Internet mail.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/akapranchikova/x.400/internal/address"
	"github.com/akapranchikova/x.400/internal/config"
	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/metrics"
	"github.com/akapranchikova/x.400/internal/report"
	"github.com/akapranchikova/x.400/internal/transport"
)

// Adapter bridges O/R messages to the relay and inbound mail back to O/R
// addresses. It is safe for concurrent use.
type Adapter struct {
	mapper     atomic.Pointer[address.Mapper]
	relay      transport.Relay
	mailbox    transport.Mailbox
	reports    report.Mapper
	originator string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithOriginator sets the originator policy, one of config.OriginatorAlias,
// config.OriginatorRule or config.OriginatorNone. The default is
// config.OriginatorAlias.
func WithOriginator(policy string) Option {
	return func(a *Adapter) {
		if policy != "" {
			a.originator = policy
		}
	}
}

// New creates an Adapter from independently constructed parts.
func New(mapper *address.Mapper, relay transport.Relay, mailbox transport.Mailbox, reports report.Mapper, opts ...Option) *Adapter {
	a := &Adapter{
		relay:      relay,
		mailbox:    mailbox,
		reports:    reports,
		originator: config.OriginatorAlias,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.mapper.Store(mapper)
	return a
}

// Mapper returns the mapper currently in use.
func (a *Adapter) Mapper() *address.Mapper {
	return a.mapper.Load()
}

// SwapMapper replaces the mapper. Operations already in flight finish with
// the mapper they started with.
func (a *Adapter) SwapMapper(m *address.Mapper) {
	a.mapper.Store(m)
	slog.Info("address mapper replaced", "rules", len(m.Rules()))
}

// Outbound maps every recipient and hands the message to the relay. The
// first recipient that cannot be mapped aborts the operation. Whether the
// originator replaces the relay's configured sender depends on the
// originator policy; an originator that cannot be used is not an error.
func (a *Adapter) Outbound(ctx context.Context, originator address.Address, recipients []address.Address, subject, body string) (*Result, error) {
	const op = "outbound"

	m := a.mapper.Load()

	mapped := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addr, err := m.MapORToRFC822(r)
		metrics.AddressMappings.WithLabelValues(metrics.DirectionOutbound, metrics.MappingResult(err)).Inc()
		if err != nil {
			e := wrap(op, fmt.Errorf("mapping recipient %s: %w", r.ORString(), err), KindInternal)
			metrics.OutboundMessages.WithLabelValues(Code(e)).Inc()
			return nil, e
		}
		mapped = append(mapped, addr)
	}

	from := a.originatorAddress(m, originator)

	msg := &email.Message{
		ID:      fmt.Sprintf("gw-%d", len(subject)),
		From:    from,
		To:      mapped,
		Subject: subject,
		Body:    body,
	}

	outcome, err := a.relay.Send(ctx, msg)
	if err != nil {
		e := wrap(op, err, KindTransport)
		metrics.OutboundMessages.WithLabelValues(Code(e)).Inc()
		return nil, e
	}
	metrics.OutboundMessages.WithLabelValues(metrics.ResultSuccess).Inc()

	return &Result{
		MessageID:  outcome.MessageID,
		Recipients: mapped,
		Accepted:   outcome.Accepted,
		Warnings:   outcome.Warnings,
	}, nil
}

// originatorAddress returns the sender address for originator, or "" to keep
// the relay's sender. Aliases are used under every policy except
// OriginatorNone; rule output only under OriginatorRule.
func (a *Adapter) originatorAddress(m *address.Mapper, originator address.Address) string {
	if originator == (address.Address{}) || a.originator == config.OriginatorNone {
		return ""
	}
	if email, ok := m.Alias(originator); ok {
		return email
	}
	if a.originator == config.OriginatorRule {
		if email, err := m.MapORToRFC822(originator); err == nil {
			return email
		}
	}
	slog.Debug("originator not used, keeping relay sender",
		"originator", originator.ORString(),
		"policy", a.originator,
	)
	return ""
}

// Inbound fetches up to limit messages from the mailbox.
func (a *Adapter) Inbound(ctx context.Context, limit int) (InboundReady, error) {
	msgs, err := a.mailbox.Fetch(ctx, limit)
	if err != nil {
		return InboundReady{}, wrap("inbound", err, KindTransport)
	}
	metrics.InboundFetched.Add(float64(len(msgs)))
	return InboundReady{Messages: msgs}, nil
}

// HandleDSN translates a delivery status notification payload.
func (a *Adapter) HandleDSN(payload, correlationID string) ReportMapped {
	r := a.reports.FromDSN(payload, correlationID)
	countReport("dsn", r)
	return ReportMapped{Report: r}
}

// HandleMDN translates a message disposition notification payload.
func (a *Adapter) HandleMDN(payload, correlationID string) ReportMapped {
	r := a.reports.FromMDN(payload, correlationID)
	countReport("mdn", r)
	return ReportMapped{Report: r}
}

// HandleReport translates a complete multipart/report message.
func (a *Adapter) HandleReport(raw []byte, correlationID string) (ReportMapped, error) {
	r, err := a.reports.FromMessage(raw, correlationID)
	if err != nil {
		return ReportMapped{}, wrap("report", err, KindInternal)
	}
	countReport("message", r)
	return ReportMapped{Report: r}, nil
}

// MapSender recovers the O/R address of an inbound sender.
func (a *Adapter) MapSender(sender string) (address.Address, error) {
	addr, err := a.mapper.Load().MapRFC822ToOR(sender)
	metrics.AddressMappings.WithLabelValues(metrics.DirectionInbound, metrics.MappingResult(err)).Inc()
	if err != nil {
		return address.Address{}, wrap("map sender", err, KindInternal)
	}
	return addr, nil
}

// countReport records r under its status class. The raw status comes from
// inbound mail and only goes to the log.
func countReport(kind string, r report.DeliveryReport) {
	class := report.StatusClass(r.Status)
	if class == report.StatusOther {
		slog.Debug("report status not recognised",
			"kind", kind,
			"status", r.Status,
			"correlation_id", r.CorrelationID,
		)
	}
	metrics.Reports.WithLabelValues(kind, class).Inc()
}
