package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/akapranchikova/x.400/internal/report"
)

const defaultPollInterval = 30 * time.Second

// Poller periodically drains the mailbox through an Adapter. Report messages
// are translated with HandleReport; other messages have their sender mapped
// back to an O/R address. Every resulting event is passed to the handler.
type Poller struct {
	adapter   *Adapter
	interval  time.Duration
	batchSize int
	handle    func(Event)
}

// NewPoller creates a poller. A non-positive interval falls back to 30s and
// a non-positive batch size to 1.
func NewPoller(a *Adapter, interval time.Duration, batchSize int, handle func(Event)) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if handle == nil {
		handle = func(Event) {}
	}
	return &Poller{
		adapter:   a,
		interval:  interval,
		batchSize: batchSize,
		handle:    handle,
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("mailbox poller started", "interval", p.interval, "batch_size", p.batchSize)

	// Do an initial poll immediately
	p.pollLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("mailbox poller stopped")
			return nil
		case <-ticker.C:
			p.pollLogged(ctx)
		}
	}
}

func (p *Poller) pollLogged(ctx context.Context) {
	n, err := p.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("mailbox poll failed", "error", err, "code", Code(err))
		return
	}
	if n > 0 {
		slog.Info("mailbox poll complete", "messages", n)
	}
}

// Poll performs a single fetch and returns the number of messages handled.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	ready, err := p.adapter.Inbound(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(ready.Messages) == 0 {
		return 0, nil
	}
	p.handle(ready)

	for _, msg := range ready.Messages {
		mapped, err := p.adapter.HandleReport([]byte(msg.Raw), "")
		if err == nil {
			p.handle(mapped)
			continue
		}
		if !errors.Is(err, report.ErrNotReport) {
			slog.Warn("failed to translate report", "uid", msg.UID, "error", err)
			continue
		}

		if msg.From == "" {
			slog.Warn("inbound message has no sender", "uid", msg.UID)
			continue
		}
		addr, err := p.adapter.MapSender(msg.From)
		if err != nil {
			slog.Warn("failed to map inbound sender",
				"uid", msg.UID,
				"sender", msg.From,
				"code", Code(err),
			)
			continue
		}
		slog.Info("inbound message ready",
			"uid", msg.UID,
			"sender", msg.From,
			"or_address", addr.ORString(),
			"subject", msg.Subject,
		)
	}

	return len(ready.Messages), nil
}
