package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/akapranchikova/x.400/internal/gateway"
)

// printer writes gateway events to the command output in a readable form.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

// Print writes one event. Write errors are ignored; the output is advisory.
func (p *printer) Print(e gateway.Event) {
	var b strings.Builder

	b.WriteString("========================================\n")
	switch e := e.(type) {
	case gateway.OutboundQueued:
		b.WriteString("Event: outbound queued\n")
		b.WriteString(fmt.Sprintf("Message-ID: %s\n", e.Result.MessageID))
		b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(e.Result.Recipients, ", ")))
		b.WriteString(fmt.Sprintf("Accepted: %t\n", e.Result.Accepted))
		for _, w := range e.Result.Warnings {
			b.WriteString(fmt.Sprintf("Warning: %s\n", w))
		}
	case gateway.InboundReady:
		b.WriteString(fmt.Sprintf("Event: inbound ready (%d)\n", len(e.Messages)))
		for _, m := range e.Messages {
			b.WriteString(fmt.Sprintf("- %s from %s: %s (%s)\n", m.UID, m.From, m.Subject, formatSize(len(m.Raw))))
		}
	case gateway.ReportMapped:
		b.WriteString("Event: report mapped\n")
		b.WriteString(fmt.Sprintf("Correlation-ID: %s\n", e.Report.CorrelationID))
		b.WriteString(fmt.Sprintf("Status: %s\n", e.Report.Status))
	default:
		b.WriteString(fmt.Sprintf("Event: %T\n", e))
	}
	b.WriteString("========================================\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, b.String())
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
