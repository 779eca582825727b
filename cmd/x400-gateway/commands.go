package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akapranchikova/x.400/internal/address"
	"github.com/akapranchikova/x.400/internal/config"
	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/gateway"
	"github.com/akapranchikova/x.400/internal/parser"
)

// usageError reports a malformed command line.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (a *app) run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return usagef("missing command")
	}
	p := newPrinter(stdout)
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "map":
		if len(rest) != 1 {
			return usagef("map takes exactly one O/R address")
		}
		addr, err := address.ParseORString(rest[0])
		if err != nil {
			return err
		}
		rfc822, err := a.adapter.Mapper().MapORToRFC822(addr)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, rfc822)
		return nil

	case "reverse":
		if len(rest) != 1 {
			return usagef("reverse takes exactly one RFC822 address")
		}
		addr, err := a.adapter.MapSender(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, addr.ORString())
		return nil

	case "send":
		return a.send(ctx, rest, p)

	case "enqueue":
		return a.enqueue(ctx, stdin, stdout)

	case "fetch":
		fs := newFlagSet(cmd)
		limit := fs.Int("limit", 10, "maximum number of messages to fetch")
		if err := fs.Parse(rest); err != nil {
			return usagef("%v", err)
		}
		ready, err := a.adapter.Inbound(ctx, *limit)
		if err != nil {
			return err
		}
		p.Print(ready)
		if len(ready.Messages) == 0 {
			a.memoryMailboxHint(stdout)
		}
		return nil

	case "dsn", "mdn", "report":
		fs := newFlagSet(cmd)
		id := fs.String("id", "", "correlation id")
		if err := fs.Parse(rest); err != nil {
			return usagef("%v", err)
		}
		if cmd != "report" && *id == "" {
			return usagef("%s requires -id", cmd)
		}
		payload, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		var event gateway.ReportMapped
		switch cmd {
		case "dsn":
			event = a.adapter.HandleDSN(string(payload), *id)
		case "mdn":
			event = a.adapter.HandleMDN(string(payload), *id)
		default:
			event, err = a.adapter.HandleReport(payload, *id)
			if err != nil {
				return err
			}
		}
		p.Print(event)
		return nil

	case "poll":
		return a.poll(ctx, p)

	default:
		return usagef("unknown command %q", cmd)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (a *app) send(ctx context.Context, args []string, p *printer) error {
	fs := newFlagSet("send")
	from := fs.String("from", "", "originator O/R address")
	var to stringList
	fs.Var(&to, "to", "recipient O/R address (repeatable)")
	subject := fs.String("subject", "", "message subject")
	body := fs.String("body", "", "message body")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	if len(to) == 0 {
		return usagef("send requires at least one -to")
	}

	var originator address.Address
	if *from != "" {
		addr, err := address.ParseORString(*from)
		if err != nil {
			return fmt.Errorf("originator: %w", err)
		}
		originator = addr
	}

	recipients := make([]address.Address, 0, len(to))
	for _, r := range to {
		addr, err := address.ParseORString(r)
		if err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
		recipients = append(recipients, addr)
	}

	res, err := a.adapter.Outbound(ctx, originator, recipients, *subject, *body)
	if err != nil {
		return err
	}
	p.Print(gateway.OutboundQueued{Result: *res})
	return nil
}

func (a *app) enqueue(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	if len(raw) == 0 {
		return errors.New("empty message on stdin")
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return err
	}
	if err := a.mailbox.Enqueue(ctx, email.InboundMessage{
		Subject: msg.Subject,
		From:    msg.From,
		Raw:     string(raw),
	}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "enqueued message from %s (%s)\n", msg.From, formatSize(len(raw)))
	a.memoryMailboxHint(stdout)
	return nil
}

const memoryHint = "note: the memory mailbox is discarded when this process exits; set imap.transport to imap to keep messages between commands"

// memoryMailboxHint tells the user that enqueue and fetch do not share state
// across invocations when the mailbox is in-memory.
func (a *app) memoryMailboxHint(w io.Writer) {
	switch a.cfg.IMAP.Transport {
	case config.TransportMemory, "":
		fmt.Fprintln(w, memoryHint)
	}
}

func (a *app) poll(ctx context.Context, p *printer) error {
	if a.cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("serving metrics", "listen", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	poller := gateway.NewPoller(a.adapter, a.cfg.Poll.Interval, a.cfg.Poll.BatchSize, p.Print)
	return poller.Run(ctx)
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
