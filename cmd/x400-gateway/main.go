// Package main is the entry point for the X.400 gateway command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/akapranchikova/x.400/internal/config"
	"github.com/akapranchikova/x.400/internal/gateway"
)

const usage = `usage: x400-gateway [-config file] <command> [arguments]

commands:
  map "C=DE;O=Org;S=Name"          translate an O/R address to RFC822
  reverse user@host                translate an RFC822 address to O/R
  send -from OR -to OR [-to OR] -subject s -body b
                                   relay an outbound message
  enqueue                          append the RFC822 message on stdin to the mailbox
  fetch [-limit n]                 fetch inbound messages
  dsn -id ID                       translate the DSN payload on stdin
  mdn -id ID                       translate the MDN payload on stdin
  report [-id ID]                  translate the multipart/report message on stdin
  poll                             poll the mailbox until interrupted

enqueue and fetch share messages across invocations only with imap.transport
set to imap; the memory mailbox lasts as long as one process.
`

func main() {
	configPath := flag.String("config", "", "path to YAML or TOML configuration file (optional)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize gateway", "error", err)
		os.Exit(1)
	}

	if err := a.run(ctx, flag.Args(), os.Stdin, os.Stdout); err != nil {
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(os.Stderr, err)
			flag.Usage()
			os.Exit(2)
		}
		slog.Error("command failed", "command", flag.Arg(0), "error", err, "code", gateway.Code(err))
		os.Exit(1)
	}
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. Logs go to stderr so command output stays on stdout.
func setupLogger(level string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
