package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/akapranchikova/x.400/internal/address"
	"github.com/akapranchikova/x.400/internal/config"
	"github.com/akapranchikova/x.400/internal/gateway"
	"github.com/akapranchikova/x.400/internal/mailbox"
	"github.com/akapranchikova/x.400/internal/mailbox/imap"
	"github.com/akapranchikova/x.400/internal/relay"
	"github.com/akapranchikova/x.400/internal/relay/graph"
	"github.com/akapranchikova/x.400/internal/relay/ses"
	"github.com/akapranchikova/x.400/internal/relay/smtp"
	"github.com/akapranchikova/x.400/internal/report"
	gwtls "github.com/akapranchikova/x.400/internal/tls"
	"github.com/akapranchikova/x.400/internal/transport"
)

// app holds the wired gateway for one command invocation.
type app struct {
	cfg     *config.Config
	adapter *gateway.Adapter
	relay   transport.Relay
	mailbox transport.Mailbox
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	mapper, err := address.NewMapperFromTemplates(cfg.Mapping.Rules, cfg.Mapping.Aliases)
	if err != nil {
		return nil, fmt.Errorf("compiling mapping rules: %w", err)
	}
	for _, w := range mapper.AliasWarnings() {
		slog.Warn("alias table entry relies on defaults", "warning", w)
	}

	r, err := selectRelay(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mb, err := selectMailbox(cfg)
	if err != nil {
		return nil, err
	}

	slog.Info("gateway initialized",
		"relay", r.Name(),
		"mailbox", mb.Name(),
		"rules", len(cfg.Mapping.Rules),
		"aliases", len(cfg.Mapping.Aliases),
		"originator", cfg.Mapping.Originator,
		"auth_enabled", cfg.AuthEnabled(),
	)

	return &app{
		cfg:     cfg,
		adapter: gateway.New(mapper, r, mb, report.Mapper{}, gateway.WithOriginator(cfg.Mapping.Originator)),
		relay:   r,
		mailbox: mb,
	}, nil
}

// selectRelay chooses the outbound delivery backend based on configuration.
func selectRelay(ctx context.Context, cfg *config.Config) (transport.Relay, error) {
	allow := cfg.Security.DomainAllowList

	var signer *relay.Signer
	if cfg.DKIMConfigured() {
		s, err := relay.LoadSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, cfg.DKIM.KeyFile)
		if err != nil {
			return nil, err
		}
		slog.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
		signer = s
	}

	switch cfg.SMTP.Transport {
	case config.TransportSMTP:
		tlsConfig, err := gwtls.ClientConfig(gwtls.ClientOptions{
			ServerName:         cfg.SMTP.Host,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using SMTP relay", "addr", cfg.SMTP.Addr(), "starttls", cfg.SMTP.StartTLS)
		return smtp.New(smtp.Options{
			Addr:       cfg.SMTP.Addr(),
			Sender:     cfg.SMTP.Sender,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			TLSEnabled: cfg.SMTP.TLS,
			StartTLS:   cfg.SMTP.StartTLS,
			TLSConfig:  tlsConfig,
			AllowList:  allow,
			Signer:     signer,
		}), nil

	case config.TransportSES:
		if !cfg.SESConfigured() {
			return nil, errors.New("SES relay selected but SES_REGION and SES_SENDER are required")
		}
		slog.Info("using AWS SES relay",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		return ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
			TLSEnabled:      cfg.SMTP.TLS,
			AllowList:       allow,
			Signer:          signer,
		})

	case config.TransportGraph:
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph relay selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		if signer != nil {
			slog.Warn("DKIM signing is not applied by the Graph relay")
		}
		slog.Info("using Microsoft Graph relay", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
			TLSEnabled:   cfg.SMTP.TLS,
			AllowList:    allow,
		}), nil

	case config.TransportMemory, "":
		slog.Info("using in-memory relay")
		return relay.NewClient(cfg.SMTP, allow), nil

	default:
		return nil, fmt.Errorf("unknown relay transport %q", cfg.SMTP.Transport)
	}
}

// selectMailbox chooses the inbound mailbox backend based on configuration.
func selectMailbox(cfg *config.Config) (transport.Mailbox, error) {
	switch cfg.IMAP.Transport {
	case config.TransportIMAP:
		tlsConfig, err := gwtls.ClientConfig(gwtls.ClientOptions{
			ServerName:         cfg.IMAP.Host,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using IMAP mailbox", "addr", cfg.IMAP.Addr(), "mailbox", cfg.IMAP.Mailbox)
		return imap.New(imap.Options{
			Addr:      cfg.IMAP.Addr(),
			Username:  cfg.IMAP.Username,
			Password:  cfg.IMAP.Password,
			Mailbox:   cfg.IMAP.Mailbox,
			TLS:       cfg.IMAP.TLS,
			TLSConfig: tlsConfig,
		}), nil

	case config.TransportMemory, "":
		slog.Info("using in-memory mailbox")
		return mailbox.NewClient(cfg.IMAP), nil

	default:
		return nil, fmt.Errorf("unknown mailbox transport %q", cfg.IMAP.Transport)
	}
}
