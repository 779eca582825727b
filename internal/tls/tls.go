// Package tls builds the TLS configurations used by the relay and mailbox
// transports.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ClientOptions describes how a transport connects to a remote mail server.
type ClientOptions struct {
	ServerName         string
	InsecureSkipVerify bool
	// CertFile and KeyFile enable a client certificate (mTLS).
	CertFile string
	KeyFile  string
	// CAFile replaces the system roots with the PEM bundle it holds.
	CAFile string
}

// ClientConfig returns a tls.Config for connecting to a relay or mailbox
// server. TLS 1.2 is the minimum and renegotiation is refused.
func ClientConfig(opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, errors.New("client certificate requires both cert_file and key_file")
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if opts.CAFile != "" {
		data, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
