// Package imap implements a mailbox backed by a real IMAP server.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/parser"
)

// Options holds the settings for creating a Transport.
type Options struct {
	Addr     string
	Username string
	Password string
	Mailbox  string
	// TLS selects implicit TLS; otherwise the connection is upgraded with STARTTLS.
	TLS       bool
	TLSConfig *tls.Config
}

// session is the subset of IMAP operations the transport relies on.
type session interface {
	Select(mailbox string) error
	SearchUndeleted() ([]imap.UID, error)
	FetchRaw(uids []imap.UID) (map[imap.UID][]byte, error)
	MarkDeleted(uids []imap.UID) error
	Expunge() error
	Append(mailbox string, raw []byte) error
	Close() error
}

// Transport retrieves gateway mail from an IMAP mailbox. Fetched messages are
// flagged \Deleted and expunged, so each one is returned once.
type Transport struct {
	opts    Options
	connect func(ctx context.Context) (session, error)
}

// New creates an IMAP transport.
func New(opts Options) *Transport {
	t := &Transport{opts: opts}
	t.connect = t.dial
	return t
}

// Name returns the mailbox name.
func (t *Transport) Name() string {
	return "imap"
}

// Fetch removes up to limit messages from the mailbox, lowest UID first.
func (t *Transport) Fetch(ctx context.Context, limit int) ([]email.InboundMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	s, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Select(t.opts.Mailbox); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", t.opts.Mailbox, err)
	}

	uids, err := s.SearchUndeleted()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	slices.Sort(uids)
	if len(uids) > limit {
		uids = uids[:limit]
	}

	bodies, err := s.FetchRaw(uids)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	out := make([]email.InboundMessage, 0, len(uids))
	fetched := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		raw, ok := bodies[uid]
		if !ok {
			continue
		}
		msg := email.InboundMessage{
			UID: strconv.FormatUint(uint64(uid), 10),
			Raw: string(raw),
		}
		if parsed, err := parser.Parse(raw); err == nil {
			msg.Subject = parsed.Subject
			msg.From = parsed.From
		} else {
			slog.Warn("failed to parse fetched message", "uid", uid, "error", err)
		}
		out = append(out, msg)
		fetched = append(fetched, uid)
	}

	if len(fetched) > 0 {
		if err := s.MarkDeleted(fetched); err != nil {
			return nil, fmt.Errorf("flagging fetched messages: %w", err)
		}
		if err := s.Expunge(); err != nil {
			return nil, fmt.Errorf("expunging fetched messages: %w", err)
		}
	}

	slog.Debug("fetched messages", "mailbox", t.opts.Mailbox, "count", len(out))
	return out, nil
}

// Enqueue appends the raw form of msg to the mailbox.
func (t *Transport) Enqueue(ctx context.Context, msg email.InboundMessage) error {
	s, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Append(t.opts.Mailbox, []byte(msg.Raw)); err != nil {
		return fmt.Errorf("appending to %s: %w", t.opts.Mailbox, err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := &imapclient.Options{TLSConfig: t.opts.TLSConfig}

	var client *imapclient.Client
	var err error
	if t.opts.TLS {
		client, err = imapclient.DialTLS(t.opts.Addr, options)
	} else {
		client, err = imapclient.DialStartTLS(t.opts.Addr, options)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", t.opts.Addr, err)
	}

	if err := client.Login(t.opts.Username, t.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("authentication failed for %s: %w", t.opts.Username, err)
	}

	return &clientSession{
		client: client,
		stop:   context.AfterFunc(ctx, func() { client.Close() }),
	}, nil
}

// clientSession adapts imapclient.Client to session.
type clientSession struct {
	client *imapclient.Client
	stop   func() bool
}

func (s *clientSession) Select(mailbox string) error {
	_, err := s.client.Select(mailbox, nil).Wait()
	return err
}

func (s *clientSession) SearchUndeleted() ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagDeleted},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (s *clientSession) FetchRaw(uids []imap.UID) (map[imap.UID][]byte, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	bufs, err := s.client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, err
	}

	out := make(map[imap.UID][]byte, len(bufs))
	for _, buf := range bufs {
		if raw := buf.FindBodySection(bodySection); raw != nil {
			out[buf.UID] = raw
		}
	}
	return out, nil
}

func (s *clientSession) MarkDeleted(uids []imap.UID) error {
	return s.client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
}

func (s *clientSession) Expunge() error {
	return s.client.Expunge().Close()
}

func (s *clientSession) Append(mailbox string, raw []byte) error {
	cmd := s.client.Append(mailbox, int64(len(raw)), nil)
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return err
	}
	if err := cmd.Close(); err != nil {
		return err
	}
	_, err := cmd.Wait()
	return err
}

func (s *clientSession) Close() error {
	s.stop()
	if err := s.client.Logout().Wait(); err != nil {
		_ = s.client.Close()
		return err
	}
	return s.client.Close()
}
