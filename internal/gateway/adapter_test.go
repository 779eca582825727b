package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akapranchikova/x.400/internal/address"
	"github.com/akapranchikova/x.400/internal/config"
	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/mailbox"
	"github.com/akapranchikova/x.400/internal/metrics"
	"github.com/akapranchikova/x.400/internal/relay"
	"github.com/akapranchikova/x.400/internal/report"
)

var (
	sender   = address.Address{Country: "DE", Organization: "Org", Surname: "Sender"}
	receiver = address.Address{Country: "DE", Organization: "Org", Surname: "Receiver"}
)

type fixture struct {
	adapter *Adapter
	relay   *relay.Client
	mailbox *mailbox.Client
}

func newFixture(t *testing.T, mapper *address.Mapper, tls bool, allow ...string) fixture {
	t.Helper()
	if mapper == nil {
		mapper = address.NewMapper([]*address.Rule{address.MustRule("{S}@example.com")}, nil)
	}
	if len(allow) == 0 {
		allow = []string{"example.com"}
	}
	r := relay.NewClient(config.SMTPConfig{Host: "smtp.example.com", Port: 587, TLS: tls}, allow)
	mb := mailbox.NewClient(config.IMAPConfig{Host: "imap.example.com", Port: 993, TLS: true, Mailbox: "Inbox"})
	return fixture{
		adapter: New(mapper, r, mb, report.Mapper{}),
		relay:   r,
		mailbox: mb,
	}
}

func TestOutbound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, true)
	res, err := f.adapter.Outbound(context.Background(), sender, []address.Address{receiver}, "Hello", "Body")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "gw-5", res.MessageID)
	assert.Equal(t, []string{"receiver@example.com"}, res.Recipients)

	delivered := f.relay.Delivered()
	require.Len(t, delivered, 1)
	assert.Empty(t, delivered[0].From, "rule output is not a sender by default")
	assert.Equal(t, "Hello", delivered[0].Subject)
	assert.Equal(t, "Body", delivered[0].Body)
}

func TestOutboundMessageIDUsesByteLength(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, true)
	res, err := f.adapter.Outbound(context.Background(), sender, []address.Address{receiver}, "Grüße", "")
	require.NoError(t, err)
	assert.Equal(t, "gw-7", res.MessageID)
}

func TestOutboundUnmappedOriginator(t *testing.T) {
	t.Parallel()

	mapper := address.NewMapper(nil, map[string]string{receiver.ORString(): "receiver@example.com"})
	f := newFixture(t, mapper, true)

	_, err := f.adapter.Outbound(context.Background(), sender, []address.Address{receiver}, "Hi", "")
	require.NoError(t, err)

	delivered := f.relay.Delivered()
	require.Len(t, delivered, 1)
	assert.Empty(t, delivered[0].From)
}

func TestOutboundOriginatorPolicy(t *testing.T) {
	t.Parallel()

	rules := []*address.Rule{address.MustRule("{S}@example.com")}
	aliased := address.Address{Country: "DE", Organization: "Org", Surname: "Aliased"}
	aliases := map[string]string{aliased.ORString(): "Verified.Sender@example.com"}

	tests := []struct {
		name       string
		policy     string
		originator address.Address
		want       string
	}{
		{name: "alias default uses alias", originator: aliased, want: "Verified.Sender@example.com"},
		{name: "alias ignores rule output", policy: config.OriginatorAlias, originator: sender, want: ""},
		{name: "rule uses rule output", policy: config.OriginatorRule, originator: sender, want: "sender@example.com"},
		{name: "rule prefers alias", policy: config.OriginatorRule, originator: aliased, want: "Verified.Sender@example.com"},
		{name: "none ignores alias", policy: config.OriginatorNone, originator: aliased, want: ""},
		{name: "zero originator", policy: config.OriginatorRule, want: ""},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := relay.NewClient(config.SMTPConfig{TLS: true}, []string{"example.com"})
			mb := mailbox.NewClient(config.IMAPConfig{})
			a := New(address.NewMapper(rules, aliases), r, mb, report.Mapper{}, WithOriginator(tt.policy))

			_, err := a.Outbound(context.Background(), tt.originator, []address.Address{receiver}, "Hi", "")
			require.NoError(t, err)
			delivered := r.Delivered()
			require.Len(t, delivered, 1)
			assert.Equal(t, tt.want, delivered[0].From)
		})
	}
}

func TestOutboundRecipientMappingFails(t *testing.T) {
	t.Parallel()

	mapper := address.NewMapper(nil, map[string]string{receiver.ORString(): "receiver@example.com"})
	f := newFixture(t, mapper, true)

	unknown := address.Address{Country: "FR", Organization: "Poste", Surname: "Nobody"}
	_, err := f.adapter.Outbound(context.Background(), sender, []address.Address{receiver, unknown}, "Hi", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, address.ErrNoMatch)
	assert.Equal(t, "no_match", Code(err))
	assert.Empty(t, f.relay.Delivered())
}

func TestOutboundPolicyErrors(t *testing.T) {
	t.Parallel()

	t.Run("tls required", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil, false)
		_, err := f.adapter.Outbound(context.Background(), sender, []address.Address{receiver}, "Hi", "")
		assert.ErrorIs(t, err, relay.ErrTLSRequired)
		assert.Equal(t, "tls_required", Code(err))
	})

	t.Run("domain not allowed", func(t *testing.T) {
		t.Parallel()
		mapper := address.NewMapper([]*address.Rule{address.MustRule("{S}@other.org")}, nil)
		f := newFixture(t, mapper, true)
		_, err := f.adapter.Outbound(context.Background(), sender, []address.Address{receiver}, "Hi", "")
		require.Error(t, err)
		var dna *relay.DomainNotAllowedError
		require.True(t, errors.As(err, &dna))
		assert.Equal(t, "other.org", dna.Domain)
		assert.Equal(t, "domain_not_allowed", Code(err))
		assert.Empty(t, f.relay.Delivered())
	})

	t.Run("rate limited", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil, true)
		ctx := context.Background()
		for i := 0; i < relay.HistoryCapacity; i++ {
			_, err := f.adapter.Outbound(ctx, sender, []address.Address{receiver}, "Hi", "")
			require.NoError(t, err)
		}
		_, err := f.adapter.Outbound(ctx, sender, []address.Address{receiver}, "Hi", "")
		assert.ErrorIs(t, err, relay.ErrRateLimited)
		assert.Equal(t, "rate_limited", Code(err))
		assert.Len(t, f.relay.Delivered(), relay.HistoryCapacity)
	})
}

func TestInboundIsFIFO(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, true)
	ctx := context.Background()
	require.NoError(t, f.mailbox.Enqueue(ctx, email.InboundMessage{UID: "1", Subject: "first"}))
	require.NoError(t, f.mailbox.Enqueue(ctx, email.InboundMessage{UID: "2", Subject: "second"}))

	ready, err := f.adapter.Inbound(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ready.Messages, 1)
	assert.Equal(t, "1", ready.Messages[0].UID)

	ready, err = f.adapter.Inbound(ctx, 5)
	require.NoError(t, err)
	require.Len(t, ready.Messages, 1)
	assert.Equal(t, "2", ready.Messages[0].UID)
}

type failingMailbox struct{}

func (failingMailbox) Enqueue(context.Context, email.InboundMessage) error { return nil }
func (failingMailbox) Name() string { return "failing" }
func (failingMailbox) Fetch(context.Context, int) ([]email.InboundMessage, error) {
	return nil, fmt.Errorf("selecting Inbox: %w", errors.New("connection reset"))
}

func TestInboundMailboxFailure(t *testing.T) {
	t.Parallel()

	r := relay.NewClient(config.SMTPConfig{TLS: true}, []string{"example.com"})
	a := New(address.NewMapper(nil, nil), r, failingMailbox{}, report.Mapper{})

	_, err := a.Inbound(context.Background(), 3)
	require.Error(t, err)
	assert.Equal(t, "transport", Code(err))
	assert.Contains(t, err.Error(), "inbound")
}

func TestHandleReports(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, true)

	dsn := f.adapter.HandleDSN("Status: 2.0.0\nAction: delivered", "abc")
	assert.Equal(t, "2.0.0", dsn.Report.Status)
	assert.Equal(t, "abc", dsn.Report.CorrelationID)

	mdn := f.adapter.HandleMDN("Disposition: manual-action/MDN-sent-manually; displayed", "abc")
	assert.Equal(t, report.StatusRead, mdn.Report.Status)

	mapped, err := f.adapter.HandleReport([]byte(dsnMessage("gw-5")), "")
	require.NoError(t, err)
	assert.Equal(t, "5.1.1", mapped.Report.Status)
	assert.Equal(t, "gw-5", mapped.Report.CorrelationID)

	_, err = f.adapter.HandleReport([]byte(plainMessage("someone@example.com")), "")
	assert.ErrorIs(t, err, report.ErrNotReport)
	assert.Equal(t, "not_report", Code(err))
}

func TestReportMetricsStayBounded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, true)
	for i := 0; i < 1000; i++ {
		f.adapter.HandleDSN(fmt.Sprintf("Status: bogus-%d", i), "abc")
	}
	f.adapter.HandleDSN("Status: 4.4.7", "abc")

	// Three report kinds times seven status classes.
	assert.LessOrEqual(t, testutil.CollectAndCount(metrics.Reports), 21)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.Reports.WithLabelValues("dsn", report.StatusOther)), 1000.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.Reports.WithLabelValues("dsn", report.ClassTransient)), 1.0)
}

func TestMapSender(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, true)
	addr, err := f.adapter.MapSender("receiver@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Receiver", addr.Surname)

	_, err = f.adapter.MapSender("someone@elsewhere.org")
	assert.Equal(t, "no_match", Code(err))

	broken := address.NewMapper(nil, map[string]string{"O=Org;S=Nobody": "nobody@example.com"})
	f.adapter.SwapMapper(broken)
	_, err = f.adapter.MapSender("nobody@example.com")
	assert.ErrorIs(t, err, address.ErrAliasMissing)
	assert.Equal(t, "alias_missing", Code(err))
}

func TestSwapMapper(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, true)
	next := address.NewMapper([]*address.Rule{address.MustRule("{S}.{C}@example.com")}, nil)
	f.adapter.SwapMapper(next)
	assert.Same(t, next, f.adapter.Mapper())

	res, err := f.adapter.Outbound(context.Background(), sender, []address.Address{receiver}, "Hi", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"receiver.de@example.com"}, res.Recipients)
}

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{address.ErrNoMatch, "no_match"},
		{fmt.Errorf("wrapped: %w", address.ErrAliasMissing), "alias_missing"},
		{relay.ErrTLSRequired, "tls_required"},
		{&relay.DomainNotAllowedError{Domain: "x.org"}, "domain_not_allowed"},
		{relay.ErrRateLimited, "rate_limited"},
		{report.ErrNotReport, "not_report"},
		{&relay.TransportError{Err: errors.New("eof")}, "transport"},
		{errors.New("boom"), "internal"},
		{&Error{Op: "x", Kind: KindTransport, Err: errors.New("reset")}, "transport"},
	}
	for _, tt := range tests {
		tt := tt
		assert.Equal(t, tt.want, Code(tt.err), "Code(%v)", tt.err)
	}
}

func dsnMessage(envelopeID string) string {
	return strings.Join([]string{
		"From: MAILER-DAEMON@relay.example.com",
		"To: gateway@example.com",
		"Subject: Undeliverable",
		"Content-Type: multipart/report; report-type=delivery-status; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"Delivery failed.",
		"--b1",
		"Content-Type: message/delivery-status",
		"",
		"Reporting-MTA: dns; relay.example.com",
		"Original-Envelope-Id: " + envelopeID,
		"",
		"Final-Recipient: rfc822; nobody@example.com",
		"Action: failed",
		"Status: 5.1.1",
		"--b1--",
	}, "\r\n")
}

func plainMessage(from string) string {
	return strings.Join([]string{
		"From: " + from,
		"To: gateway@example.com",
		"Subject: Hello",
		"",
		"Hi there.",
	}, "\r\n")
}
