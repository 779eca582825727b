// Package ses implements a relay that sends messages via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/metrics"
	"github.com/akapranchikova/x.400/internal/relay"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	// TLSEnabled and AllowList feed the same policy gate as every other relay.
	TLSEnabled bool
	AllowList  []string
	// Signer switches the transport to raw messages carrying a DKIM signature.
	Signer *relay.Signer
}

// Transport sends messages via the AWS SES v2 API.
type Transport struct {
	sender     string
	signer     *relay.Signer
	client     SendEmailAPI
	gate       *relay.Gate
	retryDelay time.Duration
	now        func() time.Time
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Transport with an SES client built from cfg.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(cfg Config, client SendEmailAPI) *Transport {
	return &Transport{
		sender:     cfg.Sender,
		signer:     cfg.Signer,
		client:     client,
		gate:       relay.NewGate("ses", cfg.TLSEnabled, cfg.AllowList),
		retryDelay: baseRetryDelay,
		now:        time.Now,
	}
}

// Send delivers a message via AWS SES v2. Messages are sent in the SES
// simple format unless a DKIM signer is configured, in which case the signed
// RFC 5322 rendering is sent raw. Transient API errors are retried with
// exponential backoff; a failed delivery releases its history slot.
func (s *Transport) Send(ctx context.Context, msg *email.Message) (*email.SendOutcome, error) {
	slot, err := s.gate.Admit(msg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	messageID, err := s.send(ctx, msg)
	metrics.RelaySendDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		s.gate.History.Release(slot)
		return nil, err
	}

	slog.Info("message relayed",
		"relay", s.Name(),
		"message_id", msg.ID,
		"ses_message_id", messageID,
		"recipients", len(msg.To),
	)
	return &email.SendOutcome{Accepted: true, MessageID: msg.ID}, nil
}

func (s *Transport) send(ctx context.Context, msg *email.Message) (string, error) {
	input, err := s.buildInput(msg)
	if err != nil {
		return "", &relay.TransportError{Err: err, Permanent: true}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			delay := backoffDelay(s.retryDelay, attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return "", &relay.TransportError{Err: fmt.Errorf("context cancelled during retry wait: %w", err)}
			}
		}

		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return aws.ToString(out.MessageId), nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
		if isClientFault(err) {
			return "", &relay.TransportError{Err: fmt.Errorf("SES rejected message: %w", err), Permanent: true}
		}
	}

	return "", &relay.TransportError{Err: fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)}
}

// Delivered returns a snapshot of the messages SES accepted.
func (s *Transport) Delivered() []email.Message {
	return s.gate.History.Snapshot()
}

// Name returns the relay name.
func (s *Transport) Name() string {
	return "ses"
}

func (s *Transport) buildInput(msg *email.Message) (*sesv2.SendEmailInput, error) {
	if s.signer == nil {
		return buildSimpleInput(s.sender, msg), nil
	}

	raw, err := relay.Render(msg, s.sender, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}
	if raw, err = s.signer.Sign(raw); err != nil {
		return nil, err
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(originator(s.sender, msg)),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}, nil
}

// buildSimpleInput creates a SES SendEmailInput in the simple format.
func buildSimpleInput(sender string, msg *email.Message) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(originator(sender, msg)),
		Destination: &types.Destination{
			ToAddresses: msg.To,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(msg.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}

func originator(sender string, msg *email.Message) string {
	if msg.From != "" {
		return msg.From
	}
	return sender
}

// isClientFault reports whether SES rejected the request itself, which no
// retry can fix.
func isClientFault(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
