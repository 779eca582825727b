// Package graph implements a relay that sends messages through the Microsoft
// Graph sendMail API using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

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
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox the application sends as.
	Sender     string
	TLSEnabled bool
	AllowList  []string
}

// Transport sends messages via the Microsoft Graph API.
type Transport struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	gate       *relay.Gate
	retryDelay time.Duration
}

// New creates a Graph transport.
func New(cfg Config) *Transport {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Transport {
	return &Transport{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		gate:       relay.NewGate("msgraph", cfg.TLSEnabled, cfg.AllowList),
		retryDelay: baseRetryDelay,
	}
}

// Send checks the relay policy, reserves a history slot and submits msg.
// Transient failures are retried with exponential backoff; HTTP 429 honours
// Retry-After and HTTP 401 triggers one token refresh. A failed delivery
// releases its history slot.
func (g *Transport) Send(ctx context.Context, msg *email.Message) (*email.SendOutcome, error) {
	slot, err := g.gate.Admit(msg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = g.send(ctx, msg)
	metrics.RelaySendDuration.WithLabelValues(g.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		g.gate.History.Release(slot)
		slog.Warn("Graph delivery failed",
			"message_id", msg.ID,
			"error", err,
		)
		return nil, err
	}

	slog.Info("message delivered via Graph",
		"message_id", msg.ID,
		"recipients", len(msg.To),
	)
	return &email.SendOutcome{Accepted: true, MessageID: msg.ID}, nil
}

func (g *Transport) send(ctx context.Context, msg *email.Message) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(g.sender, msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := g.doSendRequest(ctx, bodyJSON)
		if err == nil {
			return nil
		}
		lastErr = err

		var graphErr *sendError
		if !errors.As(err, &graphErr) {
			return &relay.TransportError{Err: err}
		}

		switch {
		case graphErr.permanent:
			return &relay.TransportError{Err: graphErr, Permanent: true}
		case graphErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := g.token.ForceRefresh(ctx); refreshErr != nil {
				return &relay.TransportError{Err: fmt.Errorf("token refresh failed: %w", refreshErr)}
			}
			tokenRefreshed = true
			continue
		case graphErr.statusCode == http.StatusTooManyRequests:
			delay := g.retryAfterDelay(graphErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return &relay.TransportError{Err: fmt.Errorf("context cancelled during retry wait: %w", err)}
			}
			continue
		case graphErr.transient:
			delay := backoffDelay(g.retryDelay, attempt)
			slog.Info("transient Graph API error, retrying",
				"status", graphErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return &relay.TransportError{Err: fmt.Errorf("context cancelled during retry wait: %w", err)}
			}
			continue
		default:
			return &relay.TransportError{Err: graphErr}
		}
	}

	return &relay.TransportError{Err: fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)}
}

// Delivered returns a snapshot of the messages accepted by the relay.
func (g *Transport) Delivered() []email.Message {
	return g.gate.History.Snapshot()
}

// Name returns the relay name.
func (g *Transport) Name() string {
	return "msgraph"
}

func (g *Transport) doSendRequest(ctx context.Context, bodyJSON []byte) error {
	token, err := g.token.Token(ctx)
	if err != nil {
		var tokErr *tokenEndpointError
		if errors.As(err, &tokErr) && tokErr.rejected() {
			return &sendError{message: fmt.Sprintf("credentials rejected: %v", err), statusCode: tokErr.statusCode, permanent: true}
		}
		return &sendError{message: fmt.Sprintf("failed to get access token: %v", err), transient: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return classifyError(resp.StatusCode, graphErrResp.Error.Message, resp.Header.Get("Retry-After"))
	}

	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// sendError is a classified Graph API failure.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusBadRequest || statusCode == http.StatusForbidden:
		err.permanent = true
	case statusCode == http.StatusUnauthorized:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay falls back to exponential backoff when the Retry-After
// header is missing or not a number of seconds.
func (g *Transport) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return backoffDelay(g.retryDelay, attempt)
}

// backoffDelay doubles base for every attempt: base, 2*base, 4*base.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
