package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// graphScope requests the application permissions granted to the client.
const graphScope = "https://graph.microsoft.com/.default"

// tokenExpiryBuffer is subtracted from the advertised lifetime so a token is
// never presented just before it expires.
const tokenExpiryBuffer = 5 * time.Minute

// tokenEndpointError is a non-200 answer from the identity platform.
type tokenEndpointError struct {
	statusCode int
	body       string
}

func (e *tokenEndpointError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.statusCode, e.body)
}

// rejected reports whether the endpoint refused the client credentials
// themselves. Such an answer does not change on retry.
func (e *tokenEndpointError) rejected() bool {
	return e.statusCode == http.StatusBadRequest || e.statusCode == http.StatusUnauthorized
}

// tokenCache holds the relay's client-credentials token for one tenant.
type tokenCache struct {
	mu     sync.Mutex
	token  string
	expiry time.Time

	endpoint string
	form     url.Values
	client   *http.Client
	now      func() time.Time
}

// newTokenCache creates a cache that requests tokens from endpoint with the
// given application credentials.
func newTokenCache(endpoint, clientID, clientSecret string, client *http.Client) *tokenCache {
	return &tokenCache{
		endpoint: endpoint,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		client: client,
		now:    time.Now,
	}
}

// Token returns the cached token, requesting a new one when it is missing or
// about to expire. It is safe for concurrent use; concurrent callers share
// one request.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.token != "" && tc.now().Before(tc.expiry) {
		return tc.token, nil
	}
	return tc.fetch(ctx)
}

// ForceRefresh drops the cached token and requests a new one. The relay
// calls it once when sendMail answers 401.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.token, tc.expiry = "", time.Time{}
	return tc.fetch(ctx)
}

// fetch requires tc.mu.
func (tc *tokenCache) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.endpoint, strings.NewReader(tc.form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &tokenEndpointError{statusCode: resp.StatusCode, body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	tc.token = tr.AccessToken
	tc.expiry = tc.now().Add(lifetime - tokenExpiryBuffer)
	slog.Debug("acquired Graph access token", "lifetime", lifetime)

	return tc.token, nil
}
