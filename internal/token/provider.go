// Package token fetches short-lived realtime session tokens from the
// trading backend. The provider never caches: tokens expire quickly and
// refresh policy belongs to the session that owns the connection.
package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// ErrUnknownAccount indicates the auth service has no record of the account.
var ErrUnknownAccount = errors.New("account unknown to auth service")

// AuthError represents a failed token fetch that is not an unknown account.
type AuthError struct {
	AccountID  int64
	StatusCode int // 0 when the request never reached the service
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch token for account %d: %v", e.AccountID, e.Err)
	}
	return fmt.Sprintf("fetch token for account %d: status %d", e.AccountID, e.StatusCode)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsRetryable reports whether a later fetch may succeed. Network errors and
// 5xx responses are transient; a definitive 4xx rejection is not.
func (e *AuthError) IsRetryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Provider fetches realtime tokens for accounts.
type Provider interface {
	// Fetch obtains a fresh token for the account. Returns ErrUnknownAccount
	// (wrapped) when the auth service answers 404, *AuthError otherwise.
	Fetch(ctx context.Context, accountID int64) (string, error)
}

// Client is the HTTP implementation of Provider against the trading backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a token provider client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Fetch obtains a fresh realtime token for the account.
func (c *Client) Fetch(ctx context.Context, accountID int64) (string, error) {
	url := fmt.Sprintf("%s/api/accounts/%d/getWsToken", c.baseURL, accountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &AuthError{AccountID: accountID, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{AccountID: accountID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("account %d: %w", accountID, ErrUnknownAccount)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{AccountID: accountID, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthError{AccountID: accountID, Err: fmt.Errorf("read response: %w", err)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &AuthError{AccountID: accountID, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if tr.Token == "" {
		return "", &AuthError{AccountID: accountID, Err: errors.New("empty token in response")}
	}

	c.logger.Debug("fetched realtime token", "account_id", accountID)
	return tr.Token, nil
}
