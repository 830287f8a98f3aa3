package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sweeney/player-mqtt/internal/state"
)

// DefaultBaseURL is the player cloud REST API.
const DefaultBaseURL = "https://api.yotoplay.com"

const maxBody = 1 << 20

// TokenSource supplies the bearer token for each request. Obtaining and
// refreshing it is the caller's business.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("poll: no token")
	}
	return string(t), nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

// Client pulls status and config snapshots from the REST API and
// implements Poller.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

// NewClient returns a Client. Empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

// Poll fetches the status and config of deviceID.
func (c *Client) Poll(ctx context.Context, deviceID string) (Result, error) {
	var res Result

	body, err := c.get(ctx, deviceID, "status")
	if err != nil {
		return res, err
	}
	if res.Status, err = state.DecodeStatus(body); err != nil {
		return res, fmt.Errorf("decoding status of %s: %w", deviceID, err)
	}

	body, err = c.get(ctx, deviceID, "config")
	if err != nil {
		return res, err
	}
	if res.Config, err = state.DecodeConfig(body); err != nil {
		return res, fmt.Errorf("decoding config of %s: %w", deviceID, err)
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, deviceID, resource string) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}

	u := fmt.Sprintf("%s/device-v2/%s/%s", c.baseURL, url.PathEscape(deviceID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, &StatusError{URL: u, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u, err)
	}
	return body, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
