package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/tick-relay/internal/version"
)

// retryPolicy bounds doWithRetry. attempts counts retries after the first try.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

// Client talks to the upstream REST API on behalf of the passthrough and
// snapshot routes. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	header     http.Header // Sent on every request
	httpClient *http.Client
	logger     *slog.Logger
	retry      retryPolicy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient returns a client for the API rooted at baseURL. An empty apiKey
// sends requests unauthenticated.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		retry:      retryPolicy{attempts: 3, backoff: time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.header = http.Header{}
	c.header.Set("Accept", "application/json")
	c.header.Set("User-Agent", "tick-relay/"+version.Version)
	if c.apiKey != "" {
		c.header.Set("Authorization", "Token "+c.apiKey)
	}
	return c
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets how many times a 5xx or 429 response is retried and the
// initial backoff, which doubles per attempt.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.retry = retryPolicy{attempts: max, backoff: backoff}
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the transport client. Apply it before WithTimeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
