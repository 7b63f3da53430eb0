package connection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rickgao/tick-relay/internal/metrics"
	"github.com/rickgao/tick-relay/internal/model"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrStaleConnection  = errors.New("connection stale (no frames)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrNoFeeds          = errors.New("no feeds configured")
)

// ConnectionError reports a failure to establish a feed session.
type ConnectionError struct {
	Feed string
	Op   string // "dial" or "subscribe"
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed %s: %s: %v", e.Feed, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SubscribeDirective is the first message sent after the handshake.
type SubscribeDirective struct {
	EventName     string        `json:"eventName"`
	Authorization string        `json:"authorization"`
	EventData     SubscribeData `json:"eventData"`
}

// SubscribeData selects instruments and the quote threshold level.
type SubscribeData struct {
	Tickers        []string `json:"tickers"`
	ThresholdLevel int      `json:"thresholdLevel,omitempty"`
}

// NewSubscribeDirective builds a subscribe directive. No tickers means all
// instruments.
func NewSubscribeDirective(apiKey string, tickers []string, thresholdLevel int) SubscribeDirective {
	syms := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if s := model.NormalizeSymbol(t); s != "" {
			syms = append(syms, s)
		}
	}
	if len(syms) == 0 {
		syms = []string{model.Wildcard}
	}

	return SubscribeDirective{
		EventName:     "subscribe",
		Authorization: apiKey,
		EventData: SubscribeData{
			Tickers:        syms,
			ThresholdLevel: thresholdLevel,
		},
	}
}

// ClientConfig configures a feed client.
type ClientConfig struct {
	Name             string        // Feed name (e.g., "fx", "crypto")
	URL              string        // Websocket URL (e.g., wss://api.tiingo.com/fx)
	APIKey           string        // Sent in the subscribe directive
	Tickers          []string      // Instruments to subscribe to (empty = all)
	ThresholdLevel   int           // Upstream quote filtering level (0 = omit)
	PingInterval     time.Duration // Keepalive ping interval
	ReadTimeout      time.Duration // Max silence before the connection is stale
	WriteTimeout     time.Duration // Write deadline for directives and pings
	HandshakeTimeout time.Duration // Websocket handshake timeout
	MaxFrameBytes    int64         // Frames larger than this end the session
	BufferSize       int           // Events channel buffer size

	Metrics *metrics.Metrics // Optional
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxFrameBytes:    1 << 20,
		BufferSize:       1000,
	}
}

// withDefaults fills zero fields from DefaultClientConfig.
func (c ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.Name == "" {
		c.Name = feedNameFromURL(c.URL)
	}
	return c
}

// feedNameFromURL uses the last path segment, so wss://host/fx names "fx".
func feedNameFromURL(url string) string {
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndex(url, "/"); i >= 0 && i < len(url)-1 {
		return url[i+1:]
	}
	return url
}

// ClientStats holds per-client counters.
type ClientStats struct {
	Frames          int64
	Quotes          int64
	Aggregates      int64
	Heartbeats      int64
	Infos           int64
	Errors          int64
	DecodeErrors    int64
	LastFrameAt     time.Time
	LastHeartbeatAt time.Time
}

// ManagerConfig configures the feed Manager.
type ManagerConfig struct {
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection

	Metrics *metrics.Metrics // Optional
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
	}
}

// FeedStats describes one supervised feed.
type FeedStats struct {
	Name            string
	Connected       bool
	Reconnects      int64
	LastError       string
	LastConnectedAt time.Time
	Client          ClientStats
}

// ManagerStats provides statistics about the feed manager.
type ManagerStats struct {
	ConnectedCount int
	Feeds          []FeedStats
}
