package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL            = "https://api.tiingo.com"
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultReadTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultMaxFrameBytes      = 1 << 20
	DefaultFeedBufferSize     = 1000
	DefaultBroadcastBatchSize = 50
	DefaultConcurrency        = 100
	DefaultSendTimeout        = 5 * time.Second
	DefaultCloseTimeout       = 1 * time.Second
	DefaultServerAddr         = ":8080"
	DefaultServerWriteTimeout = 10 * time.Second
	DefaultServerPingInterval = 30 * time.Second
	DefaultPongWait           = 60 * time.Second
	DefaultMaxMessageBytes    = 4096
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 10000
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogFormat          = "text"
	DefaultLogLevel           = "info"
)

func (c *RelayConfig) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Feeds inherit the shared API key
	for i := range c.Feeds {
		if c.Feeds[i].APIKey == "" {
			c.Feeds[i].APIKey = c.API.APIKey
		}
	}

	// Database defaults
	if c.Database.Journal.Enabled() {
		applyDBDefaults(&c.Database.Journal)
	}

	// Connections defaults
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connections.PingInterval == 0 {
		c.Connections.PingInterval = DefaultPingInterval
	}
	if c.Connections.ReadTimeout == 0 {
		c.Connections.ReadTimeout = DefaultReadTimeout
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.HandshakeTimeout == 0 {
		c.Connections.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connections.MaxFrameBytes == 0 {
		c.Connections.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Connections.BufferSize == 0 {
		c.Connections.BufferSize = DefaultFeedBufferSize
	}

	// Broadcast defaults
	if c.Broadcast.BatchSize == 0 {
		c.Broadcast.BatchSize = DefaultBroadcastBatchSize
	}
	if c.Broadcast.Concurrency == 0 {
		c.Broadcast.Concurrency = DefaultConcurrency
	}
	if c.Broadcast.SendTimeout == 0 {
		c.Broadcast.SendTimeout = DefaultSendTimeout
	}

	// Registry defaults
	if c.Registry.CloseTimeout == 0 {
		c.Registry.CloseTimeout = DefaultCloseTimeout
	}

	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultServerPingInterval
	}
	if c.Server.PongWait == 0 {
		c.Server.PongWait = DefaultPongWait
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = DefaultMaxMessageBytes
	}

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
