package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	API         APIConfig         `yaml:"api"`
	Feeds       []FeedConfig      `yaml:"feeds"`
	Connections ConnectionsConfig `yaml:"connections"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Registry    RegistryConfig    `yaml:"registry"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Writers     WritersConfig     `yaml:"writers"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// APIConfig holds upstream API settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	APIKey     string        `yaml:"api_key"` // Used for REST and as the default feed credential
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// FeedConfig is one upstream websocket feed.
type FeedConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	APIKey         string   `yaml:"api_key"` // Overrides api.api_key
	Tickers        []string `yaml:"tickers"` // Empty = all
	ThresholdLevel int      `yaml:"threshold_level"`
}

// ConnectionsConfig holds upstream connection settings shared by all feeds.
type ConnectionsConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	MaxFrameBytes      int64         `yaml:"max_frame_bytes"`
	BufferSize         int           `yaml:"buffer_size"`
}

// BroadcastConfig holds fan-out settings.
type BroadcastConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// RegistryConfig holds subscriber registry settings.
type RegistryConfig struct {
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// ServerConfig holds downstream HTTP settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	MaxSubscribers  int           `yaml:"max_subscribers"` // 0 = unlimited
	Debug           bool          `yaml:"debug"`
}

// DatabaseConfig holds the optional session journal database.
type DatabaseConfig struct {
	Journal DBConfig `yaml:"journal"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured. The journal is optional.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Format string `yaml:"format"` // "text" or "json"
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
}
