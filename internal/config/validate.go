package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if len(c.Feeds) == 0 {
		return errors.New("at least one feed is required")
	}
	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if err := f.validate(fmt.Sprintf("feeds[%d]", i)); err != nil {
			return err
		}
		if seen[f.Name] {
			return fmt.Errorf("feeds[%d].name %q is duplicated", i, f.Name)
		}
		seen[f.Name] = true
	}

	if c.Connections.ReconnectMaxDelay < c.Connections.ReconnectBaseDelay {
		return errors.New("connections.reconnect_max_delay must be >= reconnect_base_delay")
	}
	if c.Connections.MaxFrameBytes < 1 {
		return errors.New("connections.max_frame_bytes must be >= 1")
	}
	if c.Connections.BufferSize < 1 {
		return errors.New("connections.buffer_size must be >= 1")
	}

	if c.Broadcast.BatchSize < 1 {
		return errors.New("broadcast.batch_size must be >= 1")
	}
	if c.Broadcast.Concurrency < 1 {
		return errors.New("broadcast.concurrency must be >= 1")
	}
	if c.Broadcast.SendTimeout <= 0 {
		return errors.New("broadcast.send_timeout must be > 0")
	}

	if c.Server.MaxSubscribers < 0 {
		return errors.New("server.max_subscribers must be >= 0")
	}

	if c.Database.Journal.Enabled() {
		if err := c.Database.Journal.validate("database.journal"); err != nil {
			return err
		}
		if c.Writers.BatchSize < 1 {
			return errors.New("writers.batch_size must be >= 1")
		}
		if c.Writers.BufferSize < 1 {
			return errors.New("writers.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}

func (f *FeedConfig) validate(prefix string) error {
	if f.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if f.URL == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("%s.url: %w", prefix, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s.url must use ws or wss, got %q", prefix, u.Scheme)
	}
	if f.APIKey == "" {
		return fmt.Errorf("%s.api_key is required (set api.api_key or the feed's own)", prefix)
	}
	if f.ThresholdLevel < 0 {
		return fmt.Errorf("%s.threshold_level must be >= 0", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
