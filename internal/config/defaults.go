package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultAuthTimeout        = 10 * time.Second
	DefaultPingInterval       = 25 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultReadBufferSize     = 1000
	DefaultSinkTimeout        = 30 * time.Second
	DefaultSinkMaxRetries     = 3
	DefaultSinkRetryBackoff   = time.Second
	DefaultForwardQueueSize   = 1000
	DefaultServerPort         = 3000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultDBMaxConns         = 10
	DefaultDBMinConns         = 2
)

func (c *RelayConfig) applyDefaults() {
	// Exchange defaults
	if c.Exchange.HandshakeTimeout == 0 {
		c.Exchange.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Exchange.AuthTimeout == 0 {
		c.Exchange.AuthTimeout = DefaultAuthTimeout
	}
	if c.Exchange.PingInterval == 0 {
		c.Exchange.PingInterval = DefaultPingInterval
	}
	if c.Exchange.ReconnectBaseDelay == 0 {
		c.Exchange.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Exchange.ReconnectMaxDelay == 0 {
		c.Exchange.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Exchange.WriteTimeout == 0 {
		c.Exchange.WriteTimeout = DefaultWriteTimeout
	}
	if c.Exchange.ReadBufferSize == 0 {
		c.Exchange.ReadBufferSize = DefaultReadBufferSize
	}

	// Sink defaults
	if c.Sink.Timeout == 0 {
		c.Sink.Timeout = DefaultSinkTimeout
	}
	if c.Sink.MaxRetries == 0 {
		c.Sink.MaxRetries = DefaultSinkMaxRetries
	}
	if c.Sink.RetryBackoff == 0 {
		c.Sink.RetryBackoff = DefaultSinkRetryBackoff
	}
	if c.Sink.QueueSize == 0 {
		c.Sink.QueueSize = DefaultForwardQueueSize
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}

	// Database defaults (only when a store is configured)
	if c.Database.Enabled() {
		if c.Database.Port == 0 {
			c.Database.Port = DefaultDBPort
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = DefaultDBSSLMode
		}
		if c.Database.MaxConns == 0 {
			c.Database.MaxConns = DefaultDBMaxConns
		}
		if c.Database.MinConns == 0 {
			c.Database.MinConns = DefaultDBMinConns
		}
	}
}
