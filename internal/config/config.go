package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Sink     SinkConfig     `yaml:"sink"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Accounts []AccountSeed  `yaml:"accounts"`
}

// ExchangeConfig holds the upstream realtime endpoint settings.
type ExchangeConfig struct {
	WSURL              string        `yaml:"ws_url"`              // wss:// endpoint of the exchange
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`   // Dial + upgrade deadline
	AuthTimeout        time.Duration `yaml:"auth_timeout"`        // Wait for authorize acknowledgment
	PingInterval       time.Duration `yaml:"ping_interval"`       // Keep-alive cadence while Active
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ReadBufferSize     int           `yaml:"read_buffer_size"` // Inbound message channel depth
}

// SinkConfig holds the downstream HTTP sink and auth-service settings.
// Both live on the same backend host in the reference deployment.
type SinkConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	QueueSize    int           `yaml:"queue_size"` // Per-account forward queue depth
}

// ServerConfig holds the control API listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds the optional tracking-store connection.
// When Host is empty the relay runs purely in memory.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a tracking store is configured.
func (db DatabaseConfig) Enabled() bool {
	return db.Host != ""
}

// AccountSeed statically configures an account to track at startup.
type AccountSeed struct {
	ID      int64    `yaml:"id"`
	Markets []string `yaml:"markets"`
}
