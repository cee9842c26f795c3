package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/whitetrader/wsrelay/internal/model"
)

// Validate checks that all required fields are set and values are valid.
// A failure here must abort startup: the relay never runs half-configured.
func (c *RelayConfig) Validate() error {
	if c.Exchange.WSURL == "" {
		return errors.New("exchange.ws_url is required")
	}
	if !strings.HasPrefix(c.Exchange.WSURL, "ws://") && !strings.HasPrefix(c.Exchange.WSURL, "wss://") {
		return fmt.Errorf("exchange.ws_url must be a ws:// or wss:// URL, got %q", c.Exchange.WSURL)
	}

	if c.Sink.BaseURL == "" {
		return errors.New("sink.base_url is required")
	}
	if c.Sink.MaxRetries < 0 {
		return errors.New("sink.max_retries must be >= 0")
	}
	if c.Sink.QueueSize < 1 {
		return errors.New("sink.queue_size must be >= 1")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Exchange.ReconnectBaseDelay > c.Exchange.ReconnectMaxDelay {
		return fmt.Errorf("exchange.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Exchange.ReconnectBaseDelay, c.Exchange.ReconnectMaxDelay)
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	for _, seed := range c.Accounts {
		if seed.ID <= 0 {
			return fmt.Errorf("accounts: id must be positive, got %d", seed.ID)
		}
		for _, symbol := range seed.Markets {
			if _, err := model.ParseMarket(symbol); err != nil {
				return fmt.Errorf("accounts[%d]: %w", seed.ID, err)
			}
		}
	}

	return nil
}

func (db *DatabaseConfig) validate(prefix string) error {
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
