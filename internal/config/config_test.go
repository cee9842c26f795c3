package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
exchange:
  ws_url: wss://api.whitebit.com/ws
sink:
  base_url: http://trader.internal:8080
server:
  port: 3000
`

func TestLoadAndValidateMinimal(t *testing.T) {
	cfg, err := LoadAndValidate(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadAndValidate: %v", err)
	}

	if cfg.Exchange.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want default %v", cfg.Exchange.PingInterval, DefaultPingInterval)
	}
	if cfg.Sink.MaxRetries != DefaultSinkMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", cfg.Sink.MaxRetries, DefaultSinkMaxRetries)
	}
	if cfg.Database.Enabled() {
		t.Error("database should be disabled when host is absent")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("RELAY_WS_URL", "wss://api.whitebit.com/ws")

	cfg, err := Load(writeConfig(t, `
exchange:
  ws_url: ${RELAY_WS_URL}
sink:
  base_url: http://trader.internal:8080
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange.WSURL != "wss://api.whitebit.com/ws" {
		t.Errorf("WSURL = %q, env var not expanded", cfg.Exchange.WSURL)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RelayConfig)
		wantSub string
	}{
		{
			name:    "missing ws url",
			mutate:  func(c *RelayConfig) { c.Exchange.WSURL = "" },
			wantSub: "exchange.ws_url is required",
		},
		{
			name:    "http scheme rejected",
			mutate:  func(c *RelayConfig) { c.Exchange.WSURL = "https://api.whitebit.com" },
			wantSub: "ws:// or wss://",
		},
		{
			name:    "missing sink",
			mutate:  func(c *RelayConfig) { c.Sink.BaseURL = "" },
			wantSub: "sink.base_url is required",
		},
		{
			name:    "bad port",
			mutate:  func(c *RelayConfig) { c.Server.Port = 70000 },
			wantSub: "server.port",
		},
		{
			name: "backoff inversion",
			mutate: func(c *RelayConfig) {
				c.Exchange.ReconnectBaseDelay = time.Minute
				c.Exchange.ReconnectMaxDelay = time.Second
			},
			wantSub: "reconnect_base_delay",
		},
		{
			name: "db host without credentials",
			mutate: func(c *RelayConfig) {
				c.Database.Host = "localhost"
				c.Database.MaxConns = 5
			},
			wantSub: "database.name is required",
		},
		{
			name: "invalid seed market",
			mutate: func(c *RelayConfig) {
				c.Accounts = []AccountSeed{{ID: 1, Markets: []string{"BTCUSDT"}}}
			},
			wantSub: "invalid market symbol",
		},
		{
			name: "non-positive seed account",
			mutate: func(c *RelayConfig) {
				c.Accounts = []AccountSeed{{ID: 0, Markets: []string{"BTC_USDT"}}}
			},
			wantSub: "id must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithDefaults(writeConfig(t, minimalConfig))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of missing file should error")
	}
}
