package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `orderflow:
  name: "TestApp"
  version: "1.0"
connection:
  url: "wss://example.com/ws"
orderbook:
  symbol: "BTCUSDT"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Orderflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Orderflow.Name)
	}
	if cfg.Orderbook.Symbol != "BTCUSDT" {
		t.Errorf("unexpected symbol: %s", cfg.Orderbook.Symbol)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Connection.HeartbeatInterval != 30*time.Second {
		t.Errorf("unexpected heartbeat interval: %v", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Connection.MaxReconnectAttempts != 5 {
		t.Errorf("unexpected max reconnect attempts: %d", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Orderbook.JumpThreshold != 2.5 {
		t.Errorf("unexpected jump threshold: %f", cfg.Orderbook.JumpThreshold)
	}
	if len(cfg.Streams) != 2 || cfg.Streams[0] != "depth" || cfg.Streams[1] != "trade" {
		t.Errorf("unexpected default streams: %v", cfg.Streams)
	}
}

func TestLoadConfigMissingSymbol(t *testing.T) {
	content := `orderflow:
  name: "TestApp"
  version: "1.0"
connection:
  url: "wss://example.com/ws"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected validation error for missing symbol")
	}
}

func TestLoadConfigUnknownStream(t *testing.T) {
	content := `orderflow:
  name: "TestApp"
  version: "1.0"
connection:
  url: "wss://example.com/ws"
orderbook:
  symbol: "BTCUSDT"
streams: ["depth", "candles"]
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected validation error for unknown stream kind")
	}
}

func TestIsProductionLike(t *testing.T) {
	cases := []struct {
		env  string
		want bool
	}{
		{EnvironmentProduction, true},
		{EnvironmentStaging, true},
		{EnvironmentDevelopment, false},
		{"anything", false},
	}
	for _, c := range cases {
		if got := IsProductionLike(c.env); got != c.want {
			t.Errorf("IsProductionLike(%q) = %v, want %v", c.env, got, c.want)
		}
	}
}
