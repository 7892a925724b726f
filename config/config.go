package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orderflow   OrderflowConfig   `yaml:"orderflow"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Orderbook   OrderbookConfig   `yaml:"orderbook"`
	Streams     []string          `yaml:"streams"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Performance PerformanceConfig `yaml:"performance"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type OrderflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ConnectionConfig struct {
	URL                   string        `yaml:"url"`
	ReconnectInterval     time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts  int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout"`
	HighLatencyThreshold  time.Duration `yaml:"high_latency_threshold"`
	MessageBufferSize     int           `yaml:"message_buffer_size"`
	EnableMessageBuffer   bool          `yaml:"enable_message_buffer"`
	BackpressureThreshold int           `yaml:"backpressure_threshold"`
	EnableBackpressure    bool          `yaml:"enable_backpressure"`
	OutboundQueueSize     int           `yaml:"outbound_queue_size"`
	SubscribeRate         float64       `yaml:"subscribe_rate"`
	SubscribeBurst        int           `yaml:"subscribe_burst"`
}

type OrderbookConfig struct {
	Symbol           string        `yaml:"symbol"`
	PriceStep        float64       `yaml:"price_step"`
	MaxLevels        int           `yaml:"max_levels"`
	MaxTradeHistory  int           `yaml:"max_trade_history"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	LevelRetention   time.Duration `yaml:"level_retention"`
	VolatilityWindow time.Duration `yaml:"volatility_window"`
	JumpWindow       int           `yaml:"jump_window"`
	JumpThreshold    float64       `yaml:"jump_threshold"`
	MomentumWindow   int           `yaml:"momentum_window"`
	ResyncOnGap      bool          `yaml:"resync_on_gap"`
	RestURL          string        `yaml:"rest_url"`
}

type ChannelsConfig struct {
	DepthBuffer  int `yaml:"depth_buffer"`
	TradeBuffer  int `yaml:"trade_buffer"`
	TickerBuffer int `yaml:"ticker_buffer"`
	StatusBuffer int `yaml:"status_buffer"`
	SubsBuffer   int `yaml:"subs_buffer"`
	ErrorBuffer  int `yaml:"error_buffer"`
	PerfBuffer   int `yaml:"perf_buffer"`
}

type PerformanceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type MetricsConfig struct {
	CloudwatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Region            string `yaml:"region"`
	Namespace         string `yaml:"namespace"`
	DashboardName     string `yaml:"dashboard_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultConnection returns the connection settings used when the
// configuration file leaves them unset.
func DefaultConnection() ConnectionConfig {
	return ConnectionConfig{
		ReconnectInterval:     time.Second,
		MaxReconnectAttempts:  5,
		HeartbeatInterval:     30 * time.Second,
		ConnectionTimeout:     10 * time.Second,
		HighLatencyThreshold:  2 * time.Second,
		MessageBufferSize:     1000,
		EnableMessageBuffer:   true,
		BackpressureThreshold: 500,
		EnableBackpressure:    true,
		OutboundQueueSize:     64,
		SubscribeRate:         4,
		SubscribeBurst:        8,
	}
}

// DefaultOrderbook returns the order book settings used when the
// configuration file leaves them unset.
func DefaultOrderbook() OrderbookConfig {
	return OrderbookConfig{
		PriceStep:        0.01,
		MaxLevels:        200,
		MaxTradeHistory:  1000,
		CleanupInterval:  30 * time.Second,
		LevelRetention:   5 * time.Minute,
		VolatilityWindow: 10 * time.Second,
		JumpWindow:       30,
		JumpThreshold:    2.5,
		MomentumWindow:   20,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Connection: DefaultConnection(),
		Orderbook:  DefaultOrderbook(),
		Channels: ChannelsConfig{
			DepthBuffer:  256,
			TradeBuffer:  256,
			TickerBuffer: 64,
			StatusBuffer: 16,
			SubsBuffer:   16,
			ErrorBuffer:  64,
			PerfBuffer:   16,
		},
		Performance: PerformanceConfig{
			Enabled:        true,
			SampleInterval: 5 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(config.Streams) == 0 {
		config.Streams = []string{"depth", "trade"}
	}

	// Override AWS region from the environment when present
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Metrics.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Orderflow.Name == "" {
		return fmt.Errorf("orderflow.name is required")
	}
	if cfg.Orderflow.Version == "" {
		return fmt.Errorf("orderflow.version is required")
	}

	if cfg.Connection.URL == "" {
		return fmt.Errorf("connection.url is required")
	}
	if cfg.Connection.ReconnectInterval <= 0 {
		return fmt.Errorf("connection.reconnect_interval must be greater than 0")
	}
	if cfg.Connection.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("connection.max_reconnect_attempts must be greater than 0")
	}
	if cfg.Connection.HeartbeatInterval <= 0 {
		return fmt.Errorf("connection.heartbeat_interval must be greater than 0")
	}
	if cfg.Connection.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection.connection_timeout must be greater than 0")
	}
	if cfg.Connection.EnableMessageBuffer && cfg.Connection.MessageBufferSize <= 0 {
		return fmt.Errorf("connection.message_buffer_size must be greater than 0")
	}
	if cfg.Connection.EnableBackpressure && cfg.Connection.BackpressureThreshold <= 0 {
		return fmt.Errorf("connection.backpressure_threshold must be greater than 0")
	}

	if cfg.Orderbook.Symbol == "" {
		return fmt.Errorf("orderbook.symbol is required")
	}
	if cfg.Orderbook.PriceStep <= 0 {
		return fmt.Errorf("orderbook.price_step must be greater than 0")
	}
	if cfg.Orderbook.MaxTradeHistory <= 0 {
		return fmt.Errorf("orderbook.max_trade_history must be greater than 0")
	}
	if cfg.Orderbook.CleanupInterval <= 0 {
		return fmt.Errorf("orderbook.cleanup_interval must be greater than 0")
	}

	for _, s := range cfg.Streams {
		switch s {
		case "depth", "trade", "ticker", "bookTicker":
		default:
			return fmt.Errorf("streams contains unknown kind '%s'", s)
		}
	}

	if cfg.Channels.DepthBuffer <= 0 {
		return fmt.Errorf("channels.depth_buffer must be greater than 0")
	}
	if cfg.Channels.TradeBuffer <= 0 {
		return fmt.Errorf("channels.trade_buffer must be greater than 0")
	}
	if cfg.Channels.ErrorBuffer <= 0 {
		return fmt.Errorf("channels.error_buffer must be greater than 0")
	}

	if cfg.Performance.Enabled && cfg.Performance.SampleInterval <= 0 {
		return fmt.Errorf("performance.sample_interval must be greater than 0")
	}

	return nil
}
