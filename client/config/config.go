// Package config holds the transport client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/quantarax/realtime/internal/validation"
)

var (
	ErrNoEndpoint    = errors.New("no transport endpoint configured")
	ErrInvalidConfig = errors.New("invalid transport config")
)

// CacheConfig selects the durable backend of the transport preference cache.
type CacheConfig struct {
	Backend string `toml:"backend"` // bolt, sqlite, file or memory
	Path    string `toml:"path"`
	Key     string `toml:"key"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json, console or empty to pick by terminal
}

// ObservabilityConfig controls the /metrics and /health endpoint.
type ObservabilityConfig struct {
	Addr string `toml:"addr"` // empty disables the endpoint
}

// Config holds transport configuration. It is copied by value into the
// manager, so changes after construction have no effect.
type Config struct {
	QUICEndpoint       string `toml:"quic_endpoint"`
	WebSocketEndpoint  string `toml:"websocket_endpoint"`
	DisableQUIC        bool   `toml:"disable_quic"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	ALPN               string `toml:"alpn"`

	QUICConnectTimeout time.Duration `toml:"quic_connect_timeout"`
	QUICRetryInterval  time.Duration `toml:"quic_retry_interval"`
	HealthInterval     time.Duration `toml:"health_interval"`
	InactivityTimeout  time.Duration `toml:"inactivity_timeout"`

	// MaxReconnectAttempts < 0 retries forever, 0 disables automatic reconnects.
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `toml:"reconnect_max_delay"`

	CachePreference    bool          `toml:"cache_preference"`
	PreferenceCacheTTL time.Duration `toml:"preference_cache_ttl"`

	MetricsInterval time.Duration `toml:"metrics_interval"`
	PendingTTL      time.Duration `toml:"pending_ttl"`

	QueueCapacity  int           `toml:"queue_capacity"`
	MaxSendRetries int           `toml:"max_send_retries"`
	DedupWindow    time.Duration `toml:"dedup_window"`
	DedupCapacity  int           `toml:"dedup_capacity"`
	DedupByContent bool          `toml:"dedup_by_content"`

	Cache         CacheConfig         `toml:"cache"`
	Log           LogConfig           `toml:"log"`
	Observability ObservabilityConfig `toml:"observability"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}

	return &Config{
		QUICEndpoint:      "localhost:4433",
		WebSocketEndpoint: "ws://localhost:8080/ws",
		ALPN:              "quantarax-chat",

		QUICConnectTimeout: 5 * time.Second,
		QUICRetryInterval:  5 * time.Minute,
		HealthInterval:     10 * time.Second,
		InactivityTimeout:  30 * time.Second,

		MaxReconnectAttempts: 10,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,

		CachePreference:    true,
		PreferenceCacheTTL: time.Hour,

		MetricsInterval: 5 * time.Second,
		PendingTTL:      60 * time.Second,

		QueueCapacity:  1000,
		MaxSendRetries: 3,
		DedupWindow:    5 * time.Minute,
		DedupCapacity:  1000,

		Cache: CacheConfig{
			Backend: "bolt",
			Path:    filepath.Join(cacheDir, "quantarax", "transport.db"),
			Key:     "transport_preference",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig decodes a TOML file over the defaults. An empty path returns
// the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.WebSocketEndpoint == "" && (c.QUICEndpoint == "" || c.DisableQUIC) {
		return ErrNoEndpoint
	}
	if c.WebSocketEndpoint != "" {
		if err := validation.ValidateWebSocketURL(c.WebSocketEndpoint); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.QUICEnabled() {
		if err := validation.ValidateQUICEndpoint(c.QUICEndpoint); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	positive := map[string]time.Duration{
		"quic_connect_timeout": c.QUICConnectTimeout,
		"quic_retry_interval":  c.QUICRetryInterval,
		"health_interval":      c.HealthInterval,
		"inactivity_timeout":   c.InactivityTimeout,
		"reconnect_base_delay": c.ReconnectBaseDelay,
		"reconnect_max_delay":  c.ReconnectMaxDelay,
		"metrics_interval":     c.MetricsInterval,
		"pending_ttl":          c.PendingTTL,
		"dedup_window":         c.DedupWindow,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}

	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("%w: reconnect_max_delay below reconnect_base_delay", ErrInvalidConfig)
	}
	if c.CachePreference && c.PreferenceCacheTTL <= 0 {
		return fmt.Errorf("%w: preference_cache_ttl must be positive", ErrInvalidConfig)
	}
	if c.QueueCapacity <= 0 || c.DedupCapacity <= 0 {
		return fmt.Errorf("%w: queue and dedup capacity must be positive", ErrInvalidConfig)
	}
	if err := validation.ValidateRangeInt(c.MaxSendRetries, 0, 100); err != nil {
		return fmt.Errorf("%w: max_send_retries: %v", ErrInvalidConfig, err)
	}

	switch c.Cache.Backend {
	case "bolt", "sqlite", "file", "memory":
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, c.Cache.Backend)
	}
	return nil
}

// QUICEnabled reports whether a QUIC attempt should ever be made.
func (c *Config) QUICEnabled() bool {
	return !c.DisableQUIC && c.QUICEndpoint != ""
}
