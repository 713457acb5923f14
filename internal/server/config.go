package server

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds the HTTP listener settings under the "server" key.
type Config struct {
	Host              string          `mapstructure:"host"`
	Port              int             `mapstructure:"port"`
	ReadHeaderTimeout time.Duration   `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration   `mapstructure:"shutdown_timeout"`
	ReadOnly          bool            `mapstructure:"read_only"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig sets the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8080,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RateLimit:         RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// ConfigFrom reads the "server" section of v over the defaults.
func ConfigFrom(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if sub := v.Sub("server"); sub != nil {
		if err := sub.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("server config: %w", err)
		}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("server.port out of range: %d", cfg.Port)
	}
	return cfg, nil
}

// Addr returns the listen address as host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
