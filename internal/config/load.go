package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// POEWATCH_SERVER_PORT=9090 or POEWATCH_PLUGINS_POE_POLL_INTERVAL=10s.
const EnvPrefix = "POEWATCH"

// Load reads configuration from configPath, or from poewatch.yaml in the
// usual search paths when configPath is empty. A missing file is not an
// error; defaults and environment variables still apply.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("poewatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/poewatch")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults installs the process-level defaults. Plugin settings left
// unset here fall back to each plugin's own DefaultConfig.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", []string{"stderr"})
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("plugins.poe.poll_interval", "30s")
	v.SetDefault("plugins.poe.poll_timeout", "60s")
	v.SetDefault("plugins.poe.discovery.enabled", true)
	v.SetDefault("plugins.poe.discovery.capture_backend", "tcpdump")
	v.SetDefault("plugins.poe.control.min_interval", "5s")

	v.SetDefault("plugins.portstate.enabled", false)
	v.SetDefault("plugins.portstate.path", "/var/lib/poewatch/state.db")
	v.SetDefault("plugins.portstate.reapply", true)

	v.SetDefault("plugins.mqtt.client_id", "poewatch")
	v.SetDefault("plugins.mqtt.topic_prefix", "poewatch")
	v.SetDefault("plugins.mqtt.qos", 1)
	v.SetDefault("plugins.mqtt.timeout", "10s")
	v.SetDefault("plugins.mqtt.ha_discovery_prefix", "homeassistant")
	v.SetDefault("plugins.mqtt.node_id", "poewatch")

	v.SetDefault("plugins.webhook.timeout", "10s")
}
