package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL   string        `mapstructure:"broker_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         byte          `mapstructure:"qos"`
	UseTLS      bool          `mapstructure:"use_tls"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Commands subscribes to {topic_prefix}/{set}/{port}/set and applies
	// enable, disable and reset requests to the port.
	Commands bool `mapstructure:"commands"`

	// Home Assistant MQTT auto-discovery settings.
	HADiscovery       bool   `mapstructure:"ha_discovery"`
	HADiscoveryPrefix string `mapstructure:"ha_discovery_prefix"`
	NodeID            string `mapstructure:"node_id"` // Distinguishes several boards on one broker
}

// DefaultConfig returns sensible defaults for the MQTT publisher.
func DefaultConfig() Config {
	return Config{
		BrokerURL:         "", // disabled by default
		ClientID:          "poewatch",
		TopicPrefix:       "poewatch",
		QoS:               1,
		Timeout:           10 * time.Second,
		HADiscovery:       false,
		HADiscoveryPrefix: "homeassistant",
		NodeID:            "poewatch",
	}
}

var errInvalidConfig = errors.New("invalid mqtt config")

// Validate checks the configuration for values the publisher cannot use.
func (c Config) Validate() error {
	if c.QoS > 2 {
		return fmt.Errorf("%w: qos must be 0, 1 or 2, got %d", errInvalidConfig, c.QoS)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", errInvalidConfig)
	}
	if c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, "+#") {
		return fmt.Errorf("%w: topic_prefix %q must be non-empty and free of wildcards", errInvalidConfig, c.TopicPrefix)
	}
	if c.HADiscovery && SafeObjectID(c.NodeID) != strings.ToLower(c.NodeID) {
		return fmt.Errorf("%w: node_id %q may only contain letters, digits and underscores", errInvalidConfig, c.NodeID)
	}
	if c.BrokerURL == "" {
		return nil
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("%w: broker_url: %w", errInvalidConfig, err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("%w: broker_url scheme %q not supported", errInvalidConfig, u.Scheme)
	}
	return nil
}

func (c Config) availabilityTopic() string {
	return c.TopicPrefix + "/status"
}

func (c Config) boardTopic() string {
	return c.TopicPrefix + "/board"
}

func (c Config) portTopic(set string, port int) string {
	return fmt.Sprintf("%s/%s/%d", c.TopicPrefix, set, port)
}

func (c Config) commandFilter() string {
	return c.TopicPrefix + "/+/+/set"
}
