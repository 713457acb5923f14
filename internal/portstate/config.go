package portstate

import (
	"errors"
	"fmt"
)

// Config is the "plugins.portstate" section.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// Reapply restores the saved admin state once the first snapshot after
	// startup shows the ports.
	Reapply bool `mapstructure:"reapply"`
}

// DefaultConfig returns the defaults. Persistence is off until enabled
// because it needs a writable path.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Path:    "/var/lib/poewatch/state.db",
		Reapply: true,
	}
}

var errInvalidConfig = errors.New("invalid portstate config")

// Validate checks values the module cannot run with.
func (c Config) Validate() error {
	if c.Enabled && c.Path == "" {
		return fmt.Errorf("%w: path is required", errInvalidConfig)
	}
	return nil
}
