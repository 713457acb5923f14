package poe

import (
	"fmt"
	"time"

	"github.com/exaviz/poewatch/internal/capture"
)

// Config holds the poe module configuration.
type Config struct {
	PollInterval    time.Duration     `mapstructure:"poll_interval"`
	PollTimeout     time.Duration     `mapstructure:"poll_timeout"`
	Concurrency     int               `mapstructure:"concurrency"`
	HostRoot        string            `mapstructure:"host_root"`
	ProcPSEPath     string            `mapstructure:"proc_pse_path"`
	ProcPSEMaxLines int               `mapstructure:"proc_pse_max_lines"`
	ProcPSETimeout  time.Duration     `mapstructure:"proc_pse_timeout"`
	SerialDevices   []string          `mapstructure:"serial_devices"`
	SerialWindow    time.Duration     `mapstructure:"serial_window"`
	ThermalZone     string            `mapstructure:"thermal_zone"`
	Discovery       DiscoverySettings `mapstructure:"discovery"`
	Control         ControlSettings   `mapstructure:"control"`
}

// DiscoverySettings configures connected-device identification.
type DiscoverySettings struct {
	Enabled         bool          `mapstructure:"enabled"`
	CaptureBackend  string        `mapstructure:"capture_backend"`
	CapturePackets  int           `mapstructure:"capture_packets"`
	CaptureTimeout  time.Duration `mapstructure:"capture_timeout"`
	MinTrafficBytes uint64        `mapstructure:"min_traffic_bytes"`
	NeighborTimeout time.Duration `mapstructure:"neighbor_timeout"`
	HostnameTimeout time.Duration `mapstructure:"hostname_timeout"`
	SignaturesFile  string        `mapstructure:"signatures_file"`
	Ping            PingSettings  `mapstructure:"ping"`
}

// PingSettings configures the optional ICMP reachability check.
type PingSettings struct {
	Enabled    bool          `mapstructure:"enabled"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Privileged bool          `mapstructure:"privileged"`
}

// ControlSettings configures port actions.
type ControlSettings struct {
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	PowerCycleDelay time.Duration `mapstructure:"power_cycle_delay"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
}

// DefaultConfig returns the default configuration for the poe module.
func DefaultConfig() Config {
	return Config{
		PollInterval:    30 * time.Second,
		PollTimeout:     defaultPollTimeout,
		ProcPSEPath:     DefaultProcPSEPath,
		ProcPSEMaxLines: DefaultProcPSEMaxLines,
		ProcPSETimeout:  DefaultProcPSETimeout,
		SerialDevices:   append([]string(nil), DefaultSerialDevices...),
		SerialWindow:    defaultSerialWindow,
		ThermalZone:     defaultThermalZone,
		Discovery: DiscoverySettings{
			Enabled:         true,
			CaptureBackend:  capture.BackendTcpdump,
			CapturePackets:  capture.DefaultPacketCount,
			CaptureTimeout:  capture.DefaultTimeout,
			MinTrafficBytes: 1000,
			NeighborTimeout: 5 * time.Second,
			HostnameTimeout: 2 * time.Second,
			Ping: PingSettings{
				Timeout: time.Second,
			},
		},
		Control: ControlSettings{
			SettleDelay:     DefaultSettleDelay,
			PowerCycleDelay: DefaultPowerCycleDelay,
			MinInterval:     DefaultActionInterval,
		},
	}
}

// Validate rejects settings the poll loop cannot run with.
func (c Config) Validate() error {
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s, got %s", c.PollInterval)
	}
	if c.ProcPSEMaxLines <= 0 {
		return fmt.Errorf("proc_pse_max_lines must be positive, got %d", c.ProcPSEMaxLines)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	switch c.Discovery.CaptureBackend {
	case "", capture.BackendTcpdump, capture.BackendPcap:
	default:
		return fmt.Errorf("discovery.capture_backend: %w", &capture.UnsupportedBackendError{Name: c.Discovery.CaptureBackend})
	}
	if c.Discovery.CapturePackets < 0 {
		return fmt.Errorf("discovery.capture_packets must not be negative, got %d", c.Discovery.CapturePackets)
	}
	return nil
}
