package models

import "time"

// PortSystem identifies which PoE backend produced a port record.
type PortSystem string

const (
	PortSystemAddon   PortSystem = "addon"
	PortSystemOnboard PortSystem = "onboard"
)

// Reconciled port states that the agent itself produces. Hardware states
// reported by the PSE chips are passed through as-is.
const (
	StateUnavailable = "unavailable"
	StateError       = "error"
	StateDisabled    = "disabled"
	StatePowerOn     = "power on"
	StateSearching   = "searching"
)

// UnknownClass is the PoE class sentinel used when the PSE could not
// classify the powered device.
const UnknownClass = "?"

// NotApplicableProprietary marks the L3 identity of a device discovered
// over a non-IP protocol. It differs from an empty value, which means
// nothing was found.
const NotApplicableProprietary = "N/A (Proprietary Protocol)"

// UnknownDeviceNoActivity is the device type of the placeholder reported
// for a port that draws power but has no identifiable peer.
const UnknownDeviceNoActivity = "Unknown Device (No Network Activity)"

// PortStatus is the normalized, board-agnostic state of one PoE port for
// a single poll cycle.
type PortStatus struct {
	Port                int              `json:"port" example:"3"`
	Interface           string           `json:"interface,omitempty" example:"poe3"`
	System              PortSystem       `json:"system" example:"onboard"`
	Available           bool             `json:"available"`
	HardwareState       string           `json:"hardware_state,omitempty" example:"power-on"`
	State               string           `json:"state" example:"power on"`
	AdminEnabled        bool             `json:"admin_enabled"`
	PowerWatts          float64          `json:"power_watts" example:"2.85"`
	AllocatedPowerWatts float64          `json:"allocated_power_watts" example:"15.4"`
	VoltageVolts        float64          `json:"voltage_volts" example:"47.94"`
	CurrentMilliamps    int              `json:"current_milliamps" example:"59"`
	TemperatureCelsius  float64          `json:"temperature_celsius" example:"33.1"`
	PoEClass            string           `json:"poe_class" example:"0"`
	LinkState           *string          `json:"link_state,omitempty" example:"up"`
	SpeedMbps           *int             `json:"speed_mbps,omitempty" example:"1000"`
	RxBytes             *uint64          `json:"rx_bytes,omitempty"`
	TxBytes             *uint64          `json:"tx_bytes,omitempty"`
	ConnectedDevice     *ConnectedDevice `json:"connected_device,omitempty"`
	PowerMocked         bool             `json:"power_mocked"`
	Error               string           `json:"error,omitempty"`
}

// Active reports whether the port is delivering power to a device.
func (p PortStatus) Active() bool {
	return p.State == StatePowerOn || p.State == "power-on" || p.State == "active" || p.PowerWatts > 0
}

// Powered reports whether the measured draw exceeds the powered threshold.
func (p PortStatus) Powered() bool {
	return p.PowerWatts > PoweredThresholdWatts
}

// Plugged reports whether a device appears to be connected to the port.
func (p PortStatus) Plugged() bool {
	return p.ConnectedDevice != nil || p.CurrentMilliamps > PluggedThresholdMilliamps
}

// Thresholds used by Powered and Plugged.
const (
	PoweredThresholdWatts     = 0.5
	PluggedThresholdMilliamps = 10
)

// UnavailablePort returns the record of a port whose status line could not
// be found this cycle.
func UnavailablePort(system PortSystem, port int) PortStatus {
	return PortStatus{
		Port:                port,
		System:              system,
		HardwareState:       StateUnavailable,
		State:               StateUnavailable,
		PoEClass:            UnknownClass,
		AllocatedPowerWatts: 15.4,
	}
}

// ErrorPort returns the record of a port whose read failed.
func ErrorPort(system PortSystem, port int, err error) PortStatus {
	return PortStatus{
		Port:                port,
		System:              system,
		State:               StateError,
		PoEClass:            UnknownClass,
		AllocatedPowerWatts: 15.4,
		Error:               err.Error(),
	}
}

// ConnectedDevice describes the peer attached to a PoE port.
type ConnectedDevice struct {
	Name            string         `json:"name,omitempty" example:"FLEXIDOME IP 5000i on poe2"`
	IP              string         `json:"ip_address,omitempty" example:"192.168.1.100"`
	MAC             string         `json:"mac_address,omitempty" example:"00:13:e2:1f:bc:b9"`
	Manufacturer    string         `json:"manufacturer" example:"GeoVision (Camera)"`
	Hostname        *string        `json:"hostname"`
	Model           string         `json:"model,omitempty"`
	DeviceType      string         `json:"device_type,omitempty" example:"camera"`
	DetectionMethod string         `json:"detection_method,omitempty" example:"neighbor table"`
	NeighborState   string         `json:"neighbor_state,omitempty" example:"REACHABLE"`
	Reachable       *bool          `json:"reachable,omitempty"`
	RTT             *time.Duration `json:"rtt_ns,omitempty"`
}

// UnknownActiveDevice returns the placeholder for a powered port without an
// identifiable peer.
func UnknownActiveDevice(iface string) *ConnectedDevice {
	return &ConnectedDevice{
		Name:         "Device on " + iface,
		Manufacturer: "Unknown",
		DeviceType:   UnknownDeviceNoActivity,
	}
}
