package models

import (
	"strconv"
	"time"
)

// BoardType identifies the Exaviz carrier board variant.
type BoardType string

const (
	BoardInterceptor BoardType = "interceptor"
	BoardCruiser     BoardType = "cruiser"
	BoardUnknown     BoardType = "unknown"
)

// AddonGroup is one controller-backed PSE group (an IP808AR add-on board).
type AddonGroup struct {
	ID        int `json:"id" example:"0"`
	PortCount int `json:"port_count" example:"8"`
}

// Name returns the kernel identifier of the group, e.g. "pse0".
func (g AddonGroup) Name() string {
	return "pse" + strconv.Itoa(g.ID)
}

// BoardCapabilities describes which PoE hardware is present on the board.
type BoardCapabilities struct {
	Board             BoardType    `json:"board_type" example:"cruiser"`
	AddonGroups       []AddonGroup `json:"addon_groups"`
	OnboardInterfaces []string     `json:"onboard_interfaces"`
}

// AddonPortsPerGroup is the number of ports reported for each add-on group.
const AddonPortsPerGroup = 8

// TotalPorts returns the number of PoE ports across all backends.
func (c BoardCapabilities) TotalPorts() int {
	return len(c.AddonGroups)*AddonPortsPerGroup + len(c.OnboardInterfaces)
}

// SystemInfo is static board, OS, and driver information gathered once at
// startup.
type SystemInfo struct {
	AgentVersion      string    `json:"agent_version"`
	ComputeModule     string    `json:"compute_module,omitempty" example:"Raspberry Pi CM5"`
	CMModel           string    `json:"cm_model,omitempty" example:"CM581032"`
	TotalRAM          string    `json:"total_ram_gb,omitempty" example:"8 GB"`
	HasWiFi           string    `json:"has_wifi,omitempty" example:"Yes"`
	EMMCStorage       string    `json:"emmc_storage,omitempty" example:"32 GB"`
	OSVersion         string    `json:"os_version,omitempty"`
	KernelVersion     string    `json:"kernel_version,omitempty"`
	DKMSDriverVersion string    `json:"dkms_driver_version,omitempty"`
	NetplanVersion    string    `json:"netplan_version,omitempty"`
	PoEController     string    `json:"poe_controller,omitempty" example:"TPS23861 (Texas Instruments)"`
	FirmwareVersion   string    `json:"esp32_firmware_version,omitempty"`
	BoardModel        string    `json:"board_model,omitempty" example:"Cruiser"`
	BoardHWVersion    string    `json:"board_hw_version,omitempty"`
	BoardSerial       string    `json:"board_serial,omitempty"`
	PoEDriverVersion  string    `json:"poe_driver_version,omitempty" example:"2.0"`
	BoardIdentifier   string    `json:"board_identifier,omitempty" example:"interceptor-raspberrypi-cm4"`
	GatheredAt        time.Time `json:"gathered_at"`
}
