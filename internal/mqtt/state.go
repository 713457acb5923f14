package mqtt

import (
	"time"

	"github.com/exaviz/poewatch/internal/poe"
	"github.com/exaviz/poewatch/pkg/models"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// BoardState is the retained payload of {topic_prefix}/board.
type BoardState struct {
	Board                   models.BoardType `json:"board_type"`
	TotalPorts              int              `json:"total_poe_ports"`
	TotalEnabled            int              `json:"total_enabled_ports"`
	TotalPowerWatts         float64          `json:"total_power_watts"`
	BoardTemperatureCelsius *float64         `json:"board_temperature_celsius"`
	UpdatedAt               time.Time        `json:"last_updated"`
}

// PortState is the retained payload of {topic_prefix}/{set}/{port}/state.
// Field names are what Home Assistant value templates refer to.
type PortState struct {
	State              string              `json:"state"`
	DisplayState       models.DisplayState `json:"display_state"`
	Enabled            bool                `json:"enabled"`
	Powered            bool                `json:"powered"`
	Plugged            bool                `json:"plugged"`
	PowerWatts         float64             `json:"power_watts"`
	VoltageVolts       float64             `json:"voltage_volts"`
	CurrentMilliamps   int                 `json:"current_milliamps"`
	TemperatureCelsius float64             `json:"temperature_celsius"`
	PoEClass           string              `json:"poe_class"`
	LinkState          string              `json:"link_state,omitempty"`
	SpeedMbps          int                 `json:"speed_mbps,omitempty"`
	DeviceName         string              `json:"device_name,omitempty"`
	DeviceIP           string              `json:"device_ip,omitempty"`
	DeviceMAC          string              `json:"device_mac,omitempty"`
	Error              string              `json:"error,omitempty"`
}

func boardState(snap *models.Snapshot) BoardState {
	return BoardState{
		Board:                   snap.Board,
		TotalPorts:              snap.TotalPorts,
		TotalEnabled:            snap.TotalEnabled,
		TotalPowerWatts:         snap.TotalPowerWatts,
		BoardTemperatureCelsius: snap.BoardTemperatureCelsius,
		UpdatedAt:               snap.UpdatedAt,
	}
}

func portState(p models.PortStatus) PortState {
	s := PortState{
		State:              p.State,
		DisplayState:       poe.DisplayStateOf(p.State),
		Enabled:            p.AdminEnabled,
		Powered:            p.Powered(),
		Plugged:            p.Plugged(),
		PowerWatts:         p.PowerWatts,
		VoltageVolts:       p.VoltageVolts,
		CurrentMilliamps:   p.CurrentMilliamps,
		TemperatureCelsius: p.TemperatureCelsius,
		PoEClass:           p.PoEClass,
		Error:              p.Error,
	}
	if p.LinkState != nil {
		s.LinkState = *p.LinkState
	}
	if p.SpeedMbps != nil {
		s.SpeedMbps = *p.SpeedMbps
	}
	if d := p.ConnectedDevice; d != nil {
		s.DeviceName = d.Name
		s.DeviceIP = d.IP
		s.DeviceMAC = d.MAC
	}
	return s
}
