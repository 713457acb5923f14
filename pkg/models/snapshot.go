package models

import "time"

// DisplayState is the backend-independent vocabulary consumers render.
type DisplayState string

const (
	DisplayActive   DisplayState = "active"
	DisplayDisabled DisplayState = "disabled"
	DisplayEmpty    DisplayState = "empty"
	DisplayUnknown  DisplayState = "unknown"
)

// PoESet groups the ports of one PoE backend instance: an add-on group
// ("addon_0") or the onboard ports ("onboard").
type PoESet struct {
	Name             string       `json:"name" example:"onboard"`
	PSEID            string       `json:"pse_id,omitempty" example:"pse0"`
	System           PortSystem   `json:"system" example:"onboard"`
	Ports            []PortStatus `json:"ports"`
	TotalPorts       int          `json:"total_ports" example:"8"`
	ActivePorts      int          `json:"active_ports" example:"3"`
	UsedPowerWatts   float64      `json:"used_power_watts" example:"21.7"`
	TotalPowerBudget float64      `json:"total_power_budget" example:"240"`
	PowerMocked      bool         `json:"power_mocked"`
}

// Port returns the record for the given port number, if the set holds one.
func (s PoESet) Port(n int) (PortStatus, bool) {
	for _, p := range s.Ports {
		if p.Port == n {
			return p, true
		}
	}
	return PortStatus{}, false
}

// Snapshot is the aggregate result of one poll cycle.
type Snapshot struct {
	Board                   BoardType         `json:"board_type" example:"cruiser"`
	TotalPorts              int               `json:"total_poe_ports" example:"8"`
	TotalEnabled            int               `json:"total_enabled_ports" example:"6"`
	TotalPowerWatts         float64           `json:"total_power_watts" example:"34.2"`
	BoardTemperatureCelsius *float64          `json:"board_temperature_celsius"`
	Sets                    map[string]PoESet `json:"poe"`
	UpdatedAt               time.Time         `json:"last_updated"`
}
