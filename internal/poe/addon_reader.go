package poe

import (
	"context"

	"github.com/exaviz/poewatch/pkg/models"
)

// ReadAddonPort reads one IP808AR port from /proc/pse. A port missing from
// the stream is reported unavailable; only an I/O failure returns an error.
func (r *Reader) ReadAddonPort(ctx context.Context, group, port int) (models.PortStatus, error) {
	lines, err := r.readProcPSE(ctx)
	if err != nil {
		return models.PortStatus{}, err
	}

	iface := r.addonInterface(group, port)
	reading, ok := FindProcPSEPort(lines, group, port)
	if !ok {
		st := models.UnavailablePort(models.PortSystemAddon, port)
		st.Interface = iface
		return st, nil
	}

	st := models.PortStatus{
		Port:                port,
		Interface:           iface,
		System:              models.PortSystemAddon,
		Available:           true,
		HardwareState:       reading.State.Raw,
		State:               reading.State.Raw,
		AdminEnabled:        reading.State.AdminEnabled(),
		PowerWatts:          reading.PowerWatts,
		AllocatedPowerWatts: AllocatedPowerWatts(reading.Class),
		VoltageVolts:        reading.Volts,
		CurrentMilliamps:    reading.CurrentMilliamps,
		TemperatureCelsius:  reading.TemperatureCelsius,
		PoEClass:            reading.Class,
	}

	if iface != "" {
		link := r.readLink(iface)
		st.ConnectedDevice = r.discover(ctx, iface, link.activity())
	}
	return st, nil
}

// addonInterface returns the network interface the driver created for the
// port, or "" when it has none.
func (r *Reader) addonInterface(group, port int) string {
	for _, name := range addonInterfaceCandidates(group, port) {
		if r.hasInterface(name) {
			return name
		}
	}
	return ""
}
