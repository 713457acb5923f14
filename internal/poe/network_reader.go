package poe

import (
	"context"
	"fmt"

	"github.com/exaviz/poewatch/pkg/models"
)

// DeriveNetworkState reconciles admin intent, link state and PSE telemetry
// into the reported port state. The branch order matters: with telemetry,
// admin-down overrides whatever the chip reports, since the PSE keeps
// delivering power for a while after the link is taken down. Without
// telemetry, admin state is checked before link state.
func DeriveNetworkState(hasTelemetry, adminUp bool, operstate, hardwareState string) string {
	if hasTelemetry {
		if !adminUp {
			return models.StateDisabled
		}
		return hardwareState
	}
	switch {
	case !adminUp:
		return models.StateDisabled
	case operstate == "up":
		return models.StatePowerOn
	default:
		return models.StateSearching
	}
}

// ReadNetworkPort reads one onboard port backed by interface iface.
// telemetry is the shared serial capture for this cycle and is only read.
func (r *Reader) ReadNetworkPort(ctx context.Context, iface string, telemetry map[SerialKey]SerialReading) (models.PortStatus, error) {
	n, ok := OnboardPortNumber(iface)
	if !ok {
		return models.PortStatus{}, fmt.Errorf("interface %q is not an onboard PoE port", iface)
	}

	if !r.hasInterface(iface) {
		st := models.UnavailablePort(models.PortSystemOnboard, n)
		st.Interface = iface
		return st, nil
	}

	link := r.readLink(iface)
	reading, hasTelemetry := telemetry[LogicalToSerial(n)]
	operstate := link.operstate

	st := models.PortStatus{
		Port:         n,
		Interface:    iface,
		System:       models.PortSystemOnboard,
		Available:    true,
		AdminEnabled: link.adminUp,
		LinkState:    &operstate,
		SpeedMbps:    link.speedMbps,
		RxBytes:      link.rxBytes,
		TxBytes:      link.txBytes,
	}

	if hasTelemetry {
		st.HardwareState = reading.State.Raw
		st.PowerWatts = reading.PowerWatts
		st.VoltageVolts = reading.Volts
		st.CurrentMilliamps = reading.CurrentMilliamps
		st.TemperatureCelsius = reading.TemperatureCelsius
		st.PoEClass = reading.Class
		if st.PoEClass == "" {
			st.PoEClass = models.UnknownClass
		}
	} else {
		speed := 0
		if link.speedMbps != nil {
			speed = *link.speedMbps
		}
		est := EstimatePower(operstate == "up", speed)
		st.PowerWatts = est.Watts
		st.VoltageVolts = est.Volts
		st.CurrentMilliamps = est.CurrentMilliamps
		st.PoEClass = est.Class
		st.PowerMocked = true
	}
	st.State = DeriveNetworkState(hasTelemetry, link.adminUp, operstate, st.HardwareState)
	st.AllocatedPowerWatts = AllocatedPowerWatts(st.PoEClass)
	st.ConnectedDevice = r.discover(ctx, iface, link.activity())
	return st, nil
}
