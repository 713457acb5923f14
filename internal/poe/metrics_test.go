package poe

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/exaviz/poewatch/pkg/models"
)

// sample returns the value of the named series whose labels include want,
// reading gauges and counters alike.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched != len(want) {
				continue
			}
			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestMetrics_ObserveSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	temp := 47.5
	snap := &models.Snapshot{
		TotalPowerWatts:         14.35,
		BoardTemperatureCelsius: &temp,
		Sets: map[string]models.PoESet{
			"onboard": {Ports: []models.PortStatus{
				{Port: 0, Interface: "poe0", Available: true, AdminEnabled: true, PowerWatts: 12.5, PowerMocked: true, AllocatedPowerWatts: 15.4},
				{Port: 1, Interface: "poe1", Available: true, PowerWatts: 1.85, CurrentMilliamps: 38},
			}},
		},
	}
	m.ObserveSnapshot(snap, 1500*time.Millisecond)

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"poewatch_port_power_watts", map[string]string{"set": "onboard", "port": "0", "interface": "poe0"}, 12.5},
		{"poewatch_port_allocated_power_watts", map[string]string{"port": "0"}, 15.4},
		{"poewatch_port_enabled", map[string]string{"port": "0"}, 1},
		{"poewatch_port_enabled", map[string]string{"port": "1"}, 0},
		{"poewatch_port_power_mocked", map[string]string{"port": "0"}, 1},
		{"poewatch_port_current_milliamps", map[string]string{"port": "1"}, 38},
		{"poewatch_board_temperature_celsius", nil, 47.5},
		{"poewatch_total_power_watts", nil, 14.35},
		{"poewatch_poll_duration_seconds", nil, 1},
	}
	for _, c := range checks {
		got, ok := sample(t, reg, c.name, c.labels)
		if !ok {
			t.Errorf("%s%v not exported", c.name, c.labels)
			continue
		}
		if got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}

	// A port that disappears stops being exported.
	snap.Sets["onboard"] = models.PoESet{Ports: snap.Sets["onboard"].Ports[:1]}
	m.ObserveSnapshot(snap, time.Second)
	if _, ok := sample(t, reg, "poewatch_port_power_watts", map[string]string{"port": "1"}); ok {
		t.Error("stale series for port 1 still exported")
	}
}

func TestMetrics_ObserveFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveFailure(errors.New("boom"))
	m.ObserveFailure(errors.New("boom"))

	if got, _ := sample(t, reg, "poewatch_poll_failures_total", nil); got != 2 {
		t.Errorf("poll_failures_total = %v, want 2", got)
	}
}
