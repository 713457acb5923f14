package poe

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/exaviz/poewatch/pkg/models"
)

// Metrics exports each snapshot as Prometheus gauges.
type Metrics struct {
	portPower     *prometheus.GaugeVec
	portAllocated *prometheus.GaugeVec
	portVoltage   *prometheus.GaugeVec
	portCurrent   *prometheus.GaugeVec
	portTemp      *prometheus.GaugeVec
	portEnabled   *prometheus.GaugeVec
	portAvailable *prometheus.GaugeVec
	portMocked    *prometheus.GaugeVec
	boardTemp     prometheus.Gauge
	totalPower    prometheus.Gauge
	pollDuration  prometheus.Histogram
	pollFailures  prometheus.Counter
}

var portLabels = []string{"set", "port", "interface"}

// NewMetrics creates the PoE collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "poewatch",
			Subsystem: "port",
			Name:      name,
			Help:      help,
		}, portLabels)
	}
	m := &Metrics{
		portPower:     gauge("power_watts", "Measured or estimated power draw."),
		portAllocated: gauge("allocated_power_watts", "PSE power budget for the port's PoE class."),
		portVoltage:   gauge("voltage_volts", "Port output voltage."),
		portCurrent:   gauge("current_milliamps", "Port output current."),
		portTemp:      gauge("temperature_celsius", "PSE temperature reported for the port."),
		portEnabled:   gauge("enabled", "1 if the port is administratively enabled."),
		portAvailable: gauge("available", "1 if the port reported status this cycle."),
		portMocked:    gauge("power_mocked", "1 if power figures are estimated from link speed."),
		boardTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poewatch",
			Name:      "board_temperature_celsius",
			Help:      "SoC temperature of the compute module.",
		}),
		totalPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poewatch",
			Name:      "total_power_watts",
			Help:      "Sum of power drawn across all PoE ports.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poewatch",
			Name:      "poll_duration_seconds",
			Help:      "Duration of a full poll cycle.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 60},
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poewatch",
			Name:      "poll_failures_total",
			Help:      "Poll cycles that failed as a whole.",
		}),
	}
	reg.MustRegister(
		m.portPower, m.portAllocated, m.portVoltage, m.portCurrent,
		m.portTemp, m.portEnabled, m.portAvailable, m.portMocked,
		m.boardTemp, m.totalPower, m.pollDuration, m.pollFailures,
	)
	return m
}

// ObserveSnapshot implements SnapshotObserver. Port series are reset each
// cycle so ports that disappear stop being exported.
func (m *Metrics) ObserveSnapshot(snap *models.Snapshot, took time.Duration) {
	for _, v := range []*prometheus.GaugeVec{
		m.portPower, m.portAllocated, m.portVoltage, m.portCurrent,
		m.portTemp, m.portEnabled, m.portAvailable, m.portMocked,
	} {
		v.Reset()
	}

	for name, set := range snap.Sets {
		for _, p := range set.Ports {
			labels := prometheus.Labels{"set": name, "port": strconv.Itoa(p.Port), "interface": p.Interface}
			m.portPower.With(labels).Set(p.PowerWatts)
			m.portAllocated.With(labels).Set(p.AllocatedPowerWatts)
			m.portVoltage.With(labels).Set(p.VoltageVolts)
			m.portCurrent.With(labels).Set(float64(p.CurrentMilliamps))
			m.portTemp.With(labels).Set(p.TemperatureCelsius)
			m.portEnabled.With(labels).Set(boolGauge(p.AdminEnabled))
			m.portAvailable.With(labels).Set(boolGauge(p.Available))
			m.portMocked.With(labels).Set(boolGauge(p.PowerMocked))
		}
	}

	if snap.BoardTemperatureCelsius != nil {
		m.boardTemp.Set(*snap.BoardTemperatureCelsius)
	}
	m.totalPower.Set(snap.TotalPowerWatts)
	m.pollDuration.Observe(took.Seconds())
}

// ObserveFailure implements SnapshotObserver.
func (m *Metrics) ObserveFailure(error) {
	m.pollFailures.Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
