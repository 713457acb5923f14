package poe

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/exaviz/poewatch/pkg/models"
)

// PortReader reads a single port. *Reader implements it.
type PortReader interface {
	ReadAddonPort(ctx context.Context, group, port int) (models.PortStatus, error)
	ReadNetworkPort(ctx context.Context, iface string, telemetry map[SerialKey]SerialReading) (models.PortStatus, error)
}

// TelemetrySource captures the onboard PSE telemetry for one cycle.
// *SerialSource implements it.
type TelemetrySource interface {
	Capture(ctx context.Context) map[SerialKey]SerialReading
}

// Aggregator reads all ports of a board concurrently. A failing port never
// affects the others.
type Aggregator struct {
	reader      PortReader
	telemetry   TelemetrySource
	concurrency int
	logger      *zap.Logger
}

// NewAggregator creates an Aggregator. concurrency <= 0 means one goroutine
// per port.
func NewAggregator(reader PortReader, telemetry TelemetrySource, concurrency int, logger *zap.Logger) *Aggregator {
	return &Aggregator{reader: reader, telemetry: telemetry, concurrency: concurrency, logger: logger}
}

// ReadAllAddonPorts reads ports 0..count-1 of an add-on group. The result
// has exactly count entries in port order.
func (a *Aggregator) ReadAllAddonPorts(ctx context.Context, group, count int) []models.PortStatus {
	results := make([]models.PortStatus, count)
	g := a.group()
	for port := range count {
		g.Go(func() error {
			results[port] = a.isolate(models.PortSystemAddon, port, "", func() (models.PortStatus, error) {
				return a.reader.ReadAddonPort(ctx, group, port)
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ReadAllOnboardPorts captures the serial telemetry once, then reads every
// interface against that shared capture. The capture completes before any
// read starts, so the serial device is never opened concurrently.
func (a *Aggregator) ReadAllOnboardPorts(ctx context.Context, ifaces []string) []models.PortStatus {
	telemetry := map[SerialKey]SerialReading{}
	if a.telemetry != nil {
		telemetry = a.telemetry.Capture(ctx)
	}
	if len(telemetry) == 0 {
		a.logger.Debug("no onboard telemetry, using link-speed estimates")
	}

	results := make([]models.PortStatus, len(ifaces))
	g := a.group()
	for i, iface := range ifaces {
		g.Go(func() error {
			n, _ := OnboardPortNumber(iface)
			results[i] = a.isolate(models.PortSystemOnboard, n, iface, func() (models.PortStatus, error) {
				return a.reader.ReadNetworkPort(ctx, iface, telemetry)
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) group() *errgroup.Group {
	g := &errgroup.Group{}
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	return g
}

// isolate runs read and converts an error or panic into an error record for
// that port.
func (a *Aggregator) isolate(system models.PortSystem, port int, iface string, read func() (models.PortStatus, error)) (st models.PortStatus) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("port read panicked",
				zap.String("system", string(system)),
				zap.Int("port", port),
				zap.Any("panic", r),
			)
			st = models.ErrorPort(system, port, fmt.Errorf("port read panicked: %v", r))
			st.Interface = iface
		}
	}()

	st, err := read()
	if err != nil {
		a.logger.Warn("port read failed",
			zap.String("system", string(system)),
			zap.Int("port", port),
			zap.Error(err),
		)
		st = models.ErrorPort(system, port, err)
		st.Interface = iface
	}
	return st
}
