// Package poe monitors and controls the PoE ports of Exaviz carrier boards.
//
// Two hardware backends are supported: IP808AR add-on boards read through
// the /proc/pse driver stream, and the Cruiser's onboard TPS23861 PSEs read
// through the ESP32 serial bridge. Both are normalized into
// models.PortStatus records and published as a models.Snapshot once per
// poll interval.
package poe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/capture"
	"github.com/exaviz/poewatch/internal/hostio"
	"github.com/exaviz/poewatch/internal/oui"
	"github.com/exaviz/poewatch/internal/version"
	"github.com/exaviz/poewatch/pkg/plugin"
)

const pluginName = "poe"

// RoleMonitor is the role the poe plugin registers under.
const RoleMonitor = "poe_monitor"

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// Module is the poe plugin.
type Module struct {
	logger     *zap.Logger
	cfg        Config
	fs         afero.Fs
	runner     hostio.Runner
	registerer prometheus.Registerer

	coordinator *Coordinator
}

// Option customizes a Module.
type Option func(*Module)

// WithFs sets the filesystem procfs and sysfs are read from.
func WithFs(fs afero.Fs) Option {
	return func(m *Module) { m.fs = fs }
}

// WithRunner sets the external command runner.
func WithRunner(r hostio.Runner) Option {
	return func(m *Module) { m.runner = r }
}

// WithRegisterer sets where the PoE metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Module) { m.registerer = reg }
}

// New creates a poe plugin instance.
func New(opts ...Option) *Module {
	m := &Module{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        pluginName,
		Version:     "1.0.0",
		Description: "PoE port monitoring and control for Exaviz boards",
		Required:    true,
		Roles:       []string{RoleMonitor},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("poe config: %w", err)
		}
	}

	if m.fs == nil {
		m.fs = hostio.OSFs()
		if m.cfg.HostRoot != "" {
			m.fs = afero.NewReadOnlyFs(afero.NewBasePathFs(m.fs, m.cfg.HostRoot))
		}
	}
	if m.runner == nil {
		m.runner = hostio.NewExecRunner(m.logger.Named("exec"))
	}

	serial := NewSerialSource(m.fs, m.runner, m.cfg.SerialDevices, m.cfg.SerialWindow, m.logger.Named("serial")).WithHostRoot(m.cfg.HostRoot)

	var discoverer DeviceDiscoverer
	if m.cfg.Discovery.Enabled {
		d, err := m.buildDiscoverer()
		if err != nil {
			return err
		}
		discoverer = d
	}

	reader := NewReader(m.fs, discoverer, ReaderConfig{
		ProcPSEPath:     m.cfg.ProcPSEPath,
		ProcPSEMaxLines: m.cfg.ProcPSEMaxLines,
		ProcPSETimeout:  m.cfg.ProcPSETimeout,
	}, m.logger.Named("reader"))

	detectorPaths := DefaultDetectorPaths()
	detectorPaths.ProcPSE = m.cfg.ProcPSEPath
	sysPaths := DefaultSysInfoPaths()
	sysPaths.ProcPSE = m.cfg.ProcPSEPath

	var observer SnapshotObserver
	if m.registerer != nil {
		observer = NewMetrics(m.registerer)
	}

	m.coordinator = NewCoordinator(
		m.fs,
		NewDetector(m.fs, detectorPaths, m.logger.Named("detector")),
		NewSysInfoGatherer(m.fs, m.runner, serial, sysPaths, version.Short(), m.logger.Named("sysinfo")),
		NewAggregator(reader, serial, m.cfg.Concurrency, m.logger.Named("aggregator")),
		NewController(m.fs, m.runner, serial, ControllerConfig{
			SettleDelay:     m.cfg.Control.SettleDelay,
			PowerCycleDelay: m.cfg.Control.PowerCycleDelay,
			MinInterval:     m.cfg.Control.MinInterval,
			HostRoot:        m.cfg.HostRoot,
		}, m.logger.Named("control")),
		deps.Bus,
		observer,
		CoordinatorConfig{
			PollInterval: m.cfg.PollInterval,
			PollTimeout:  m.cfg.PollTimeout,
			ThermalZone:  m.cfg.ThermalZone,
		},
		m.logger,
	)

	m.logger.Info("poe module initialized",
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Bool("discovery", m.cfg.Discovery.Enabled),
		zap.String("capture_backend", m.cfg.Discovery.CaptureBackend),
	)
	return nil
}

func (m *Module) buildDiscoverer() (*Discoverer, error) {
	ds := m.cfg.Discovery
	capturer, err := capture.New(ds.CaptureBackend, m.runner, m.logger)
	if err != nil {
		return nil, fmt.Errorf("poe discovery: %w", err)
	}
	sigs, err := LoadSignatures(hostio.OSFs(), ds.SignaturesFile)
	if err != nil {
		return nil, fmt.Errorf("poe discovery: %w", err)
	}

	opts := []DiscovererOption{WithSignatures(sigs)}
	if ds.Ping.Enabled {
		opts = append(opts, WithPinger(NewICMPPinger(ds.Ping.Timeout, ds.Ping.Privileged)))
	}
	return NewDiscoverer(
		m.runner,
		oui.NewTable(),
		NewDNSResolver(ds.HostnameTimeout),
		capturer,
		DiscoveryConfig{
			MinTrafficBytes: ds.MinTrafficBytes,
			CapturePackets:  ds.CapturePackets,
			CaptureTimeout:  ds.CaptureTimeout,
			NeighborTimeout: ds.NeighborTimeout,
		},
		m.logger.Named("discovery"),
		opts...,
	), nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(ctx context.Context) error {
	if m.coordinator == nil {
		return ErrNotInitialized
	}
	env, err := m.coordinator.Setup(ctx)
	if err != nil {
		return fmt.Errorf("poe setup: %w", err)
	}
	m.coordinator.Start(context.WithoutCancel(ctx))
	m.logger.Info("poe module started",
		zap.String("board", string(env.Capabilities.Board)),
		zap.Int("ports", env.Capabilities.TotalPorts()),
	)
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.coordinator != nil {
		m.coordinator.Stop()
	}
	if m.logger != nil {
		m.logger.Info("poe module stopped")
	}
	return nil
}

// Ready reports whether a first snapshot has been produced.
func (m *Module) Ready(ctx context.Context) error {
	if m.coordinator == nil {
		return ErrNotInitialized
	}
	snap, _ := m.coordinator.Latest()
	if snap == nil {
		return errors.New("no PoE snapshot yet")
	}
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.coordinator == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "not initialized"}
	}
	snap, err := m.coordinator.Latest()
	switch {
	case err != nil:
		return plugin.HealthStatus{Status: "degraded", Message: err.Error()}
	case snap == nil:
		return plugin.HealthStatus{Status: "degraded", Message: "waiting for first poll"}
	}
	return plugin.HealthStatus{
		Status: "healthy",
		Details: map[string]string{
			"board":        string(snap.Board),
			"last_updated": snap.UpdatedAt.Format(time.RFC3339),
		},
	}
}

// Coordinator exposes the poll coordinator to the host.
func (m *Module) Coordinator() *Coordinator {
	return m.coordinator
}
