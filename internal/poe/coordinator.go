package poe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/hostio"
	"github.com/exaviz/poewatch/pkg/models"
	"github.com/exaviz/poewatch/pkg/plugin"
)

// Event topics published by the coordinator.
const (
	TopicSnapshotUpdated = "poe.snapshot.updated"
	TopicSnapshotFailed  = "poe.snapshot.failed"
	TopicPortControlled  = "poe.port.controlled"
)

// PortControlled is the payload of TopicPortControlled, published after an
// action succeeded.
type PortControlled struct {
	Set    string `json:"set"`
	Port   int    `json:"port"`
	Action Action `json:"action"`
}

// Power budgets per set.
const (
	addonSetBudgetWatts    = 240.0
	onboardPortBudgetWatts = 30.0
)

const (
	onboardSetName     = "onboard"
	defaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"
	defaultPollTimeout = 60 * time.Second
)

// Environment is the result of one-time setup: what hardware exists and
// the static system description. It is computed once and passed to every
// poll cycle.
type Environment struct {
	Capabilities models.BoardCapabilities
	System       models.SystemInfo
}

// AddonSetName returns the snapshot key of the idx-th detected add-on group.
func AddonSetName(idx int) string {
	return "addon_" + strconv.Itoa(idx)
}

// CoordinatorConfig tunes the poll loop.
type CoordinatorConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	ThermalZone  string
}

// SnapshotObserver receives each poll outcome. *Metrics implements it.
type SnapshotObserver interface {
	ObserveSnapshot(snap *models.Snapshot, took time.Duration)
	ObserveFailure(err error)
}

// Coordinator owns the poll loop and the latest snapshot.
type Coordinator struct {
	detector   *Detector
	sysinfo    *SysInfoGatherer
	aggregator *Aggregator
	controller *Controller
	bus        plugin.EventBus
	observer   SnapshotObserver
	fs         afero.Fs
	cfg        CoordinatorConfig
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	env     *Environment
	latest  *models.Snapshot
	lastErr error

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator wires a coordinator. bus, observer and controller may be
// nil.
func NewCoordinator(
	fs afero.Fs,
	detector *Detector,
	sysinfo *SysInfoGatherer,
	aggregator *Aggregator,
	controller *Controller,
	bus plugin.EventBus,
	observer SnapshotObserver,
	cfg CoordinatorConfig,
	logger *zap.Logger,
) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.ThermalZone == "" {
		cfg.ThermalZone = defaultThermalZone
	}
	return &Coordinator{
		detector:   detector,
		sysinfo:    sysinfo,
		aggregator: aggregator,
		controller: controller,
		bus:        bus,
		observer:   observer,
		fs:         fs,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
	}
}

// Setup detects the board and gathers system info. It must run before
// Refresh.
func (c *Coordinator) Setup(ctx context.Context) (*Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := &Environment{Capabilities: c.detector.Detect()}
	if c.sysinfo != nil {
		env.System = c.sysinfo.Gather(ctx, env.Capabilities.Board)
	}
	if env.Capabilities.TotalPorts() == 0 {
		c.logger.Warn("no PoE ports detected", zap.String("board", string(env.Capabilities.Board)))
	}

	c.mu.Lock()
	c.env = env
	c.mu.Unlock()
	return env, nil
}

// Environment returns the setup result, or nil before Setup.
func (c *Coordinator) Environment() *Environment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.env
}

// Latest returns the most recent successful snapshot and the error of the
// most recent cycle, if it failed.
func (c *Coordinator) Latest() (*models.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.lastErr
}

// Refresh runs one full poll cycle. Per-port problems are reported inside
// the snapshot; only a failure of the cycle itself returns an error, which
// is always an *UpdateFailedError.
func (c *Coordinator) Refresh(ctx context.Context) (snap *models.Snapshot, err error) {
	env := c.Environment()
	if env == nil {
		return nil, &UpdateFailedError{Cause: ErrNotInitialized}
	}

	defer func() {
		if r := recover(); r != nil {
			snap, err = nil, &UpdateFailedError{Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	caps := env.Capabilities
	addon := make([][]models.PortStatus, len(caps.AddonGroups))
	for i, g := range caps.AddonGroups {
		addon[i] = c.aggregator.ReadAllAddonPorts(ctx, g.ID, models.AddonPortsPerGroup)
	}
	var onboard []models.PortStatus
	if len(caps.OnboardInterfaces) > 0 {
		onboard = c.aggregator.ReadAllOnboardPorts(ctx, caps.OnboardInterfaces)
	}
	if err := ctx.Err(); err != nil {
		return nil, &UpdateFailedError{Cause: err}
	}

	return BuildSnapshot(caps, addon, onboard, c.boardTemperature(), c.now()), nil
}

// BuildSnapshot assembles per-port records into sets and totals. addon[i]
// holds the ports of caps.AddonGroups[i]. Unavailable ports are left out of
// the sets; ports whose read failed stay in with their error.
func BuildSnapshot(caps models.BoardCapabilities, addon [][]models.PortStatus, onboard []models.PortStatus, temp *float64, now time.Time) *models.Snapshot {
	snap := &models.Snapshot{
		Board:                   caps.Board,
		TotalPorts:              caps.TotalPorts(),
		BoardTemperatureCelsius: temp,
		Sets:                    make(map[string]models.PoESet),
		UpdatedAt:               now.UTC(),
	}

	for i, g := range caps.AddonGroups {
		if i >= len(addon) {
			break
		}
		set := models.PoESet{
			Name:             AddonSetName(i),
			PSEID:            g.Name(),
			System:           models.PortSystemAddon,
			TotalPorts:       models.AddonPortsPerGroup,
			TotalPowerBudget: addonSetBudgetWatts,
			Ports:            []models.PortStatus{},
		}
		for _, p := range addon[i] {
			if !reportable(p) {
				continue
			}
			if p.Interface == "" {
				p.Interface = AddonInterface(g.ID, p.Port)
			}
			set.Ports = append(set.Ports, withPlaceholderDevice(p))
		}
		summarize(&set)
		snap.Sets[set.Name] = set
	}

	if len(caps.OnboardInterfaces) > 0 {
		set := models.PoESet{
			Name:             onboardSetName,
			System:           models.PortSystemOnboard,
			TotalPorts:       len(caps.OnboardInterfaces),
			TotalPowerBudget: float64(len(caps.OnboardInterfaces)) * onboardPortBudgetWatts,
			Ports:            []models.PortStatus{},
		}
		for _, p := range onboard {
			if !reportable(p) {
				continue
			}
			set.Ports = append(set.Ports, withPlaceholderDevice(p))
			set.PowerMocked = set.PowerMocked || p.PowerMocked
		}
		summarize(&set)
		snap.Sets[set.Name] = set
	}

	var total float64
	for _, set := range snap.Sets {
		snap.TotalEnabled += set.ActivePorts
		total += set.UsedPowerWatts
	}
	snap.TotalPowerWatts = round(total, 2)
	return snap
}

func reportable(p models.PortStatus) bool {
	return p.Available || p.State == models.StateError
}

// withPlaceholderDevice marks a powered port with no identified peer.
func withPlaceholderDevice(p models.PortStatus) models.PortStatus {
	if p.ConnectedDevice == nil && p.Active() {
		p.ConnectedDevice = models.UnknownActiveDevice(p.Interface)
	}
	return p
}

func summarize(set *models.PoESet) {
	var used float64
	for _, p := range set.Ports {
		if p.AdminEnabled {
			set.ActivePorts++
		}
		used += p.PowerWatts
	}
	set.UsedPowerWatts = round(used, 2)
}

// boardTemperature reads the SoC thermal zone, in millidegrees.
func (c *Coordinator) boardTemperature() *float64 {
	v, err := hostio.ReadInt(c.fs, c.cfg.ThermalZone)
	if err != nil {
		return nil
	}
	t := round(float64(v)/1000, 1)
	return &t
}

// Start runs the poll loop: one refresh immediately, then one per interval
// and one per RequestRefresh.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		c.poll()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.poll()
			case <-c.trigger:
				c.poll()
			}
		}
	}()
}

// Stop ends the poll loop and waits for an in-flight cycle to finish.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// RequestRefresh schedules a poll as soon as the loop is free. Requests
// made while one is pending are coalesced.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Coordinator) poll() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PollTimeout)
	defer cancel()

	start := c.now()
	snap, err := c.Refresh(ctx)
	took := c.now().Sub(start)

	c.mu.Lock()
	if err == nil {
		c.latest = snap
	}
	c.lastErr = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("poll cycle failed", zap.Error(err))
		if c.observer != nil {
			c.observer.ObserveFailure(err)
		}
		c.publish(ctx, TopicSnapshotFailed, err.Error())
		return
	}

	c.logger.Debug("poll cycle complete",
		zap.Int("sets", len(snap.Sets)),
		zap.Int("enabled", snap.TotalEnabled),
		zap.Float64("power_watts", snap.TotalPowerWatts),
		zap.Duration("took", took),
	)
	if c.observer != nil {
		c.observer.ObserveSnapshot(snap, took)
	}
	c.publish(ctx, TopicSnapshotUpdated, snap)
}

func (c *Coordinator) publish(ctx context.Context, topic string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
		Topic:     topic,
		Source:    pluginName,
		Timestamp: c.now(),
		Payload:   payload,
	})
}

// Control applies action to port of the named set and schedules a refresh
// so consumers see the result promptly.
func (c *Coordinator) Control(ctx context.Context, setName string, port int, action Action) error {
	if c.controller == nil {
		return ErrNotInitialized
	}
	ref, err := c.resolvePort(setName, port)
	if err != nil {
		return err
	}
	err = c.controller.Apply(ctx, ref, action)
	if err == nil {
		c.publish(ctx, TopicPortControlled, PortControlled{Set: setName, Port: port, Action: action})
	}
	if !errors.Is(err, ErrRateLimited) {
		c.RequestRefresh()
	}
	return err
}

// resolvePort maps a snapshot set name and port number to hardware
// coordinates using the detected capabilities.
func (c *Coordinator) resolvePort(setName string, port int) (PortRef, error) {
	env := c.Environment()
	if env == nil {
		return PortRef{}, ErrNotInitialized
	}
	caps := env.Capabilities

	if setName == onboardSetName {
		iface := "poe" + strconv.Itoa(port)
		for _, name := range caps.OnboardInterfaces {
			if name == iface {
				return PortRef{System: models.PortSystemOnboard, Port: port}, nil
			}
		}
		return PortRef{}, fmt.Errorf("%w: %s/%d", ErrUnknownPort, setName, port)
	}

	for i, g := range caps.AddonGroups {
		if AddonSetName(i) != setName {
			continue
		}
		if port < 0 || port >= models.AddonPortsPerGroup {
			return PortRef{}, fmt.Errorf("%w: %s/%d", ErrUnknownPort, setName, port)
		}
		return PortRef{System: models.PortSystemAddon, Group: g.ID, Port: port}, nil
	}
	return PortRef{}, fmt.Errorf("%w: %q", ErrUnknownSet, setName)
}
