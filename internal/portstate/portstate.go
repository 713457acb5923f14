// Package portstate remembers which PoE ports an operator enabled or
// disabled and puts them back that way after the agent or the board
// restarts. Port power comes back on after a reboot regardless of what
// was last requested, so a camera switched off stays off only if someone
// reapplies it.
package portstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/poe"
	"github.com/exaviz/poewatch/internal/store"
	"github.com/exaviz/poewatch/internal/version"
	"github.com/exaviz/poewatch/pkg/models"
	"github.com/exaviz/poewatch/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

const (
	saveTimeout    = 10 * time.Second
	controlTimeout = 30 * time.Second
)

// PortController applies an action to one port of a PoE set.
type PortController interface {
	Control(ctx context.Context, set string, port int, action poe.Action) error
}

// Option configures a Module.
type Option func(*Module)

// WithController sets the controller used to reapply states instead of
// the poe plugin's coordinator.
func WithController(c PortController) Option {
	return func(m *Module) { m.controller = c }
}

// Module is the portstate plugin.
type Module struct {
	logger     *zap.Logger
	cfg        Config
	bus        plugin.EventBus
	plugins    plugin.PluginResolver
	controller PortController
	now        func() time.Time

	mu         sync.RWMutex
	st         *store.Store
	states     *States
	lastErr    error
	reconciled bool
	unsub      []func()
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a portstate plugin instance.
func New(opts ...Option) *Module {
	m := &Module{now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "portstate",
		Version:      "0.1.0",
		Description:  "Persists PoE port admin state and reapplies it after restarts",
		Dependencies: []string{"poe"},
		Roles:        []string{"port_state"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("portstate config: %w", err)
		}
	}
	m.bus = deps.Bus
	m.plugins = deps.Plugins
	m.logger.Info("portstate module initialized",
		zap.Bool("enabled", m.cfg.Enabled),
		zap.String("path", m.cfg.Path),
		zap.Bool("reapply", m.cfg.Reapply),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}

	st, err := store.Open(ctx, m.cfg.Path)
	if err != nil {
		return fmt.Errorf("portstate store: %w", err)
	}
	if err := st.CheckVersion(ctx, version.Short()); err != nil {
		st.Close()
		return fmt.Errorf("portstate store: %w", err)
	}
	states, err := NewStates(ctx, st)
	if err != nil {
		st.Close()
		return fmt.Errorf("portstate store: %w", err)
	}

	if m.controller == nil {
		if c := resolveCoordinator(m.plugins); c != nil {
			m.controller = c
		}
	}

	m.mu.Lock()
	m.st, m.states = st, states
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	if m.bus != nil {
		m.unsub = append(m.unsub,
			m.bus.Subscribe(poe.TopicPortControlled, m.handleControlled),
			m.bus.Subscribe(poe.TopicSnapshotUpdated, m.handleSnapshot),
		)
	}
	m.logger.Info("portstate module started", zap.String("path", m.cfg.Path))
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	for _, u := range m.unsub {
		u()
	}
	m.unsub = nil

	m.mu.Lock()
	cancel, st := m.cancel, m.st
	m.cancel, m.st, m.states = nil, nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	m.wg.Wait()
	if err := st.Close(); err != nil {
		return fmt.Errorf("close portstate store: %w", err)
	}
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if !m.cfg.Enabled {
		return plugin.HealthStatus{Status: "healthy", Message: "disabled"}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.states == nil:
		return plugin.HealthStatus{Status: "unhealthy", Message: "store not open"}
	case m.lastErr != nil:
		return plugin.HealthStatus{Status: "degraded", Message: m.lastErr.Error()}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

func (m *Module) openStates() *States {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states
}

func (m *Module) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Module) handleControlled(ctx context.Context, event plugin.Event) {
	pc, ok := event.Payload.(poe.PortControlled)
	if !ok {
		return
	}
	var enabled bool
	switch pc.Action {
	case poe.ActionEnable:
		enabled = true
	case poe.ActionDisable:
	default:
		return
	}
	states := m.openStates()
	if states == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	err := states.Save(ctx, PortState{Set: pc.Set, Port: pc.Port, Enabled: enabled, UpdatedAt: m.now().UTC()})
	m.setErr(err)
	if err != nil {
		m.logger.Warn("failed to save port state", zap.Error(err))
		return
	}
	m.logger.Debug("port state saved",
		zap.String("set", pc.Set),
		zap.Int("port", pc.Port),
		zap.Bool("enabled", enabled),
	)
}

// handleSnapshot starts the one-time reconcile on the first snapshot.
func (m *Module) handleSnapshot(_ context.Context, event plugin.Event) {
	snap, ok := event.Payload.(*models.Snapshot)
	if !ok || snap == nil || !m.cfg.Reapply {
		return
	}
	m.mu.Lock()
	if m.reconciled || m.states == nil {
		m.mu.Unlock()
		return
	}
	m.reconciled = true
	ctx, states := m.ctx, m.states
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.reconcile(ctx, states, snap)
	}()
}

// reconcile applies every saved state the snapshot disagrees with. Ports
// that are gone or unreadable are left alone.
func (m *Module) reconcile(ctx context.Context, states *States, snap *models.Snapshot) {
	if m.controller == nil {
		m.logger.Warn("no port controller, saved states not reapplied")
		return
	}
	saved, err := states.All(ctx)
	if err != nil {
		m.setErr(err)
		m.logger.Warn("failed to load saved port states", zap.Error(err))
		return
	}

	applied := 0
	for _, ps := range saved {
		set, ok := snap.Sets[ps.Set]
		if !ok {
			continue
		}
		p, ok := set.Port(ps.Port)
		if !ok || !p.Available || p.AdminEnabled == ps.Enabled {
			continue
		}
		action := poe.ActionDisable
		if ps.Enabled {
			action = poe.ActionEnable
		}

		actx, cancel := context.WithTimeout(ctx, controlTimeout)
		err := m.controller.Control(actx, ps.Set, ps.Port, action)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Warn("failed to reapply port state",
				zap.String("set", ps.Set),
				zap.Int("port", ps.Port),
				zap.String("action", string(action)),
				zap.Error(err),
			)
			continue
		}
		applied++
	}
	m.logger.Info("saved port states reapplied", zap.Int("saved", len(saved)), zap.Int("applied", applied))
}

// coordinatorProvider is satisfied by the poe plugin.
type coordinatorProvider interface {
	Coordinator() *poe.Coordinator
}

func resolveCoordinator(r plugin.PluginResolver) *poe.Coordinator {
	if r == nil {
		return nil
	}
	for _, p := range r.ResolveByRole(poe.RoleMonitor) {
		if cp, ok := p.(coordinatorProvider); ok {
			if c := cp.Coordinator(); c != nil {
				return c
			}
		}
	}
	return nil
}
