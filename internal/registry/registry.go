// Package registry hosts the agent's plugins: it validates them, then runs
// Init, Start and Stop in registration order.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/exaviz/poewatch/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.PluginResolver = (*Registry)(nil)

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	plugins  map[string]plugin.Plugin
	infos    map[string]plugin.PluginInfo
	disabled map[string]bool
	started  []string
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		infos:    make(map[string]plugin.PluginInfo),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds a plugin. A plugin's dependencies must be registered
// before it.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}

	r.order = append(r.order, info.Name)
	r.plugins[info.Name] = p
	r.infos[info.Name] = info
	r.logger.Info("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.Int("api_version", info.APIVersion),
	)
	return nil
}

// Validate checks API versions and dependencies. Optional plugins that
// fail either check are disabled; required ones fail the whole agent.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, name := range r.order {
		info := r.infos[name]
		if err := r.check(info, r.order[:i]); err != nil {
			if info.Required {
				return err
			}
			r.logger.Warn("disabling plugin", zap.String("name", name), zap.Error(err))
			r.disabled[name] = true
		}
	}

	r.logger.Info("plugin validation complete",
		zap.Strings("order", r.activeLocked()),
		zap.Int("disabled", len(r.disabled)),
	)
	return nil
}

func (r *Registry) check(info plugin.PluginInfo, earlier []string) error {
	switch {
	case info.APIVersion < plugin.APIVersionMin:
		return fmt.Errorf("plugin %q targets API v%d, this agent requires v%d or newer", info.Name, info.APIVersion, plugin.APIVersionMin)
	case info.APIVersion > plugin.APIVersionCurrent:
		return fmt.Errorf("plugin %q targets API v%d, this agent supports up to v%d", info.Name, info.APIVersion, plugin.APIVersionCurrent)
	}
	for _, dep := range info.Dependencies {
		if _, ok := r.plugins[dep]; !ok {
			return fmt.Errorf("plugin %q depends on %q which is not registered", info.Name, dep)
		}
		if !slices.Contains(earlier, dep) {
			return fmt.Errorf("plugin %q must be registered after its dependency %q", info.Name, dep)
		}
		if r.disabled[dep] {
			return fmt.Errorf("plugin %q depends on %q which is disabled", info.Name, dep)
		}
	}
	return nil
}

// InitAll initializes every active plugin and validates its configuration.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	for _, name := range r.active() {
		p := r.plugins[name]
		r.logger.Info("initializing plugin", zap.String("name", name))

		err := p.Init(ctx, depsFn(name))
		if err == nil {
			if v, ok := p.(plugin.Validator); ok {
				err = v.ValidateConfig()
			}
		}
		if err != nil {
			if err := r.fail(name, "initialize", err); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartAll starts every active plugin.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.active() {
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := r.plugins[name].Start(ctx); err != nil {
			if err := r.fail(name, "start", err); err != nil {
				return err
			}
			continue
		}
		r.mu.Lock()
		r.started = append(r.started, name)
		r.mu.Unlock()
	}
	return nil
}

// StopAll stops the started plugins in reverse order.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := r.plugins[name].Stop(ctx); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// fail disables an optional plugin, or returns an error for a required one.
func (r *Registry) fail(name, stage string, err error) error {
	if r.infos[name].Required {
		return fmt.Errorf("required plugin %q failed to %s: %w", name, stage, err)
	}
	r.logger.Error("optional plugin failed, disabling",
		zap.String("name", name),
		zap.String("stage", stage),
		zap.Error(err),
	)
	r.mu.Lock()
	r.disabled[name] = true
	r.mu.Unlock()
	return nil
}

// Get returns an active plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok || r.disabled[name] {
		return nil, false
	}
	return p, true
}

// Resolve implements plugin.PluginResolver.
func (r *Registry) Resolve(name string) (plugin.Plugin, bool) {
	return r.Get(name)
}

// ResolveByRole returns the active plugins that declare role.
func (r *Registry) ResolveByRole(role string) []plugin.Plugin {
	var result []plugin.Plugin
	for _, name := range r.active() {
		if slices.Contains(r.infos[name].Roles, role) {
			result = append(result, r.plugins[name])
		}
	}
	return result
}

// All returns the active plugins in registration order.
func (r *Registry) All() []plugin.Plugin {
	names := r.active()
	result := make([]plugin.Plugin, 0, len(names))
	for _, name := range names {
		result = append(result, r.plugins[name])
	}
	return result
}

// AllRoutes returns the routes of every active HTTPProvider, keyed by
// plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	routes := make(map[string][]plugin.Route)
	for _, name := range r.active() {
		if hp, ok := r.plugins[name].(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[name] = pr
			}
		}
	}
	return routes
}

// Health collects the reports of every active HealthChecker.
func (r *Registry) Health(ctx context.Context) map[string]plugin.HealthStatus {
	out := make(map[string]plugin.HealthStatus)
	for _, name := range r.active() {
		if hc, ok := r.plugins[name].(plugin.HealthChecker); ok {
			out[name] = hc.Health(ctx)
		}
	}
	return out
}

// IsDisabled reports whether a plugin was disabled during validation or
// startup.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

func (r *Registry) active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() []string {
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if !r.disabled[name] {
			names = append(names, name)
		}
	}
	return names
}
