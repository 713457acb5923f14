// Package mqtt publishes PoE snapshots to an MQTT broker with optional Home
// Assistant auto-discovery, and applies port commands received on the
// broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/poe"
	"github.com/exaviz/poewatch/internal/version"
	"github.com/exaviz/poewatch/pkg/models"
	"github.com/exaviz/poewatch/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// commandTimeout bounds one port action, which includes power-cycle delays.
const commandTimeout = 30 * time.Second

// PortController applies an action to one port of a PoE set.
type PortController interface {
	Control(ctx context.Context, set string, port int, action poe.Action) error
}

// Module implements the MQTT publisher plugin. It subscribes to PoE
// snapshot events on the event bus, republishes them as retained per-port
// state topics and, when enabled, announces Home Assistant entities.
type Module struct {
	logger     *zap.Logger
	cfg        Config
	dial       Dialer
	bus        plugin.EventBus
	plugins    plugin.PluginResolver
	controller PortController
	unsub      []func()

	mu        sync.Mutex
	client    Client
	last      *models.Snapshot
	announced map[string]bool // discovery topics published on this connection
}

// Option customizes a Module.
type Option func(*Module)

// WithDialer replaces the Paho connection, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Module) { m.dial = d }
}

// WithController sets the port controller instead of resolving the poe
// plugin at Start.
func WithController(c PortController) Option {
	return func(m *Module) { m.controller = c }
}

// New creates a new MQTT publisher plugin instance.
func New(opts ...Option) *Module {
	m := &Module{dial: DialPaho, announced: make(map[string]bool)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "mqtt",
		Version:      "0.2.0",
		Description:  "Publishes PoE port state to an MQTT broker",
		Dependencies: []string{"poe"},
		Roles:        []string{"integration"},
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
			return fmt.Errorf("mqtt config: %w", err)
		}
	}
	m.bus = deps.Bus
	m.plugins = deps.Plugins

	if m.cfg.BrokerURL == "" {
		m.logger.Info("MQTT broker URL not configured; snapshots will not be published")
	}

	m.logger.Info("mqtt module initialized",
		zap.String("broker_url", m.cfg.BrokerURL),
		zap.String("client_id", m.cfg.ClientID),
		zap.String("topic_prefix", m.cfg.TopicPrefix),
		zap.Uint8("qos", m.cfg.QoS),
		zap.Bool("ha_discovery", m.cfg.HADiscovery),
		zap.Bool("commands", m.cfg.Commands),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	if m.cfg.BrokerURL == "" {
		m.logger.Info("mqtt module started (no-op: no broker configured)")
		return nil
	}
	coord := resolveCoordinator(m.plugins)
	if coord != nil {
		// Seed with the snapshot produced before this plugin started.
		if snap, err := coord.Latest(); err == nil && snap != nil {
			m.mu.Lock()
			m.last = snap
			m.mu.Unlock()
		}
	}
	if m.cfg.Commands && m.controller == nil {
		if coord != nil {
			m.controller = coord
		} else {
			m.logger.Warn("mqtt commands enabled but no poe monitor is available; commands disabled")
		}
	}

	// Snapshots arriving before the connection completes are kept in
	// m.last and sent by onConnect.
	if m.bus != nil {
		m.unsub = append(m.unsub,
			m.bus.Subscribe(poe.TopicSnapshotUpdated, m.handleSnapshot),
			m.bus.Subscribe(poe.TopicSnapshotFailed, m.handleFailure),
		)
	}

	client, err := m.dial(m.cfg, m.onConnect, m.logger)
	if err != nil {
		m.unsubscribe()
		return fmt.Errorf("mqtt dial: %w", err)
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	m.logger.Info("mqtt module started", zap.String("broker_url", m.cfg.BrokerURL))
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.unsubscribe()

	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	if client.IsConnected() {
		if err := client.Publish(m.cfg.availabilityTopic(), m.cfg.QoS, true, []byte(payloadOffline)); err != nil {
			m.logger.Debug("offline status publish failed", zap.Error(err))
		}
	}
	client.Disconnect()
	m.logger.Info("mqtt disconnected")
	return nil
}

func (m *Module) unsubscribe() {
	for _, unsub := range m.unsub {
		unsub()
	}
	m.unsub = nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.cfg.BrokerURL == "" {
		return plugin.HealthStatus{
			Status:  "healthy",
			Message: "no broker configured (no-op mode)",
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || !m.client.IsConnected() {
		return plugin.HealthStatus{
			Status:  "degraded",
			Message: "not connected to MQTT broker",
		}
	}
	return plugin.HealthStatus{
		Status:  "healthy",
		Message: "connected to " + m.cfg.BrokerURL,
	}
}

// onConnect restores availability, command subscriptions and retained
// state after every (re)connect.
func (m *Module) onConnect(c Client) {
	m.publish(c, m.cfg.availabilityTopic(), []byte(payloadOnline))

	if m.cfg.Commands && m.controller != nil {
		if err := c.Subscribe(m.cfg.commandFilter(), m.cfg.QoS, m.handleCommand); err != nil {
			m.logger.Warn("mqtt command subscribe failed",
				zap.String("filter", m.cfg.commandFilter()),
				zap.Error(err),
			)
		}
	}

	m.mu.Lock()
	m.announced = make(map[string]bool)
	last := m.last
	m.mu.Unlock()
	if last != nil {
		m.publishSnapshot(c, last)
	}
}

func (m *Module) handleSnapshot(_ context.Context, event plugin.Event) {
	snap, ok := event.Payload.(*models.Snapshot)
	if !ok || snap == nil {
		return
	}
	m.mu.Lock()
	m.last = snap
	client := m.client
	m.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return
	}
	m.publishSnapshot(client, snap)
}

func (m *Module) handleFailure(_ context.Context, event plugin.Event) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}
	msg, _ := event.Payload.(string)
	if err := client.Publish(m.cfg.TopicPrefix+"/poll_error", m.cfg.QoS, false, []byte(msg)); err != nil {
		m.logger.Warn("mqtt poll error publish failed", zap.Error(err))
	}
}

// publishSnapshot sends discovery configs (when enabled), the board state
// and every port state for one snapshot.
func (m *Module) publishSnapshot(c Client, snap *models.Snapshot) {
	if m.cfg.HADiscovery {
		m.publishDiscovery(c, BuildDiscoveryConfigs(snap, m.cfg, version.Short()))
	}

	m.publishJSON(c, m.cfg.boardTopic(), boardState(snap))
	for _, name := range sortedSetNames(snap) {
		for _, p := range snap.Sets[name].Ports {
			m.publishJSON(c, m.cfg.portTopic(name, p.Port)+"/state", portState(p))
		}
	}
	m.logger.Debug("mqtt snapshot published",
		zap.Int("ports", snap.TotalPorts),
		zap.Time("updated_at", snap.UpdatedAt),
	)
}

// publishDiscovery publishes configs not yet announced on this connection
// and removes entities whose ports disappeared.
func (m *Module) publishDiscovery(c Client, configs []DiscoveryConfig) {
	current := make(map[string]bool, len(configs))
	var pending []DiscoveryConfig

	m.mu.Lock()
	for _, cfg := range configs {
		current[cfg.Topic] = true
		if !m.announced[cfg.Topic] {
			pending = append(pending, cfg)
		}
	}
	for topic := range m.announced {
		if !current[topic] {
			pending = append(pending, RemovalConfig(topic))
		}
	}
	m.mu.Unlock()

	for _, cfg := range pending {
		// Discovery configs are always retained so HA picks them up on restart.
		if err := c.Publish(cfg.Topic, m.cfg.QoS, true, cfg.Payload); err != nil {
			m.logger.Warn("ha discovery publish failed",
				zap.String("topic", cfg.Topic),
				zap.Error(err),
			)
			continue
		}
		m.mu.Lock()
		if len(cfg.Payload) == 0 {
			delete(m.announced, cfg.Topic)
		} else {
			m.announced[cfg.Topic] = true
		}
		m.mu.Unlock()
		m.logger.Debug("ha discovery published",
			zap.String("topic", cfg.Topic),
			zap.Bool("removal", len(cfg.Payload) == 0),
		)
	}
}

func (m *Module) publishJSON(c Client, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("failed to marshal MQTT payload",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	m.publish(c, topic, payload)
}

// publish sends a retained state value.
func (m *Module) publish(c Client, topic string, payload []byte) {
	if err := c.Publish(topic, m.cfg.QoS, true, payload); err != nil {
		m.logger.Warn("state publish failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

// handleCommand applies a payload received on {prefix}/{set}/{port}/set.
func (m *Module) handleCommand(topic string, payload []byte) {
	set, port, ok := m.parseCommandTopic(topic)
	if !ok {
		m.logger.Debug("ignoring mqtt command on unexpected topic", zap.String("topic", topic))
		return
	}
	action, err := commandAction(string(payload))
	if err != nil {
		m.logger.Warn("invalid mqtt port command",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := m.controller.Control(ctx, set, port, action); err != nil {
		m.logger.Warn("mqtt port command failed",
			zap.String("set", set),
			zap.Int("port", port),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("mqtt port command applied",
		zap.String("set", set),
		zap.Int("port", port),
		zap.String("action", string(action)),
	)
}

func (m *Module) parseCommandTopic(topic string) (set string, port int, ok bool) {
	rest, found := strings.CutPrefix(topic, m.cfg.TopicPrefix+"/")
	if !found {
		return "", 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[0], port, true
}

// commandAction accepts the action names plus the ON/OFF payloads generic
// MQTT switches send.
func commandAction(payload string) (poe.Action, error) {
	switch p := strings.ToLower(strings.TrimSpace(payload)); p {
	case "on":
		return poe.ActionEnable, nil
	case "off":
		return poe.ActionDisable, nil
	default:
		return poe.ParseAction(p)
	}
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
