// Package webhook posts PoE port state changes to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
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

// Event names sent in the payload.
const (
	EventPortStateChanged = "port.state_changed"
	EventPollFailed       = "poll.failed"
	EventPollRecovered    = "poll.recovered"
)

const queueSize = 64

// Config holds the webhook plugin configuration.
type Config struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// Validate checks the endpoint URL when one is configured.
func (c Config) Validate() error {
	if c.URL == "" {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url: unsupported scheme %q", u.Scheme)
	}
	if c.Timeout <= 0 {
		return errors.New("webhook timeout must be positive")
	}
	return nil
}

// Payload is the JSON body sent to the webhook URL.
type Payload struct {
	Event     string `json:"event"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// PortChange describes one port whose display state moved.
type PortChange struct {
	Set        string                  `json:"set"`
	Port       int                     `json:"port"`
	From       models.DisplayState     `json:"from"`
	To         models.DisplayState     `json:"to"`
	State      string                  `json:"state"`
	PowerWatts float64                 `json:"power_watts"`
	Device     *models.ConnectedDevice `json:"connected_device,omitempty"`
}

type portKey struct {
	set  string
	port int
}

// Module implements the webhook notifier plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	bus    plugin.EventBus
	client *http.Client

	mu      sync.Mutex
	states  map[portKey]models.DisplayState // nil until the first snapshot
	failing bool
	lastErr error
	unsub   []func()
	queue   chan Payload
	closed  bool
	done    chan struct{}
}

// New creates a new webhook plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "webhook",
		Version:      "0.2.0",
		Description:  "Posts PoE port state changes to a webhook URL",
		Dependencies: []string{"poe"},
		Roles:        []string{"notification"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.cfg = Config{Timeout: 10 * time.Second}
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("webhook config: %w", err)
		}
	}
	m.bus = deps.Bus
	m.client = &http.Client{Timeout: m.cfg.Timeout}

	if m.cfg.URL == "" {
		m.logger.Info("webhook URL not configured; notifications disabled",
			zap.String("component", "webhook"),
		)
	}
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	if m.cfg.URL == "" || m.bus == nil {
		return nil
	}
	m.queue = make(chan Payload, queueSize)
	m.done = make(chan struct{})
	go m.deliver()

	m.unsub = append(m.unsub,
		m.bus.Subscribe(poe.TopicSnapshotUpdated, m.handleSnapshot),
		m.bus.Subscribe(poe.TopicSnapshotFailed, m.handleFailure),
	)
	m.logger.Info("webhook module started", zap.String("url", m.cfg.URL))
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	for _, u := range m.unsub {
		u()
	}
	m.unsub = nil
	if m.queue == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.cfg.URL == "" {
		return plugin.HealthStatus{Status: "healthy", Message: "disabled"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil {
		return plugin.HealthStatus{Status: "degraded", Message: m.lastErr.Error()}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

func (m *Module) handleSnapshot(_ context.Context, event plugin.Event) {
	snap, ok := event.Payload.(*models.Snapshot)
	if !ok || snap == nil {
		return
	}
	changes, recovered := m.diff(snap)
	ts := snap.UpdatedAt
	if recovered {
		m.enqueue(Payload{Event: EventPollRecovered, Timestamp: stamp(ts)})
	}
	for _, c := range changes {
		m.enqueue(Payload{Event: EventPortStateChanged, Timestamp: stamp(ts), Data: c})
	}
}

func (m *Module) handleFailure(_ context.Context, event plugin.Event) {
	msg, _ := event.Payload.(string)
	m.mu.Lock()
	first := !m.failing
	m.failing = true
	m.mu.Unlock()
	if first {
		m.enqueue(Payload{
			Event:     EventPollFailed,
			Timestamp: stamp(event.Timestamp),
			Data:      map[string]string{"error": msg},
		})
	}
}

// diff records the display state of every port in snap and returns the
// ports that changed since the previous snapshot. The first snapshot only
// seeds the baseline.
func (m *Module) diff(snap *models.Snapshot) ([]PortChange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recovered := m.failing
	m.failing = false

	next := make(map[portKey]models.DisplayState)
	var changes []PortChange
	for name, set := range snap.Sets {
		for _, p := range set.Ports {
			k := portKey{name, p.Port}
			to := poe.DisplayStateOf(p.State)
			next[k] = to
			if m.states == nil {
				continue
			}
			from, seen := m.states[k]
			if !seen || from == to {
				continue
			}
			changes = append(changes, PortChange{
				Set:        name,
				Port:       p.Port,
				From:       from,
				To:         to,
				State:      p.State,
				PowerWatts: p.PowerWatts,
				Device:     p.ConnectedDevice,
			})
		}
	}
	m.states = next
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Set != changes[j].Set {
			return changes[i].Set < changes[j].Set
		}
		return changes[i].Port < changes[j].Port
	})
	return changes, recovered
}

func (m *Module) enqueue(p Payload) {
	p.Source = "poewatch"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- p:
	default:
		m.logger.Warn("webhook queue full, dropping notification", zap.String("event", p.Event))
	}
}

func (m *Module) deliver() {
	defer close(m.done)
	for p := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		err := m.send(ctx, p)
		cancel()
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
	}
}

func (m *Module) send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "poewatch-webhook/"+version.Short())
	for k, v := range m.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("webhook delivery failed",
			zap.String("event", p.Event),
			zap.Error(err),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.logger.Warn("webhook endpoint returned error",
			zap.String("event", p.Event),
			zap.Int("status_code", resp.StatusCode),
		)
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	m.logger.Debug("webhook delivered",
		zap.String("event", p.Event),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
