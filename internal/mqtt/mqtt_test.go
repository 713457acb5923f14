package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/config"
	"github.com/exaviz/poewatch/internal/event"
	"github.com/exaviz/poewatch/internal/poe"
	"github.com/exaviz/poewatch/pkg/models"
	"github.com/exaviz/poewatch/pkg/plugin"
	"github.com/exaviz/poewatch/pkg/plugin/plugintest"
)

type message struct {
	topic    string
	retained bool
	payload  string
}

// fakeClient records publishes and lets tests deliver messages to
// subscriptions.
type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	messages     []message
	subs         map[string]MessageHandler
	disconnected bool
	failTopic    string
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if topic == c.failTopic {
		return ErrTimeout
	}
	c.messages = append(c.messages, message{topic: topic, retained: retained, payload: string(payload)})
	return nil
}

func (c *fakeClient) Subscribe(filter string, _ byte, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]MessageHandler)
	}
	c.subs[filter] = handler
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) published(prefix string) []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message
	for _, m := range c.messages {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) last(topic string) (message, bool) {
	msgs := c.published(topic)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].topic == topic {
			return msgs[i], true
		}
	}
	return message{}, false
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

func (c *fakeClient) deliver(t *testing.T, filter, topic, payload string) {
	t.Helper()
	c.mu.Lock()
	h, ok := c.subs[filter]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", filter)
	}
	h(topic, []byte(payload))
}

// fakeDialer returns a connected client and runs onConnect synchronously.
type fakeDialer struct {
	client *fakeClient
}

func (d *fakeDialer) dial(_ Config, onConnect func(Client), _ *zap.Logger) (Client, error) {
	d.client.connected = true
	onConnect(d.client)
	return d.client, nil
}

type controlCall struct {
	set    string
	port   int
	action poe.Action
}

type fakeController struct {
	mu    sync.Mutex
	calls []controlCall
	err   error
}

func (c *fakeController) Control(_ context.Context, set string, port int, action poe.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, controlCall{set, port, action})
	return c.err
}

func (c *fakeController) Calls() []controlCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]controlCall(nil), c.calls...)
}

func newConfig(t *testing.T, values map[string]any) plugin.Config {
	t.Helper()
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return config.New(v)
}

// startModule initializes and starts a module against a fake broker.
func startModule(t *testing.T, values map[string]any, opts ...Option) (*Module, *fakeClient, *event.Bus) {
	t.Helper()
	d := &fakeDialer{client: &fakeClient{}}
	bus := event.NewBus(zap.NewNop())
	m := New(append([]Option{WithDialer(d.dial)}, opts...)...)

	cfg := map[string]any{"broker_url": "tcp://broker:1883"}
	for k, v := range values {
		cfg[k] = v
	}
	deps := plugin.Dependencies{
		Config: newConfig(t, cfg),
		Logger: zap.NewNop(),
		Bus:    bus,
	}
	if err := m.Init(context.Background(), deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.ValidateConfig(); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, d.client, bus
}

func publishSnapshot(t *testing.T, bus *event.Bus, snap *models.Snapshot) {
	t.Helper()
	err := bus.Publish(context.Background(), plugin.Event{
		Topic:   poe.TopicSnapshotUpdated,
		Source:  "poe",
		Payload: snap,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() }, nil)
}

func TestInfo_DependsOnPoE(t *testing.T) {
	info := New().Info()
	if info.Name != "mqtt" {
		t.Errorf("Name = %q, want mqtt", info.Name)
	}
	if len(info.Dependencies) != 1 || info.Dependencies[0] != "poe" {
		t.Errorf("Dependencies = %v, want [poe]", info.Dependencies)
	}
	if info.Required {
		t.Error("mqtt must be optional")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"tcp broker", func(c *Config) { c.BrokerURL = "tcp://broker:1883" }, false},
		{"websocket broker", func(c *Config) { c.BrokerURL = "wss://broker/mqtt" }, false},
		{"unknown scheme", func(c *Config) { c.BrokerURL = "http://broker" }, true},
		{"qos too high", func(c *Config) { c.QoS = 3 }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"empty prefix", func(c *Config) { c.TopicPrefix = "" }, true},
		{"wildcard prefix", func(c *Config) { c.TopicPrefix = "poe/#" }, true},
		{"bad node id", func(c *Config) { c.HADiscovery = true; c.NodeID = "rack a" }, true},
		{"node id ignored without discovery", func(c *Config) { c.NodeID = "rack a" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errInvalidConfig) {
				t.Errorf("error %v does not wrap errInvalidConfig", err)
			}
		})
	}
}

func TestStart_NoBrokerIsNoOp(t *testing.T) {
	dialed := false
	m := New(WithDialer(func(Config, func(Client), *zap.Logger) (Client, error) {
		dialed = true
		return nil, errors.New("unexpected dial")
	}))
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if dialed {
		t.Error("dialer called without a broker URL")
	}
	if got := m.Health(context.Background()); got.Status != "healthy" {
		t.Errorf("Health = %+v, want healthy", got)
	}
}

func TestStart_DialError(t *testing.T) {
	m := New(WithDialer(func(Config, func(Client), *zap.Logger) (Client, error) {
		return nil, errors.New("bad options")
	}))
	deps := plugin.Dependencies{
		Config: newConfig(t, map[string]any{"broker_url": "tcp://broker:1883"}),
		Logger: zap.NewNop(),
	}
	if err := m.Init(context.Background(), deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded with a failing dialer")
	}
}

func TestSnapshot_PublishesBoardAndPortState(t *testing.T) {
	_, client, bus := startModule(t, nil)

	if msg, ok := client.last("poewatch/status"); !ok || msg.payload != payloadOnline || !msg.retained {
		t.Fatalf("availability = %+v, %v", msg, ok)
	}

	temp := 38.0
	publishSnapshot(t, bus, testSnapshot(&temp, 1, 2))

	board, ok := client.last("poewatch/board")
	if !ok {
		t.Fatal("board state not published")
	}
	var bs BoardState
	if err := json.Unmarshal([]byte(board.payload), &bs); err != nil {
		t.Fatalf("board payload: %v", err)
	}
	if bs.Board != models.BoardCruiser || bs.TotalPorts != 2 || bs.BoardTemperatureCelsius == nil || *bs.BoardTemperatureCelsius != 38 {
		t.Errorf("board state = %+v", bs)
	}

	for _, topic := range []string{"poewatch/onboard/1/state", "poewatch/onboard/2/state"} {
		msg, ok := client.last(topic)
		if !ok {
			t.Fatalf("%s not published", topic)
		}
		var ps PortState
		if err := json.Unmarshal([]byte(msg.payload), &ps); err != nil {
			t.Fatalf("%s payload: %v", topic, err)
		}
		if ps.DisplayState != models.DisplayActive || ps.PowerWatts != 2.85 || !msg.retained {
			t.Errorf("%s = %+v", topic, ps)
		}
	}

	if got := client.published("homeassistant/"); len(got) != 0 {
		t.Errorf("discovery published with ha_discovery off: %d messages", len(got))
	}
}

func TestSnapshot_IgnoresForeignPayload(t *testing.T) {
	_, client, bus := startModule(t, nil)
	client.reset()

	_ = bus.Publish(context.Background(), plugin.Event{Topic: poe.TopicSnapshotUpdated, Payload: "not a snapshot"})
	if got := client.published(""); len(got) != 0 {
		t.Errorf("published %d messages for a foreign payload", len(got))
	}
}

func TestSnapshot_PollFailurePublished(t *testing.T) {
	_, client, bus := startModule(t, nil)

	_ = bus.Publish(context.Background(), plugin.Event{Topic: poe.TopicSnapshotFailed, Payload: "no PoE sources available"})
	msg, ok := client.last("poewatch/poll_error")
	if !ok || msg.payload != "no PoE sources available" || msg.retained {
		t.Errorf("poll_error = %+v, %v", msg, ok)
	}
}

func TestDiscovery_AnnouncedOncePerConnection(t *testing.T) {
	_, client, bus := startModule(t, map[string]any{"ha_discovery": true})

	publishSnapshot(t, bus, testSnapshot(nil, 1, 2))
	first := client.published("homeassistant/")
	if len(first) != 2+2*4 {
		t.Fatalf("first snapshot announced %d configs, want %d", len(first), 2+2*4)
	}
	for _, msg := range first {
		if !msg.retained || msg.payload == "" {
			t.Errorf("discovery message %s retained=%v empty=%v", msg.topic, msg.retained, msg.payload == "")
		}
	}

	client.reset()
	publishSnapshot(t, bus, testSnapshot(nil, 1, 2))
	if got := client.published("homeassistant/"); len(got) != 0 {
		t.Errorf("unchanged snapshot re-announced %d configs", len(got))
	}
	if _, ok := client.last("poewatch/onboard/2/state"); !ok {
		t.Error("port state not republished")
	}
}

func TestDiscovery_RemovesVanishedPorts(t *testing.T) {
	_, client, bus := startModule(t, map[string]any{"ha_discovery": true})

	publishSnapshot(t, bus, testSnapshot(nil, 1, 2))
	client.reset()
	publishSnapshot(t, bus, testSnapshot(nil, 1))

	removed := client.published("homeassistant/")
	if len(removed) != 4 {
		t.Fatalf("removal published %d messages, want 4", len(removed))
	}
	for _, msg := range removed {
		if msg.payload != "" || !msg.retained {
			t.Errorf("removal %s payload=%q retained=%v", msg.topic, msg.payload, msg.retained)
		}
		if !strings.Contains(msg.topic, "onboard_port2_") {
			t.Errorf("removed unexpected entity %s", msg.topic)
		}
	}
}

func TestDiscovery_FailedPublishRetried(t *testing.T) {
	_, client, bus := startModule(t, map[string]any{"ha_discovery": true})
	client.mu.Lock()
	client.failTopic = "homeassistant/sensor/poewatch/total_power/config"
	client.mu.Unlock()

	publishSnapshot(t, bus, testSnapshot(nil))
	if got := client.published("homeassistant/"); len(got) != 1 {
		t.Fatalf("published %d configs, want 1", len(got))
	}

	client.mu.Lock()
	client.failTopic = ""
	client.mu.Unlock()
	client.reset()
	publishSnapshot(t, bus, testSnapshot(nil))
	got := client.published("homeassistant/")
	if len(got) != 1 || got[0].topic != "homeassistant/sensor/poewatch/total_power/config" {
		t.Errorf("retry published %+v", got)
	}
}

func TestReconnect_RestoresState(t *testing.T) {
	m, client, bus := startModule(t, map[string]any{"ha_discovery": true})
	publishSnapshot(t, bus, testSnapshot(nil, 1))

	client.reset()
	m.onConnect(client)

	if msg, ok := client.last("poewatch/status"); !ok || msg.payload != payloadOnline {
		t.Errorf("availability after reconnect = %+v, %v", msg, ok)
	}
	if got := client.published("homeassistant/"); len(got) != 2+4 {
		t.Errorf("reconnect announced %d configs, want %d", len(got), 2+4)
	}
	if _, ok := client.last("poewatch/onboard/1/state"); !ok {
		t.Error("port state not restored after reconnect")
	}
	if got := m.Health(context.Background()); got.Status != "healthy" {
		t.Errorf("Health = %+v, want healthy", got)
	}
}

func TestCommands(t *testing.T) {
	ctrl := &fakeController{}
	_, client, _ := startModule(t, map[string]any{"commands": true}, WithController(ctrl))

	tests := []struct {
		topic   string
		payload string
		want    *controlCall
	}{
		{"poewatch/onboard/3/set", "disable", &controlCall{"onboard", 3, poe.ActionDisable}},
		{"poewatch/addon_0/1/set", "ON", &controlCall{"addon_0", 1, poe.ActionEnable}},
		{"poewatch/onboard/2/set", " reset\n", &controlCall{"onboard", 2, poe.ActionReset}},
		{"poewatch/onboard/x/set", "enable", nil},
		{"poewatch/onboard/2/set", "explode", nil},
		{"other/onboard/2/set", "enable", nil},
	}
	for _, tt := range tests {
		t.Run(tt.topic+"="+strings.TrimSpace(tt.payload), func(t *testing.T) {
			before := len(ctrl.Calls())
			client.deliver(t, "poewatch/+/+/set", tt.topic, tt.payload)
			calls := ctrl.Calls()
			if tt.want == nil {
				if len(calls) != before {
					t.Errorf("unexpected control call %+v", calls[len(calls)-1])
				}
				return
			}
			if len(calls) != before+1 || calls[len(calls)-1] != *tt.want {
				t.Errorf("calls = %+v, want %+v", calls, *tt.want)
			}
		})
	}
}

func TestCommands_DisabledByDefault(t *testing.T) {
	_, client, _ := startModule(t, nil, WithController(&fakeController{}))
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.subs) != 0 {
		t.Errorf("subscribed to %v with commands disabled", client.subs)
	}
}

func TestCommands_WithoutController(t *testing.T) {
	_, client, _ := startModule(t, map[string]any{"commands": true})
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.subs) != 0 {
		t.Errorf("subscribed to %v without a poe monitor", client.subs)
	}
}

func TestStop_PublishesOfflineAndDisconnects(t *testing.T) {
	m, client, bus := startModule(t, nil)
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if msg, ok := client.last("poewatch/status"); !ok || msg.payload != payloadOffline {
		t.Errorf("availability after Stop = %+v, %v", msg, ok)
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}

	client.reset()
	publishSnapshot(t, bus, testSnapshot(nil, 1))
	if got := client.published(""); len(got) != 0 {
		t.Errorf("published %d messages after Stop", len(got))
	}
	if got := m.Health(context.Background()); got.Status != "degraded" {
		t.Errorf("Health after Stop = %+v, want degraded", got)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestResolveCoordinator(t *testing.T) {
	if resolveCoordinator(nil) != nil {
		t.Error("resolveCoordinator(nil) must be nil")
	}
	r := fakeResolver{poe.New()}
	if resolveCoordinator(r) != nil {
		t.Error("uninitialized poe module must not resolve to a controller")
	}
}

type fakeResolver []plugin.Plugin

func (r fakeResolver) Resolve(name string) (plugin.Plugin, bool) {
	for _, p := range r {
		if p.Info().Name == name {
			return p, true
		}
	}
	return nil, false
}

func (r fakeResolver) ResolveByRole(role string) []plugin.Plugin {
	var out []plugin.Plugin
	for _, p := range r {
		for _, rr := range p.Info().Roles {
			if rr == role {
				out = append(out, p)
			}
		}
	}
	return out
}
