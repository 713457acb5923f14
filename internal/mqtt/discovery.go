package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/exaviz/poewatch/internal/poe"
	"github.com/exaviz/poewatch/pkg/models"
)

// nonAlphanumeric matches any character that is not alphanumeric or underscore.
var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// titleCase returns s in English title case. Casers are stateful, so each
// call gets its own.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

// DiscoveryConfig holds a single HA MQTT discovery payload.
type DiscoveryConfig struct {
	Topic   string // Full MQTT topic (homeassistant/...)
	Payload []byte // JSON-encoded config (empty = remove)
}

// HADevice is the "device" block in HA discovery payloads.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// entityBase holds the keys shared by every entity component.
type entityBase struct {
	Name              string   `json:"name"`
	ObjectID          string   `json:"object_id"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	Device            HADevice `json:"device"`
}

// SensorConfig is the HA discovery payload for sensor.
type SensorConfig struct {
	entityBase
	ValueTemplate     string `json:"value_template"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
}

// BinarySensorConfig is the HA discovery payload for binary_sensor.
type BinarySensorConfig struct {
	entityBase
	ValueTemplate string `json:"value_template"`
	DeviceClass   string `json:"device_class,omitempty"`
	PayloadOn     string `json:"payload_on"`
	PayloadOff    string `json:"payload_off"`
}

// SwitchConfig is the HA discovery payload for switch.
type SwitchConfig struct {
	entityBase
	CommandTopic  string `json:"command_topic"`
	ValueTemplate string `json:"value_template"`
	PayloadOn     string `json:"payload_on"`
	PayloadOff    string `json:"payload_off"`
	StateOn       string `json:"state_on"`
	StateOff      string `json:"state_off"`
}

// ButtonConfig is the HA discovery payload for button.
type ButtonConfig struct {
	entityBase
	CommandTopic string `json:"command_topic"`
	PayloadPress string `json:"payload_press"`
	DeviceClass  string `json:"device_class,omitempty"`
}

// SafeObjectID sanitizes a string for use as an HA object_id.
// Replaces any non-alphanumeric character (except underscore) with underscore,
// lowercases, and trims leading/trailing underscores.
func SafeObjectID(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumeric.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// SetTitle renders a PoE set name for display: "addon_0" becomes "Addon 0".
func SetTitle(set string) string {
	return titleCase(strings.ReplaceAll(set, "_", " "))
}

// discoveryBuilder accumulates the entity configs of one snapshot.
type discoveryBuilder struct {
	cfg     Config
	device  HADevice
	configs []DiscoveryConfig
}

func (b *discoveryBuilder) base(objectID, name, stateTopic, icon string) entityBase {
	uid := SafeObjectID(b.cfg.NodeID) + "_" + objectID
	return entityBase{
		Name:              name,
		ObjectID:          uid,
		UniqueID:          uid,
		StateTopic:        stateTopic,
		AvailabilityTopic: b.cfg.availabilityTopic(),
		Icon:              icon,
		Device:            b.device,
	}
}

func (b *discoveryBuilder) add(component, objectID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.configs = append(b.configs, DiscoveryConfig{
		Topic:   fmt.Sprintf("%s/%s/%s/%s/config", b.cfg.HADiscoveryPrefix, component, SafeObjectID(b.cfg.NodeID), objectID),
		Payload: data,
	})
}

// BuildDiscoveryConfigs creates HA discovery config payloads for a snapshot:
// board-level power and temperature sensors plus, per port, power and state
// sensors, powered and plugged binary sensors and, when commands are
// enabled, an enable switch and a reset button.
func BuildDiscoveryConfigs(snap *models.Snapshot, cfg Config, swVersion string) []DiscoveryConfig {
	if snap == nil {
		return nil
	}
	node := SafeObjectID(cfg.NodeID)
	b := &discoveryBuilder{
		cfg: cfg,
		device: HADevice{
			Identifiers:  []string{"poewatch_" + node},
			Name:         "Exaviz " + titleCase(string(snap.Board)),
			Model:        string(snap.Board),
			Manufacturer: "Exaviz",
			SWVersion:    swVersion,
		},
	}

	board := cfg.boardTopic()
	b.add("sensor", "total_power", SensorConfig{
		entityBase:        b.base("total_power", "Total PoE Power", board, "mdi:flash"),
		ValueTemplate:     "{{ value_json.total_power_watts }}",
		DeviceClass:       "power",
		StateClass:        "measurement",
		UnitOfMeasurement: "W",
	})
	b.add("sensor", "enabled_ports", SensorConfig{
		entityBase:    b.base("enabled_ports", "Enabled PoE Ports", board, "mdi:ethernet"),
		ValueTemplate: "{{ value_json.total_enabled_ports }}",
		StateClass:    "measurement",
	})
	if snap.BoardTemperatureCelsius != nil {
		b.add("sensor", "board_temperature", SensorConfig{
			entityBase:        b.base("board_temperature", "Board Temperature", board, ""),
			ValueTemplate:     "{{ value_json.board_temperature_celsius }}",
			DeviceClass:       "temperature",
			StateClass:        "measurement",
			UnitOfMeasurement: "°C",
		})
	}

	for _, name := range sortedSetNames(snap) {
		for _, p := range snap.Sets[name].Ports {
			b.addPort(name, p.Port)
		}
	}
	return b.configs
}

func (b *discoveryBuilder) addPort(set string, port int) {
	obj := func(kind string) string {
		return SafeObjectID(fmt.Sprintf("%s_port%d_%s", set, port, kind))
	}
	label := fmt.Sprintf("%s Port %d", SetTitle(set), port)
	state := b.cfg.portTopic(set, port) + "/state"

	b.add("sensor", obj("power"), SensorConfig{
		entityBase:        b.base(obj("power"), label+" Power", state, "mdi:flash"),
		ValueTemplate:     "{{ value_json.power_watts }}",
		DeviceClass:       "power",
		StateClass:        "measurement",
		UnitOfMeasurement: "W",
	})
	b.add("sensor", obj("state"), SensorConfig{
		entityBase:    b.base(obj("state"), label+" State", state, "mdi:ethernet"),
		ValueTemplate: "{{ value_json.display_state }}",
	})
	b.add("binary_sensor", obj("powered"), BinarySensorConfig{
		entityBase:    b.base(obj("powered"), label+" Powered", state, ""),
		ValueTemplate: "{{ 'ON' if value_json.powered else 'OFF' }}",
		DeviceClass:   "power",
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
	})
	b.add("binary_sensor", obj("plugged"), BinarySensorConfig{
		entityBase:    b.base(obj("plugged"), label+" Plugged", state, ""),
		ValueTemplate: "{{ 'ON' if value_json.plugged else 'OFF' }}",
		DeviceClass:   "plug",
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
	})

	if !b.cfg.Commands {
		return
	}
	command := b.cfg.portTopic(set, port) + "/set"
	b.add("switch", obj("enabled"), SwitchConfig{
		entityBase:    b.base(obj("enabled"), label, state, "mdi:power-plug"),
		CommandTopic:  command,
		ValueTemplate: "{{ 'ON' if value_json.enabled else 'OFF' }}",
		PayloadOn:     string(poe.ActionEnable),
		PayloadOff:    string(poe.ActionDisable),
		StateOn:       "ON",
		StateOff:      "OFF",
	})
	reset := b.base(obj("reset"), label+" Reset", "", "")
	b.add("button", obj("reset"), ButtonConfig{
		entityBase:   reset,
		CommandTopic: command,
		PayloadPress: string(poe.ActionReset),
		DeviceClass:  "restart",
	})
}

// RemovalConfig returns the discovery config that removes an entity from HA.
// Publishing an empty retained payload to a discovery topic deletes it.
func RemovalConfig(topic string) DiscoveryConfig {
	return DiscoveryConfig{Topic: topic}
}

func sortedSetNames(snap *models.Snapshot) []string {
	names := make([]string, 0, len(snap.Sets))
	for name := range snap.Sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
