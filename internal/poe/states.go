package poe

import (
	"strings"

	"github.com/exaviz/poewatch/pkg/models"
)

// The two PSE chips report port state in overlapping but different
// vocabularies, so each backend gets its own closed variant type. Strings
// outside the known set are kept verbatim in the Other variant.

// IP808ARKind enumerates the states of the IC Plus IP808AR add-on PSE.
type IP808ARKind int

const (
	IP808AROther IP808ARKind = iota
	IP808ARPowerOn
	IP808ARBackoff
	IP808ARStartDetection
	IP808ARSearching
	IP808ARDisabled
)

// IP808ARState is one state reported through /proc/pse.
type IP808ARState struct {
	Kind IP808ARKind
	Raw  string
}

// ParseIP808ARState classifies a raw /proc/pse state string.
func ParseIP808ARState(raw string) IP808ARState {
	s := IP808ARState{Kind: IP808AROther, Raw: raw}
	if isDisabled(raw) {
		s.Kind = IP808ARDisabled
		return s
	}
	switch normalizeState(raw) {
	case "power on":
		s.Kind = IP808ARPowerOn
	case "backoff":
		s.Kind = IP808ARBackoff
	case "start detection":
		s.Kind = IP808ARStartDetection
	case "searching":
		s.Kind = IP808ARSearching
	}
	return s
}

// Display maps the state into the shared display vocabulary. Backoff is the
// idle state of an enabled port and must never render as disabled.
func (s IP808ARState) Display() models.DisplayState {
	switch s.Kind {
	case IP808ARPowerOn:
		return models.DisplayActive
	case IP808ARDisabled:
		return models.DisplayDisabled
	case IP808ARBackoff, IP808ARStartDetection, IP808ARSearching:
		return models.DisplayEmpty
	case IP808AROther:
		return models.DisplayUnknown
	}
	return models.DisplayUnknown
}

// AdminEnabled reports whether the port is administratively enabled.
func (s IP808ARState) AdminEnabled() bool { return s.Kind != IP808ARDisabled }

func (s IP808ARState) String() string { return s.Raw }

// TPS23861Kind enumerates the states the ESP32 firmware reports for the
// Texas Instruments TPS23861 onboard PSE.
type TPS23861Kind int

const (
	TPS23861Other TPS23861Kind = iota
	TPS23861PowerOn
	TPS23861StartDetection
	TPS23861Detecting
	TPS23861Searching
	TPS23861Disabled
)

// TPS23861State is one state reported over the ESP32 serial stream.
type TPS23861State struct {
	Kind TPS23861Kind
	Raw  string
}

// ParseTPS23861State classifies a raw ESP32 state string.
func ParseTPS23861State(raw string) TPS23861State {
	s := TPS23861State{Kind: TPS23861Other, Raw: raw}
	if isDisabled(raw) {
		s.Kind = TPS23861Disabled
		return s
	}
	switch normalizeState(raw) {
	case "power on":
		s.Kind = TPS23861PowerOn
	case "start detection":
		s.Kind = TPS23861StartDetection
	case "detecting":
		s.Kind = TPS23861Detecting
	case "searching":
		s.Kind = TPS23861Searching
	}
	return s
}

// Display maps the state into the shared display vocabulary.
func (s TPS23861State) Display() models.DisplayState {
	switch s.Kind {
	case TPS23861PowerOn:
		return models.DisplayActive
	case TPS23861Disabled:
		return models.DisplayDisabled
	case TPS23861StartDetection, TPS23861Detecting, TPS23861Searching:
		return models.DisplayEmpty
	case TPS23861Other:
		return models.DisplayUnknown
	}
	return models.DisplayUnknown
}

// AdminEnabled reports whether the port is administratively enabled.
func (s TPS23861State) AdminEnabled() bool { return s.Kind != TPS23861Disabled }

func (s TPS23861State) String() string { return s.Raw }

// AdminEnabledFromHardware derives the admin flag of a controller-backed
// port. Only the literal "disabled" means disabled; idle and detection
// states are enabled.
func AdminEnabledFromHardware(state string) bool {
	return !isDisabled(state)
}

// DisplayStateOf maps a reconciled PortStatus.State string, from either
// backend, into the shared display vocabulary.
func DisplayStateOf(state string) models.DisplayState {
	n := normalizeState(state)
	switch {
	case n == "power on" || n == "active":
		return models.DisplayActive
	case isDisabled(state):
		return models.DisplayDisabled
	case strings.Contains(n, "backoff"),
		strings.Contains(n, "detection"),
		strings.Contains(n, "detecting"),
		strings.Contains(n, "searching"):
		return models.DisplayEmpty
	default:
		return models.DisplayUnknown
	}
}

// isDisabled matches the exact lowercase word both chips use. Other
// spellings are not folded into it.
func isDisabled(raw string) bool {
	return strings.TrimSpace(raw) == models.StateDisabled
}

// normalizeState folds "power-on" and "power on" spellings together.
func normalizeState(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", " ")
}
