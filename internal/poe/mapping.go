package poe

import (
	"strconv"
	"strings"
)

// PSEGroup is the ESP32 firmware's PSE controller index on a Cruiser board.
type PSEGroup int

const (
	PSEGroupA PSEGroup = 0 // right-hand PSE, Linux poe4-poe7
	PSEGroupB PSEGroup = 1 // left-hand PSE, Linux poe0-poe3
)

func (g PSEGroup) String() string {
	switch g {
	case PSEGroupA:
		return "A"
	case PSEGroupB:
		return "B"
	default:
		return strconv.Itoa(int(g))
	}
}

// SerialKey addresses one port in firmware coordinates.
type SerialKey struct {
	Group PSEGroup
	Port  int
}

// portsPerSerialGroup is the number of ports on each TPS23861.
const portsPerSerialGroup = 4

// LogicalToSerial maps a Linux onboard port number (poeN) to the firmware's
// PSE group and local port. The Cruiser wires P1-P4 (poe0-3) to PSE 1 and
// P5-P8 (poe4-7) to PSE 0. This is fixed board wiring.
func LogicalToSerial(port int) SerialKey {
	g := PSEGroupA
	if port < portsPerSerialGroup {
		g = PSEGroupB
	}
	return SerialKey{Group: g, Port: port % portsPerSerialGroup}
}

// SerialToLogical is the inverse of LogicalToSerial.
func SerialToLogical(k SerialKey) int {
	if k.Group == PSEGroupB {
		return k.Port
	}
	return portsPerSerialGroup + k.Port
}

// OnboardPortNumber extracts N from an onboard interface name "poeN".
func OnboardPortNumber(iface string) (int, bool) {
	rest, ok := strings.CutPrefix(iface, "poe")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// AddonInterface is the flat interface name the IP808AR driver creates for
// group/port: group N port M becomes poe{N*8+M}.
func AddonInterface(group, port int) string {
	return "poe" + strconv.Itoa(group*addonPortsPerGroup+port)
}

// addonInterfaceCandidates lists the names an add-on port may carry, the
// flat form first and the older "poeN-M" form second.
func addonInterfaceCandidates(group, port int) []string {
	return []string{
		AddonInterface(group, port),
		"poe" + strconv.Itoa(group) + "-" + strconv.Itoa(port),
	}
}

const addonPortsPerGroup = 8
