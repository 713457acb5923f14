package poe

import (
	"strings"

	"github.com/exaviz/poewatch/pkg/models"
)

// ProcPSEReading is one port line from the IP808AR driver's /proc/pse
// stream:
//
//	0-0: power-on 0 15.50 47.9375 0.05950/0.80000 33.1250/150.0000
//	G-P: STATE    C BUDGET VOLTS  AMPS/LIMIT      TEMP/MAX
type ProcPSEReading struct {
	Group              int
	Port               int
	State              IP808ARState
	Class              string
	BudgetWatts        float64 // classification allocation, not draw
	Volts              float64
	CurrentMilliamps   int
	TemperatureCelsius float64
	PowerWatts         float64
}

// ParseProcPSELine parses a single /proc/pse line. Lines that are not port
// lines (the driver banner, per-PSE summaries) return false.
func ParseProcPSELine(line string) (ProcPSEReading, bool) {
	pl, ok := tokenizePortLine(line)
	if !ok || len(pl.tail) < 1 {
		return ProcPSEReading{}, false
	}

	budget, ok1 := parseField(pl.power)
	volts, ok2 := parseField(pl.volts)
	amps, ok3 := parseField(pl.current)
	temp, ok4 := parseFraction(pl.tail[0])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return ProcPSEReading{}, false
	}

	class := pl.class
	if class == "" {
		class = models.UnknownClass
	}
	return ProcPSEReading{
		Group:              pl.group,
		Port:               pl.port,
		State:              ParseIP808ARState(pl.state),
		Class:              class,
		BudgetWatts:        budget,
		Volts:              round(volts, 2),
		CurrentMilliamps:   int(amps * 1000),
		TemperatureCelsius: round(temp, 1),
		PowerWatts:         PowerWatts(volts, amps),
	}, true
}

// FindProcPSEPort scans lines for group/port. When the port appears more
// than once the last line wins.
func FindProcPSEPort(lines []string, group, port int) (ProcPSEReading, bool) {
	var (
		found ProcPSEReading
		ok    bool
	)
	for _, line := range lines {
		r, matched := ParseProcPSELine(line)
		if matched && r.Group == group && r.Port == port {
			found, ok = r, true
		}
	}
	return found, ok
}

// ParseProcPSEHeader extracts the driver version and board name from the
// /proc/pse banner, e.g. "Axzez Interceptor PoE driver version 2.0".
func ParseProcPSEHeader(line string) (version, board string) {
	idx := strings.LastIndex(strings.ToLower(line), "version")
	if idx >= 0 {
		version = strings.TrimSpace(line[idx+len("version"):])
	}
	switch {
	case strings.Contains(line, "Interceptor"):
		board = "Interceptor"
	case strings.Contains(line, "Cruiser"):
		board = "Cruiser"
	}
	return version, board
}
