package poe

import (
	"math"

	"github.com/exaviz/poewatch/pkg/models"
)

// DefaultAllocatedWatts is the Class 0/3 PSE allocation, used whenever the
// class is unknown.
const DefaultAllocatedWatts = 15.4

// classAllocation is the IEEE 802.3af/at power the PSE reserves per class.
var classAllocation = map[string]float64{
	"0": 15.4,
	"1": 4.0,
	"2": 7.0,
	"3": 15.4,
	"4": 30.0,
}

// PowerWatts computes measured draw from voltage and current, rounded to two
// decimals. Chip-reported power fields are budgets and are never used.
func PowerWatts(volts, amps float64) float64 {
	return round(volts*amps, 2)
}

// AllocatedPowerWatts returns the PSE power budget implied by a PoE class.
// Unknown classes, "?" included, fall back to DefaultAllocatedWatts.
func AllocatedPowerWatts(class string) float64 {
	if w, ok := classAllocation[class]; ok {
		return w
	}
	return DefaultAllocatedWatts
}

// Mocked telemetry constants used when a port has link state but no PSE
// readings.
const (
	MockedVolts         = 48.0
	mockedGigabitWatts  = 12.5
	mockedLowSpeedWatts = 8.0
	gigabitSpeedMbps    = 1000
)

// Estimate is a heuristic power reading derived from link speed.
type Estimate struct {
	Watts            float64
	Class            string
	Volts            float64
	CurrentMilliamps int
}

// EstimatePower guesses draw and class from the negotiated link speed.
func EstimatePower(linkUp bool, speedMbps int) Estimate {
	if !linkUp {
		return Estimate{Class: models.UnknownClass}
	}
	e := Estimate{Class: models.UnknownClass, Volts: MockedVolts}
	switch {
	case speedMbps >= gigabitSpeedMbps:
		e.Watts, e.Class = mockedGigabitWatts, "3"
	case speedMbps > 0:
		e.Watts, e.Class = mockedLowSpeedWatts, "2"
	}
	e.CurrentMilliamps = int(e.Watts / MockedVolts * 1000)
	return e
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
